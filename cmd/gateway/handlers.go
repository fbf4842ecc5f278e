package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/vorpalengineering/x402-gateway/catalog"
	"github.com/vorpalengineering/x402-gateway/resource/middleware"
)

// maxUpstreamBody caps what is read back from an upstream API.
const maxUpstreamBody = 4 << 20

type gateway struct {
	config     *GatewayConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// newRouter wires the catalog, the payment middleware and the proxied
// resources.
func newRouter(cfg *GatewayConfig, facilitator middleware.Facilitator, httpClient *http.Client, logger *slog.Logger) (*gin.Engine, error) {
	mwConfig := cfg.MiddlewareConfig()
	paywall, err := middleware.NewX402Middleware(mwConfig, facilitator, middleware.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	index, err := catalog.FromRoutes(cfg.BaseURL, mwConfig.Routes)
	if err != nil {
		return nil, err
	}

	g := &gateway{config: cfg, httpClient: httpClient, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), g.requestLogger(), paywall.Handler())
	router.GET("/", index.Handler())
	router.GET("/weather", g.handleWeather)
	router.GET("/car-report", g.handleCarReport)
	return router, nil
}

func (g *gateway) handleWeather(ctx *gin.Context) {
	city := ctx.Query("city")
	if city == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "city is required"})
		return
	}

	query := url.Values{}
	query.Set("key", g.config.Weather.APIKey)
	query.Set("q", city)
	query.Set("days", "7")

	data, status, err := g.fetch(ctx.Request.Context(), g.config.Weather.URL, query)
	if err != nil {
		g.logger.Warn("weather upstream failed", "city", city, "error", err)
		ctx.JSON(http.StatusBadGateway, gin.H{"error": "weather service unavailable"})
		return
	}
	ctx.Data(status, "application/json", data)
}

func (g *gateway) handleCarReport(ctx *gin.Context) {
	vin := ctx.Query("vin")
	if vin == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "VIN number is required"})
		return
	}
	if g.config.CarReport.URL == "" {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "car report service not configured"})
		return
	}

	data, status, err := g.fetch(ctx.Request.Context(), g.config.CarReport.URL, url.Values{"vin": {vin}})
	if err != nil {
		g.logger.Warn("car report upstream failed", "vin", vin, "error", err)
		ctx.JSON(http.StatusBadGateway, gin.H{"error": "car report service unavailable"})
		return
	}
	if status != http.StatusOK {
		ctx.Data(status, "application/json", data)
		return
	}

	// The report is wrapped in a data envelope upstream.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Data) == 0 {
		ctx.JSON(http.StatusBadGateway, gin.H{"error": "malformed car report"})
		return
	}
	ctx.Data(http.StatusOK, "application/json", envelope.Data)
}

// fetch GETs rawURL with query merged into it. Upstream 5xx responses are
// reported as errors so the resource is not charged for.
func (g *gateway) fetch(ctx context.Context, rawURL string, query url.Values) ([]byte, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, err
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, 0, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}
	return data, resp.StatusCode, nil
}

func (g *gateway) requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Next()
		g.logger.Info("request",
			"method", ctx.Request.Method,
			"path", ctx.Request.URL.Path,
			"status", ctx.Writer.Status(),
		)
	}
}
