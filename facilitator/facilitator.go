package facilitator

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vorpalengineering/x402-gateway/types"
)

const (
	APIKeyHeader    = "X-API-Key"
	RequestIDHeader = "X-Request-ID"
)

// Facilitator verifies and settles x402 payments. It can be used in-process
// through Verify and Settle, or served over HTTP with Run.
type Facilitator struct {
	config     *FacilitatorConfig
	router     *gin.Engine
	server     *http.Server
	logger     *slog.Logger
	ledger     Ledger
	transferer Transferer
	balances   BalanceReader
	now        func() time.Time

	rpcClients   map[types.Network]*ethclient.Client
	rpcClientsMu sync.RWMutex
}

type Option func(*Facilitator)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Facilitator) { f.logger = logger }
}

func WithLedger(ledger Ledger) Option {
	return func(f *Facilitator) { f.ledger = ledger }
}

func WithTransferer(t Transferer) Option {
	return func(f *Facilitator) { f.transferer = t }
}

func WithBalanceReader(b BalanceReader) Option {
	return func(f *Facilitator) { f.balances = b }
}

// WithClock overrides the time source used for authorization windows.
func WithClock(now func() time.Time) Option {
	return func(f *Facilitator) { f.now = now }
}

func NewFacilitator(cfg *FacilitatorConfig, opts ...Option) *Facilitator {
	f := &Facilitator{
		config:     cfg,
		logger:     slog.Default(),
		now:        time.Now,
		rpcClients: make(map[types.Network]*ethclient.Client),
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.ledger == nil {
		f.ledger = NewMemoryLedger()
	}
	if f.transferer == nil {
		if cfg.Transaction.Mode == TransferModeOnchain {
			f.transferer = &evmTransferer{f: f}
		} else {
			f.transferer = LedgerTransferer{}
		}
	}
	if f.balances == nil && cfg.Transaction.CheckBalance {
		f.balances = &rpcBalanceReader{f: f}
	}
	if cfg.Transaction.TimeoutSeconds <= 0 {
		cfg.Transaction.TimeoutSeconds = 30
	}

	gin.SetMode(gin.ReleaseMode)
	f.router = gin.New()
	f.router.Use(gin.Recovery(), f.requestLogger())
	f.RegisterRoutes(f.router)

	return f
}

func (f *Facilitator) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", f.handleHealth)
	router.GET("/supported", f.handleSupported)

	api := router.Group("/", f.authenticate())
	api.POST("/verify", f.handleVerify)
	api.POST("/settle", f.handleSettle)
}

// Handler exposes the HTTP API, for embedding or tests.
func (f *Facilitator) Handler() http.Handler {
	return f.router
}

// Supported lists the scheme/network pairs this facilitator accepts.
func (f *Facilitator) Supported() types.SupportedResponse {
	kinds := make([]types.SupportedKind, len(f.config.Supported))
	copy(kinds, f.config.Supported)
	return types.SupportedResponse{Kinds: kinds}
}

// Run serves the HTTP API until ctx is cancelled.
func (f *Facilitator) Run(ctx context.Context) error {
	addr := net.JoinHostPort(f.config.Server.Host, strconv.Itoa(f.config.Server.Port))
	f.server = &http.Server{
		Addr:              addr,
		Handler:           f.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		f.logger.Info("facilitator listening", "addr", addr, "mode", f.config.Transaction.Mode)
		if err := f.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f.logger.Info("facilitator shutting down")
	return f.server.Shutdown(shutdownCtx)
}

func (f *Facilitator) Close() error {
	f.closeRPCClients()
	return f.ledger.Close()
}

func (f *Facilitator) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (f *Facilitator) handleSupported(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, f.Supported())
}

func (f *Facilitator) handleVerify(ctx *gin.Context) {
	var req types.VerifyRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := f.Verify(ctx.Request.Context(), &req.PaymentPayload, &req.PaymentRequirements)
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, res)
}

func (f *Facilitator) handleSettle(ctx *gin.Context) {
	var req types.SettleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := f.Settle(ctx.Request.Context(), &req.PaymentPayload, &req.PaymentRequirements)
	if errors.Is(err, ErrSettlementInProgress) {
		ctx.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, res)
}

// authenticate requires X-API-Key when an API key is configured.
func (f *Facilitator) authenticate() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		expected := f.config.Auth.APIKey
		if expected == "" {
			ctx.Next()
			return
		}
		provided := ctx.GetHeader(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx.Next()
	}
}

func (f *Facilitator) requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := ctx.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Header(RequestIDHeader, requestID)

		start := time.Now()
		ctx.Next()

		f.logger.Debug("request",
			"id", requestID,
			"method", ctx.Request.Method,
			"path", ctx.Request.URL.Path,
			"status", ctx.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
