// Package catalog serves the index of priced resources a gateway offers.
package catalog

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/vorpalengineering/x402-gateway/resource/middleware"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

const DefaultCurrency = "USDC"

type Catalog struct {
	entries []types.IndexEntry
}

func New(entries []types.IndexEntry) *Catalog {
	return &Catalog{entries: entries}
}

// FromRoutes lists one entry per priced route, ordered by pattern. Routes with
// explicit requirements are listed at their first requirement's amount.
func FromRoutes(baseURL string, routes map[string]middleware.RoutePolicy) (*Catalog, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	cfg := middleware.MiddlewareConfig{Routes: routes}

	entries := make([]types.IndexEntry, 0, len(routes))
	for _, pattern := range cfg.Patterns() {
		policy := routes[pattern]
		amount, currency, err := priceOf(policy)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", pattern, err)
		}
		entries = append(entries, types.IndexEntry{
			ResourceURL:         baseURL + pattern,
			ResourceDescription: policy.Description,
			Price: types.Price{
				Amount:   amount.InexactFloat64(),
				Currency: currency,
			},
		})
	}
	return New(entries), nil
}

func priceOf(policy middleware.RoutePolicy) (decimal.Decimal, string, error) {
	if len(policy.Accepts) == 0 {
		d, err := utils.ParsePrice(policy.Price)
		return d, DefaultCurrency, err
	}

	req := policy.Accepts[0]
	info, err := types.LookupNetwork(req.Network)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	amount, err := utils.FromAtomic(req.MaxAmountRequired, info.Decimals)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	currency := DefaultCurrency
	if !utils.SameAddress(req.Asset, info.USDCAddress) {
		currency = req.Asset
		if name, ok := req.Extra["name"].(string); ok && name != "" {
			currency = name
		}
	}
	return amount, currency, nil
}

// Entries returns a copy of the catalog.
func (c *Catalog) Entries() []types.IndexEntry {
	return append([]types.IndexEntry(nil), c.entries...)
}

// Handler serves the catalog as a JSON array.
func (c *Catalog) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, c.entries)
	}
}
