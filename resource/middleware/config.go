package middleware

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

const (
	DefaultPaymentHeaderName  = "X-PAYMENT"
	DefaultMaxTimeoutSeconds  = 60
	DefaultMaxBufferSize      = 10 << 20
	DefaultFacilitatorTimeout = 30 * time.Second
)

// RoutePolicy prices one gin route pattern.
type RoutePolicy struct {
	// Price in the asset's display unit, e.g. "$0.01".
	Price        string
	Description  string
	MimeType     string
	OutputSchema map[string]any

	// Accepts replaces the requirement derived from Price when set. Order is
	// the server's preference.
	Accepts []types.PaymentRequirements
}

type MiddlewareConfig struct {
	// PayTo receives payments for every route without explicit Accepts.
	PayTo string

	// Network defaults to base-sepolia.
	Network types.Network

	// Asset defaults to the network's USDC contract.
	Asset string

	MaxTimeoutSeconds int

	// PaymentHeaderName is the request header carrying the payment payload.
	// Defaults to "X-PAYMENT" if not specified
	PaymentHeaderName string

	// ResourceBaseURL is prefixed to route patterns to form the resource URL.
	// When empty the URL is taken from the incoming request.
	ResourceBaseURL string

	// MaxBufferSize caps the handler response held back until settlement.
	MaxBufferSize int

	// FacilitatorTimeout bounds each verify and settle call.
	FacilitatorTimeout time.Duration

	// Routes maps gin route patterns (as returned by ctx.FullPath) to their
	// price. Routes not in the map are served without payment.
	Routes map[string]RoutePolicy
}

func (c *MiddlewareConfig) applyDefaults() {
	if c.Network == "" {
		c.Network = types.NetworkBaseSepolia
	}
	if c.Asset == "" {
		if info, err := types.LookupNetwork(c.Network); err == nil {
			c.Asset = info.USDCAddress
		}
	}
	if c.MaxTimeoutSeconds == 0 {
		c.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if c.MaxBufferSize == 0 {
		c.MaxBufferSize = DefaultMaxBufferSize
	}
	if c.FacilitatorTimeout == 0 {
		c.FacilitatorTimeout = DefaultFacilitatorTimeout
	}
	c.ResourceBaseURL = strings.TrimRight(c.ResourceBaseURL, "/")
}

// Validate applies defaults and checks every route's requirements.
func (c *MiddlewareConfig) Validate() error {
	c.applyDefaults()

	if len(c.Routes) == 0 {
		return errors.New("at least one priced route must be specified")
	}
	if c.MaxTimeoutSeconds < 0 {
		return errors.New("max timeout seconds must be positive")
	}
	if c.MaxBufferSize < 0 {
		return errors.New("max buffer size must not be negative")
	}
	for _, pattern := range c.Patterns() {
		if _, err := c.requirementsFor(pattern); err != nil {
			return fmt.Errorf("invalid requirements for route %s: %w", pattern, err)
		}
	}
	return nil
}

func (c *MiddlewareConfig) GetPaymentHeaderName() string {
	if c.PaymentHeaderName == "" {
		return DefaultPaymentHeaderName
	}
	return c.PaymentHeaderName
}

// Patterns returns the priced route patterns in sorted order.
func (c *MiddlewareConfig) Patterns() []string {
	patterns := make([]string, 0, len(c.Routes))
	for p := range c.Routes {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

// requirementsFor derives the ordered requirements for a priced route.
func (c *MiddlewareConfig) requirementsFor(pattern string) ([]types.PaymentRequirements, error) {
	policy, ok := c.Routes[pattern]
	if !ok {
		return nil, fmt.Errorf("route %s is not priced", pattern)
	}

	resource := c.ResourceBaseURL + pattern

	if len(policy.Accepts) > 0 {
		accepts := make([]types.PaymentRequirements, len(policy.Accepts))
		for i, req := range policy.Accepts {
			req = req.Clone()
			if req.Resource == "" {
				req.Resource = resource
			}
			if err := req.Validate(); err != nil {
				return nil, fmt.Errorf("accepts[%d]: %w", i, err)
			}
			accepts[i] = req
		}
		return accepts, nil
	}

	if policy.Price == "" {
		return nil, errors.New("price is required")
	}
	if c.PayTo == "" {
		return nil, errors.New("pay to address is required")
	}

	info, err := types.LookupNetwork(c.Network)
	if err != nil {
		return nil, err
	}
	amount, err := utils.PriceToAtomic(policy.Price, info.Decimals)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}

	req := types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           c.Network,
		MaxAmountRequired: amount,
		Resource:          resource,
		Description:       policy.Description,
		MimeType:          policy.MimeType,
		OutputSchema:      policy.OutputSchema,
		PayTo:             c.PayTo,
		MaxTimeoutSeconds: c.MaxTimeoutSeconds,
		Asset:             c.Asset,
	}
	if utils.SameAddress(c.Asset, info.USDCAddress) {
		req.Extra = map[string]any{
			"name":    info.EIP712Name,
			"version": info.EIP712Version,
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return []types.PaymentRequirements{req}, nil
}
