package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

const (
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
	SettlementErrorHeader = "X-Payment-Settlement-Error"

	paymentKey      = "x402_payment"
	requirementsKey = "x402_payment_requirements"
	settlementKey   = "x402_settlement"
)

// Facilitator verifies and settles payments. Both the in-process
// facilitator and the HTTP facilitator client satisfy it.
type Facilitator interface {
	Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error)
	Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error)
}

type X402Middleware struct {
	config       *MiddlewareConfig
	facilitator  Facilitator
	logger       *slog.Logger
	requirements map[string][]types.PaymentRequirements
}

type Option func(*X402Middleware)

func WithLogger(logger *slog.Logger) Option {
	return func(m *X402Middleware) { m.logger = logger }
}

// NewX402Middleware validates cfg and derives the requirements of every
// priced route up front.
func NewX402Middleware(cfg *MiddlewareConfig, facilitator Facilitator, opts ...Option) (*X402Middleware, error) {
	if facilitator == nil {
		return nil, errors.New("facilitator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &X402Middleware{
		config:       cfg,
		facilitator:  facilitator,
		logger:       slog.Default(),
		requirements: make(map[string][]types.PaymentRequirements, len(cfg.Routes)),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, pattern := range cfg.Patterns() {
		accepts, err := cfg.requirementsFor(pattern)
		if err != nil {
			return nil, err
		}
		m.requirements[pattern] = accepts
	}
	return m, nil
}

// Handler enforces payment on every matched route that has a policy. Use it
// with router.Use; routing has already happened when gin runs it, so the
// matched pattern decides the policy.
func (m *X402Middleware) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		accepts, ok := m.requirements[ctx.FullPath()]
		if !ok {
			ctx.Next()
			return
		}
		m.enforce(ctx, ctx.FullPath(), accepts)
	}
}

// RequirePayment returns a handler enforcing the policy for pattern, for
// attaching to a single route. It panics if pattern has no policy, like gin
// does for invalid routes.
func (m *X402Middleware) RequirePayment(pattern string) gin.HandlerFunc {
	accepts, ok := m.requirements[pattern]
	if !ok {
		panic(fmt.Sprintf("x402: no payment policy for route %q", pattern))
	}
	return func(ctx *gin.Context) {
		m.enforce(ctx, pattern, accepts)
	}
}

// Requirements returns a copy of the requirements offered for pattern.
func (m *X402Middleware) Requirements(pattern string) []types.PaymentRequirements {
	accepts := m.requirements[pattern]
	out := make([]types.PaymentRequirements, len(accepts))
	for i, req := range accepts {
		out[i] = req.Clone()
	}
	return out
}

// GetPayment returns the verified payment for the current request.
func GetPayment(ctx *gin.Context) (*types.PaymentPayload, bool) {
	v, ok := ctx.Get(paymentKey)
	if !ok {
		return nil, false
	}
	payload, ok := v.(*types.PaymentPayload)
	return payload, ok
}

// GetRequirements returns the requirement the current payment was verified
// against.
func GetRequirements(ctx *gin.Context) (*types.PaymentRequirements, bool) {
	v, ok := ctx.Get(requirementsKey)
	if !ok {
		return nil, false
	}
	req, ok := v.(*types.PaymentRequirements)
	return req, ok
}

func (m *X402Middleware) enforce(ctx *gin.Context, pattern string, routeAccepts []types.PaymentRequirements) {
	accepts := m.resolveResources(ctx, routeAccepts)
	log := m.logger.With("route", pattern)

	// Extract payment header
	headerName := m.config.GetPaymentHeaderName()
	paymentHeader := ctx.GetHeader(headerName)
	if paymentHeader == "" {
		m.challenge(ctx, accepts, headerName+" header is required")
		return
	}

	// Decode payment header into PaymentPayload
	payload, err := utils.DecodePaymentHeader(paymentHeader)
	if err != nil {
		m.challenge(ctx, accepts, "invalid payment header: "+err.Error())
		return
	}
	if err := payload.Validate(); err != nil {
		m.challenge(ctx, accepts, "invalid payment header: "+err.Error())
		return
	}

	requirements, reason := MatchRequirements(accepts, payload)
	if requirements == nil {
		m.challenge(ctx, accepts, string(reason))
		return
	}

	payer := payload.Payload.Authorization.From
	log = log.With("payer", payer)

	// STEP 1: Verify payment with facilitator
	verifyCtx, cancel := context.WithTimeout(ctx.Request.Context(), m.config.FacilitatorTimeout)
	verifyResp, err := m.facilitator.Verify(verifyCtx, payload, requirements)
	cancel()
	if err != nil {
		log.Warn("payment verification failed", "error", err)
		m.challenge(ctx, accepts, "payment verification failed: "+err.Error())
		return
	}
	if !verifyResp.IsValid {
		log.Info("payment rejected", "reason", verifyResp.InvalidReason)
		m.challenge(ctx, accepts, string(verifyResp.InvalidReason))
		return
	}

	// Payment is valid, store payment info in context for downstream handlers
	ctx.Set(paymentKey, payload)
	ctx.Set(requirementsKey, requirements)

	// Replace response writer with buffered version to capture response
	original := ctx.Writer
	buffered := newBufferedWriter(original, m.config.MaxBufferSize)
	ctx.Writer = buffered

	// STEP 2: Fulfill request (handler executes)
	ctx.Next()
	ctx.Writer = original

	// Check for buffer overflow
	if buffered.overflow {
		log.Error("response exceeded max buffer size, payment not settled", "max_bytes", m.config.MaxBufferSize)
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "response too large to process payment",
		})
		return
	}

	// Handler failed: pass its response through, nothing is charged
	if !buffered.success() {
		log.Info("handler did not succeed, payment not settled", "status", buffered.Status())
		m.flush(log, buffered)
		return
	}

	// STEP 3: Settle payment
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx.Request.Context()), m.config.FacilitatorTimeout)
	settleResp, err := m.facilitator.Settle(settleCtx, payload, requirements)
	cancel()

	switch {
	case err != nil:
		log.Error("payment settlement failed", "error", err)
		buffered.Header().Set(SettlementErrorHeader, string(types.ReasonUnexpectedSettleError))
	case !settleResp.Success:
		log.Error("payment settlement unsuccessful", "reason", settleResp.ErrorReason)
		reason := string(settleResp.ErrorReason)
		if reason == "" {
			reason = string(types.ReasonUnexpectedSettleError)
		}
		buffered.Header().Set(SettlementErrorHeader, reason)
	default:
		ctx.Set(settlementKey, settleResp)
		header, err := utils.EncodeSettleResponseHeader(settleResp)
		if err != nil {
			log.Warn("failed to encode settlement header", "error", err)
		} else {
			buffered.Header().Set(PaymentResponseHeader, header)
		}
		log.Info("payment settled", "tx", settleResp.Transaction, "network", settleResp.Network)
	}

	// STEP 4: Send response to client
	m.flush(log, buffered)
}

func (m *X402Middleware) flush(log *slog.Logger, buffered *bufferedWriter) {
	if err := buffered.flush(); err != nil {
		log.Warn("failed to write response", "error", err)
	}
}

// challenge terminates the request with a 402 carrying the route's
// requirements.
func (m *X402Middleware) challenge(ctx *gin.Context, accepts []types.PaymentRequirements, message string) {
	ctx.AbortWithStatusJSON(http.StatusPaymentRequired, types.PaymentRequired{
		X402Version: types.X402Version,
		Accepts:     accepts,
		Error:       message,
	})
}

// resolveResources fills in absolute resource URLs from the request when no
// base URL is configured.
func (m *X402Middleware) resolveResources(ctx *gin.Context, accepts []types.PaymentRequirements) []types.PaymentRequirements {
	if m.config.ResourceBaseURL != "" {
		return accepts
	}
	scheme := "http"
	if ctx.Request.TLS != nil {
		scheme = "https"
	}
	out := make([]types.PaymentRequirements, len(accepts))
	for i, req := range accepts {
		out[i] = req
		if strings.HasPrefix(req.Resource, "/") {
			out[i].Resource = scheme + "://" + ctx.Request.Host + req.Resource
		}
	}
	return out
}

// MatchRequirements finds the offered requirement for the payload's scheme
// and network. When none matches, the reason names the first mismatch.
func MatchRequirements(accepts []types.PaymentRequirements, payload *types.PaymentPayload) (*types.PaymentRequirements, types.ErrorReason) {
	reason := types.ReasonInvalidScheme
	for i := range accepts {
		if accepts[i].Scheme != payload.Scheme {
			continue
		}
		reason = types.ReasonInvalidNetwork
		if accepts[i].Network == payload.Network {
			req := accepts[i]
			return &req, ""
		}
	}
	return nil, reason
}
