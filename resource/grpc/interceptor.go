package grpc

import (
	"context"
	"log/slog"

	"github.com/vorpalengineering/x402-gateway/resource/middleware"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// MetadataKeyPayment carries the payment payload on the request.
	MetadataKeyPayment = "x-payment"

	// MetadataKeyPaymentRequired carries the 402 challenge in the trailer.
	MetadataKeyPaymentRequired = "x-payment-required"

	// MetadataKeyPaymentResponse carries the settlement in the header.
	MetadataKeyPaymentResponse = "x-payment-response"

	// MetadataKeySettlementError reports a served but unsettled call.
	MetadataKeySettlementError = "x-payment-settlement-error"
)

type paymentContextKey struct{}

type interceptor struct {
	middleware  *middleware.X402Middleware
	facilitator middleware.Facilitator
	config      *middleware.MiddlewareConfig
	logger      *slog.Logger
}

// UnaryServerInterceptor enforces payment on unary RPCs. cfg.Routes is keyed
// by full method name, e.g. "/weather.v1.Weather/GetForecast".
func UnaryServerInterceptor(cfg *middleware.MiddlewareConfig, f middleware.Facilitator, logger *slog.Logger) (grpc.UnaryServerInterceptor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := middleware.NewX402Middleware(cfg, f, middleware.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	i := &interceptor{middleware: m, facilitator: f, config: cfg, logger: logger}
	return i.intercept, nil
}

// GetPayment returns the verified payment inside a paid RPC handler.
func GetPayment(ctx context.Context) (*types.PaymentPayload, bool) {
	payload, ok := ctx.Value(paymentContextKey{}).(*types.PaymentPayload)
	return payload, ok
}

func (i *interceptor) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	accepts := i.middleware.Requirements(info.FullMethod)
	if len(accepts) == 0 {
		return handler(ctx, req)
	}
	log := i.logger.With("method", info.FullMethod)

	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(MetadataKeyPayment)
	if len(values) == 0 {
		return nil, i.challenge(ctx, accepts, MetadataKeyPayment+" metadata is required")
	}

	payload, err := utils.DecodePaymentHeader(values[0])
	if err != nil {
		return nil, i.challenge(ctx, accepts, "invalid payment: "+err.Error())
	}
	if err := payload.Validate(); err != nil {
		return nil, i.challenge(ctx, accepts, "invalid payment: "+err.Error())
	}

	requirements, reason := middleware.MatchRequirements(accepts, payload)
	if requirements == nil {
		return nil, i.challenge(ctx, accepts, string(reason))
	}
	log = log.With("payer", payload.Payload.Authorization.From)

	verifyCtx, cancel := context.WithTimeout(ctx, i.config.FacilitatorTimeout)
	verifyResp, err := i.facilitator.Verify(verifyCtx, payload, requirements)
	cancel()
	if err != nil {
		log.Warn("payment verification failed", "error", err)
		return nil, i.challenge(ctx, accepts, "payment verification failed: "+err.Error())
	}
	if !verifyResp.IsValid {
		log.Info("payment rejected", "reason", verifyResp.InvalidReason)
		return nil, i.challenge(ctx, accepts, string(verifyResp.InvalidReason))
	}

	resp, err := handler(context.WithValue(ctx, paymentContextKey{}, payload), req)
	if err != nil {
		log.Info("handler failed, payment not settled", "code", status.Code(err))
		return nil, err
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.config.FacilitatorTimeout)
	settleResp, err := i.facilitator.Settle(settleCtx, payload, requirements)
	cancel()

	var header metadata.MD
	switch {
	case err != nil:
		log.Error("payment settlement failed", "error", err)
		header = metadata.Pairs(MetadataKeySettlementError, string(types.ReasonUnexpectedSettleError))
	case !settleResp.Success:
		log.Error("payment settlement unsuccessful", "reason", settleResp.ErrorReason)
		reason := string(settleResp.ErrorReason)
		if reason == "" {
			reason = string(types.ReasonUnexpectedSettleError)
		}
		header = metadata.Pairs(MetadataKeySettlementError, reason)
	default:
		encoded, err := utils.EncodeSettleResponseHeader(settleResp)
		if err != nil {
			log.Warn("failed to encode settlement", "error", err)
			break
		}
		header = metadata.Pairs(MetadataKeyPaymentResponse, encoded)
		log.Info("payment settled", "tx", settleResp.Transaction, "network", settleResp.Network)
	}
	if header != nil {
		if err := grpc.SetHeader(ctx, header); err != nil {
			log.Warn("failed to set settlement header", "error", err)
		}
	}
	return resp, nil
}

// challenge returns RESOURCE_EXHAUSTED, the gRPC stand-in for 402, with the
// PaymentRequired body in the trailer.
func (i *interceptor) challenge(ctx context.Context, accepts []types.PaymentRequirements, message string) error {
	encoded, err := utils.EncodePaymentRequiredHeader(&types.PaymentRequired{
		X402Version: types.X402Version,
		Accepts:     accepts,
		Error:       message,
	})
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode payment requirements: %v", err)
	}
	if err := grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentRequired, encoded)); err != nil {
		i.logger.Warn("failed to set payment trailer", "error", err)
	}
	return status.Error(codes.ResourceExhausted, "payment required: "+message)
}
