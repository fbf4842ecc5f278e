package facilitator

import (
	"context"
	"errors"
	"time"

	"github.com/vorpalengineering/x402-gateway/types"
)

// Settle commits the payment authorized by payload. Calls are idempotent per
// authorization nonce: once a settlement succeeded, every later call for the
// same nonce returns the recorded response without transferring again, and
// concurrent calls collapse onto a single transfer. A different authorization
// reusing a settled nonce is refused with invalid_payload.
func (f *Facilitator) Settle(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	if payload == nil || requirements == nil {
		return &types.SettleResponse{Success: false, ErrorReason: types.ReasonInvalidPayload}, nil
	}

	key := SettlementKey(payload, requirements)
	resp, replayed, err := f.ledger.Settle(ctx, key, SettlementFingerprint(payload), func(ctx context.Context) (*types.SettleResponse, error) {
		return f.settleOnce(ctx, payload, requirements)
	})
	if errors.Is(err, ErrSettlementMismatch) {
		f.logger.Warn("settlement nonce reused by a different authorization", "key", key)
		return &types.SettleResponse{
			Success:     false,
			ErrorReason: types.ReasonInvalidPayload,
			Payer:       payload.Payload.Authorization.From,
			Network:     requirements.Network,
		}, nil
	}
	if err != nil {
		f.logger.Error("settlement failed", "key", key, "error", err)
		return nil, err
	}

	if replayed {
		f.logger.Info("settlement replayed", "key", key, "transaction", resp.Transaction)
	}
	return resp, nil
}

func (f *Facilitator) settleOnce(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.SettleResponse, error) {
	auth := payload.Payload.Authorization
	failed := func(reason types.ErrorReason) *types.SettleResponse {
		return &types.SettleResponse{
			Success:     false,
			ErrorReason: reason,
			Payer:       auth.From,
			Network:     requirements.Network,
		}
	}

	verification, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verification.IsValid {
		return failed(verification.InvalidReason), nil
	}

	if err := types.RequireCapability(requirements.Network, types.CapabilitySettle); err != nil {
		return failed(types.ReasonInvalidNetwork), nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(f.config.Transaction.TimeoutSeconds)*time.Second)
	defer cancel()

	txHash, err := f.transferer.Transfer(ctx, payload, requirements)
	if err != nil {
		f.logger.Warn("transfer failed", "payer", auth.From, "nonce", auth.Nonce, "network", requirements.Network, "error", err)
		return failed(types.ReasonUnexpectedSettleError), nil
	}

	f.logger.Info("payment settled", "payer", auth.From, "value", auth.Value, "network", requirements.Network, "transaction", txHash)
	return &types.SettleResponse{
		Success:     true,
		Payer:       auth.From,
		Transaction: txHash,
		Network:     requirements.Network,
	}, nil
}
