package facilitator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

// Verify checks that payload is a valid, currently usable authorization for
// requirements. It never changes any state: the same inputs at the same
// instant always give the same answer. Protocol failures are reported in the
// response; the error is reserved for infrastructure faults such as an
// unreachable balance source.
func (f *Facilitator) Verify(ctx context.Context, payload *types.PaymentPayload, requirements *types.PaymentRequirements) (*types.VerifyResponse, error) {
	if payload == nil || requirements == nil {
		return invalid(types.ReasonInvalidPayload, ""), nil
	}

	payer := payload.Payload.Authorization.From
	if reason := f.verifyKind(payload, requirements); reason != "" {
		return invalid(reason, payer), nil
	}
	if err := requirements.Validate(); err != nil {
		f.logger.Debug("rejecting payment requirements", "error", err)
		return invalid(types.ReasonInvalidRequirements, payer), nil
	}
	if err := payload.Validate(); err != nil {
		f.logger.Debug("rejecting payment payload", "error", err)
		return invalid(types.ReasonInvalidPayload, payer), nil
	}

	auth := &payload.Payload.Authorization

	steps := []func() types.ErrorReason{
		func() types.ErrorReason { return verifyRecipient(auth, requirements) },
		func() types.ErrorReason { return f.verifySignature(auth, requirements, payload.Payload.Signature) },
		func() types.ErrorReason { return verifyAmount(auth, requirements) },
		func() types.ErrorReason { return f.verifyTimeWindow(auth) },
	}
	for _, step := range steps {
		if reason := step(); reason != "" {
			return invalid(reason, payer), nil
		}
	}

	reason, err := f.verifyBalance(ctx, auth, requirements)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return invalid(reason, payer), nil
	}

	return &types.VerifyResponse{IsValid: true, Payer: payer}, nil
}

func invalid(reason types.ErrorReason, payer string) *types.VerifyResponse {
	return &types.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

func (f *Facilitator) verifyKind(payload *types.PaymentPayload, requirements *types.PaymentRequirements) types.ErrorReason {
	if payload.X402Version != types.X402Version {
		return types.ReasonInvalidX402Version
	}
	if payload.Scheme != requirements.Scheme || !f.config.supportsScheme(payload.Scheme) {
		return types.ReasonInvalidScheme
	}
	if payload.Network != requirements.Network || !f.config.IsSupported(payload.Scheme, payload.Network) {
		return types.ReasonInvalidNetwork
	}
	if err := types.RequireCapability(payload.Network, types.CapabilityVerify); err != nil {
		return types.ReasonInvalidNetwork
	}
	return ""
}

func verifyRecipient(auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements) types.ErrorReason {
	if !utils.SameAddress(auth.To, requirements.PayTo) {
		return types.ReasonRecipientMismatch
	}
	return ""
}

func (f *Facilitator) verifySignature(auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements, signature string) types.ErrorReason {
	recovered, err := utils.RecoverSigner(auth, requirements, signature)
	if err != nil {
		f.logger.Debug("signature recovery failed", "error", err)
		return types.ReasonInvalidSignature
	}
	if !utils.SameAddress(recovered.Hex(), auth.From) {
		f.logger.Debug("signature mismatch", "recovered", recovered.Hex(), "from", auth.From)
		return types.ReasonInvalidSignature
	}
	return ""
}

// The exact scheme accepts an authorization for at least the required amount.
func verifyAmount(auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements) types.ErrorReason {
	value, err := types.ParseAmount(auth.Value)
	if err != nil {
		return types.ReasonInvalidValue
	}
	required, err := types.ParseAmount(requirements.MaxAmountRequired)
	if err != nil {
		return types.ReasonInvalidRequirements
	}
	if value.Cmp(required) < 0 {
		return types.ReasonInvalidValue
	}
	return ""
}

// validAfter <= now < validBefore
func (f *Facilitator) verifyTimeWindow(auth *types.ExactEVMAuthorization) types.ErrorReason {
	now := f.now().Unix()

	validAfter, err := types.ParseUnixTime(auth.ValidAfter)
	if err != nil {
		return types.ReasonInvalidPayload
	}
	validBefore, err := types.ParseUnixTime(auth.ValidBefore)
	if err != nil {
		return types.ReasonInvalidPayload
	}

	if now < validAfter {
		return types.ReasonNotYetValid
	}
	if now >= validBefore {
		return types.ReasonExpired
	}
	return ""
}

func (f *Facilitator) verifyBalance(ctx context.Context, auth *types.ExactEVMAuthorization, requirements *types.PaymentRequirements) (types.ErrorReason, error) {
	if f.balances == nil {
		return "", nil
	}
	if !types.Supports(requirements.Network, types.CapabilityBalance) {
		return "", nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return types.ReasonInvalidValue, nil
	}
	balance, err := f.balances.BalanceOf(ctx, requirements.Network, requirements.Asset, auth.From)
	if err != nil {
		return "", fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return types.ReasonInsufficientFunds, nil
	}
	return "", nil
}
