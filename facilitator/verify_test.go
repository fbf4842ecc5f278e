package facilitator

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/vorpalengineering/x402-gateway/types"
)

func TestVerifyValidPayment(t *testing.T) {
	f := newTestFacilitator()
	req := testRequirements()
	payload := signedPayload(t, req, nil)

	res, err := f.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if !res.IsValid {
		t.Fatalf("Expected valid payment, got reason %q", res.InvalidReason)
	}
	if res.Payer != payload.Payload.Authorization.From {
		t.Errorf("Expected payer %s, got %s", payload.Payload.Authorization.From, res.Payer)
	}
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		build  func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements)
		reason types.ErrorReason
	}{
		{
			name: "expired authorization",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				return signedPayload(t, req, func(a *types.ExactEVMAuthorization) {
					a.ValidAfter = "1699999000"
					a.ValidBefore = "1700000029"
				}), req
			},
			reason: types.ReasonExpired,
		},
		{
			name: "validBefore equal to now",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				return signedPayload(t, req, func(a *types.ExactEVMAuthorization) {
					a.ValidBefore = "1700000030"
				}), req
			},
			reason: types.ReasonExpired,
		},
		{
			name: "not yet valid",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				return signedPayload(t, req, func(a *types.ExactEVMAuthorization) {
					a.ValidAfter = "1700000031"
					a.ValidBefore = "1700000091"
				}), req
			},
			reason: types.ReasonNotYetValid,
		},
		{
			name: "value below price",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				return signedPayload(t, req, func(a *types.ExactEVMAuthorization) {
					a.Value = "9999"
				}), req
			},
			reason: types.ReasonInvalidValue,
		},
		{
			name: "wrong recipient",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				return signedPayload(t, req, func(a *types.ExactEVMAuthorization) {
					a.To = "0x0000000000000000000000000000000000000001"
				}), req
			},
			reason: types.ReasonRecipientMismatch,
		},
		{
			name: "tampered value",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				payload := signedPayload(t, req, nil)
				payload.Payload.Authorization.Value = "20000"
				return payload, req
			},
			reason: types.ReasonInvalidSignature,
		},
		{
			name: "scheme mismatch",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				payload := signedPayload(t, req, nil)
				payload.Scheme = "upto"
				return payload, req
			},
			reason: types.ReasonInvalidScheme,
		},
		{
			name: "network mismatch",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				payload := signedPayload(t, req, nil)
				payload.Network = types.NetworkBase
				return payload, req
			},
			reason: types.ReasonInvalidNetwork,
		},
		{
			name: "unknown version",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				payload := signedPayload(t, req, nil)
				payload.X402Version = 2
				return payload, req
			},
			reason: types.ReasonInvalidX402Version,
		},
		{
			name: "malformed nonce",
			build: func(t *testing.T) (*types.PaymentPayload, *types.PaymentRequirements) {
				req := testRequirements()
				payload := signedPayload(t, req, nil)
				payload.Payload.Authorization.Nonce = "0x01"
				return payload, req
			},
			reason: types.ReasonInvalidPayload,
		},
	}

	f := newTestFacilitator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, req := tt.build(t)
			res, err := f.Verify(context.Background(), payload, req)
			if err != nil {
				t.Fatalf("Verify returned error: %v", err)
			}
			if res.IsValid {
				t.Fatal("Expected payment to be rejected")
			}
			if res.InvalidReason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, res.InvalidReason)
			}
		})
	}
}

func TestVerifyUnsupportedNetwork(t *testing.T) {
	cfg := testConfig()
	cfg.Supported = []types.SupportedKind{{X402Version: 1, Scheme: types.SchemeExact, Network: types.NetworkBase}}
	f := NewFacilitator(cfg, WithClock(func() time.Time { return testNow }))

	req := testRequirements()
	res, err := f.Verify(context.Background(), signedPayload(t, req, nil), req)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.IsValid || res.InvalidReason != types.ReasonInvalidNetwork {
		t.Errorf("Expected invalid_network, got %+v", res)
	}
}

func TestVerifyBalance(t *testing.T) {
	req := testRequirements()

	t.Run("insufficient", func(t *testing.T) {
		f := newTestFacilitator(WithBalanceReader(&staticBalances{balance: big.NewInt(9999)}))
		res, err := f.Verify(context.Background(), signedPayload(t, req, nil), req)
		if err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}
		if res.IsValid || res.InvalidReason != types.ReasonInsufficientFunds {
			t.Errorf("Expected insufficient_funds, got %+v", res)
		}
	})

	t.Run("sufficient", func(t *testing.T) {
		f := newTestFacilitator(WithBalanceReader(&staticBalances{balance: big.NewInt(10000)}))
		res, err := f.Verify(context.Background(), signedPayload(t, req, nil), req)
		if err != nil {
			t.Fatalf("Verify returned error: %v", err)
		}
		if !res.IsValid {
			t.Errorf("Expected valid payment, got %q", res.InvalidReason)
		}
	})

	t.Run("rpc failure", func(t *testing.T) {
		f := newTestFacilitator(WithBalanceReader(&staticBalances{err: errors.New("connection refused")}))
		_, err := f.Verify(context.Background(), signedPayload(t, req, nil), req)
		if err == nil {
			t.Error("Expected error when the balance cannot be read")
		}
	})
}

func TestVerifyNilInputs(t *testing.T) {
	f := newTestFacilitator()
	res, err := f.Verify(context.Background(), nil, testRequirements())
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if res.IsValid || res.InvalidReason != types.ReasonInvalidPayload {
		t.Errorf("Expected invalid_payload, got %+v", res)
	}
}
