package facilitator

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vorpalengineering/x402-gateway/signer"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

const (
	testPayerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testPayTo    = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

var testNow = time.Unix(1700000030, 0)

func testConfig() *FacilitatorConfig {
	return &FacilitatorConfig{
		Server: ServerConfig{Host: "localhost", Port: 4020},
		Supported: []types.SupportedKind{
			{X402Version: 1, Scheme: types.SchemeExact, Network: types.NetworkBase},
			{X402Version: 1, Scheme: types.SchemeExact, Network: types.NetworkBaseSepolia},
		},
		Transaction: TransactionConfig{Mode: TransferModeLedger, TimeoutSeconds: 30},
		Ledger:      LedgerConfig{Driver: LedgerDriverMemory},
		Log:         LogConfig{Level: "info"},
	}
}

func testRequirements() *types.PaymentRequirements {
	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           types.NetworkBaseSepolia,
		MaxAmountRequired: "10000",
		Resource:          "http://localhost:3000/weather",
		Description:       "Current weather",
		MimeType:          "application/json",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Extra:             map[string]any{"name": "USDC", "version": "2"},
	}
}

// signedPayload returns a payload signed by the test payer for req. mutate
// may change the authorization before it is signed.
func signedPayload(t *testing.T, req *types.PaymentRequirements, mutate func(a *types.ExactEVMAuthorization)) *types.PaymentPayload {
	t.Helper()

	s, err := signer.NewPrivateKeySigner(testPayerKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	nonce, err := utils.NewNonce()
	if err != nil {
		t.Fatalf("failed to create nonce: %v", err)
	}

	unsigned := &types.UnsignedPaymentPayload{
		X402Version: types.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: types.UnsignedExactEVMPayload{
			Authorization: types.ExactEVMAuthorization{
				From:        s.Address(),
				To:          req.PayTo,
				Value:       req.MaxAmountRequired,
				ValidAfter:  "1700000000",
				ValidBefore: "1700000060",
				Nonce:       nonce,
			},
		},
	}
	if mutate != nil {
		mutate(&unsigned.Payload.Authorization)
	}

	payload, err := s.SignAuthorization(context.Background(), unsigned, req)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	return payload
}

// countingTransferer records how many transfers it executed.
type countingTransferer struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (c *countingTransferer) Transfer(ctx context.Context, _ *types.PaymentPayload, _ *types.PaymentRequirements) (string, error) {
	n := c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return "", c.err
	}
	return "0xtx" + big.NewInt(int64(n)).String(), nil
}

type staticBalances struct {
	mu      sync.Mutex
	balance *big.Int
	err     error
}

func (s *staticBalances) BalanceOf(context.Context, types.Network, string, string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, s.err
}

func newTestFacilitator(opts ...Option) *Facilitator {
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithLogger(utils.DiscardLogger()),
	}, opts...)
	return NewFacilitator(testConfig(), opts...)
}
