package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vorpalengineering/x402-gateway/types"
	"golang.org/x/sync/singleflight"
)

// ErrSettlementInProgress is returned when another process holds the claim
// on a settlement key and has not recorded an outcome in time.
var ErrSettlementInProgress = errors.New("settlement already in progress")

// ErrSettlementMismatch is returned when a settlement key was settled by an
// authorization other than the one presented.
var ErrSettlementMismatch = errors.New("settlement key recorded for a different authorization")

// SettleFunc performs one settlement attempt.
type SettleFunc func(ctx context.Context) (*types.SettleResponse, error)

// Ledger is the idempotency record for settlements. Settle runs fn at most
// once per key until a successful response is recorded; every later or
// concurrent call for the same key and fingerprint receives that response,
// and a call with a different fingerprint gets ErrSettlementMismatch. Failed
// responses are returned but not recorded. replayed is true when the
// response came from the record or was shared between concurrent callers.
type Ledger interface {
	Settle(ctx context.Context, key, fingerprint string, fn SettleFunc) (resp *types.SettleResponse, replayed bool, err error)
	Lookup(ctx context.Context, key string) (*types.SettleResponse, bool, error)
	Close() error
}

// OpenLedger builds the ledger selected by cfg.
func OpenLedger(ctx context.Context, cfg LedgerConfig, logger *slog.Logger) (Ledger, error) {
	switch cfg.Driver {
	case "", LedgerDriverMemory:
		return NewMemoryLedger(), nil
	case LedgerDriverPostgres:
		return OpenSQLLedger(ctx, cfg.DSN, DefaultClaimWait, logger)
	}
	return nil, fmt.Errorf("unknown ledger driver: %s", cfg.Driver)
}

// SettlementKey scopes an authorization nonce to its payer, token and
// network, matching how EIP-3009 tracks used nonces.
func SettlementKey(payload *types.PaymentPayload, requirements *types.PaymentRequirements) string {
	auth := payload.Payload.Authorization
	return strings.ToLower(fmt.Sprintf("%s|%s|%s|%s",
		requirements.Network, requirements.Asset, auth.From, auth.Nonce))
}

// SettlementFingerprint hashes the signed authorization, so a replay is only
// answered for the exact payload that was settled.
func SettlementFingerprint(payload *types.PaymentPayload) string {
	auth := payload.Payload.Authorization
	fields := strings.ToLower(strings.Join([]string{
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce,
		payload.Payload.Signature,
	}, "|"))
	return crypto.Keccak256Hash([]byte(fields)).Hex()
}

// attemptResult is what one settlement attempt resolved to, along with the
// fingerprint of the authorization behind it.
type attemptResult struct {
	resp        types.SettleResponse
	fingerprint string
	replayed    bool
}

// settleShared collapses concurrent calls for key onto one attempt. Callers
// whose fingerprint differs from the attempt's are refused when it succeeded
// and try again when it failed, since failures are not recorded.
func settleShared(ctx context.Context, group *singleflight.Group, key, fingerprint string, attempt func(context.Context) (attemptResult, error)) (*types.SettleResponse, bool, error) {
	for {
		v, err, shared := group.Do(key, func() (any, error) {
			// Every duplicate waits on this attempt, not only the caller that started it.
			return attempt(context.WithoutCancel(ctx))
		})
		if err != nil {
			return nil, false, err
		}

		out := v.(attemptResult)
		if out.fingerprint == fingerprint {
			resp := out.resp
			return &resp, out.replayed || shared, nil
		}
		if out.resp.Success {
			return nil, false, ErrSettlementMismatch
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}
}

type memoryRecord struct {
	fingerprint string
	resp        types.SettleResponse
}

type MemoryLedger struct {
	mu      sync.RWMutex
	settled map[string]memoryRecord
	group   singleflight.Group
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{settled: make(map[string]memoryRecord)}
}

func (l *MemoryLedger) Lookup(_ context.Context, key string) (*types.SettleResponse, bool, error) {
	rec, ok := l.record(key)
	if !ok {
		return nil, false, nil
	}
	return &rec.resp, true, nil
}

func (l *MemoryLedger) record(key string) (memoryRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.settled[key]
	return rec, ok
}

func (l *MemoryLedger) Settle(ctx context.Context, key, fingerprint string, fn SettleFunc) (*types.SettleResponse, bool, error) {
	return settleShared(ctx, &l.group, key, fingerprint, func(ctx context.Context) (attemptResult, error) {
		if rec, ok := l.record(key); ok {
			return attemptResult{resp: rec.resp, fingerprint: rec.fingerprint, replayed: true}, nil
		}
		resp, err := fn(ctx)
		if err != nil {
			return attemptResult{}, err
		}
		if resp.Success {
			l.mu.Lock()
			l.settled[key] = memoryRecord{fingerprint: fingerprint, resp: *resp}
			l.mu.Unlock()
		}
		return attemptResult{resp: *resp, fingerprint: fingerprint}, nil
	})
}

func (l *MemoryLedger) Close() error {
	return nil
}
