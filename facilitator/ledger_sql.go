package facilitator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/vorpalengineering/x402-gateway/types"
	"golang.org/x/sync/singleflight"
)

const createSettlementsTable = `CREATE TABLE IF NOT EXISTS x402_settlements (
	settlement_key TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	response JSONB,
	claimed_at TIMESTAMPTZ NOT NULL,
	settled_at TIMESTAMPTZ
)`

const (
	selectSettlement = `SELECT fingerprint, response FROM x402_settlements WHERE settlement_key = $1`

	// A claim is never taken over: a row without a response may belong to a
	// transfer that happened but was not recorded.
	claimSettlement = `INSERT INTO x402_settlements (settlement_key, fingerprint, claimed_at) VALUES ($1, $2, $3)
ON CONFLICT (settlement_key) DO NOTHING`

	recordSettlement  = `UPDATE x402_settlements SET response = $1, settled_at = $2 WHERE settlement_key = $3`
	releaseSettlement = `DELETE FROM x402_settlements WHERE settlement_key = $1 AND response IS NULL`
)

const (
	// DefaultClaimWait bounds how long a duplicate waits on another
	// process's claim before reporting ErrSettlementInProgress.
	DefaultClaimWait = 30 * time.Second

	minClaimPoll = 25 * time.Millisecond
	maxClaimPoll = time.Second
)

// SQLLedger keeps the settlement record in a SQL table so that several
// facilitator processes share one idempotency ledger. Settlements are
// claimed with an insert before fn runs, so only one process transfers, and
// duplicates poll the row until the claimant records or releases it.
type SQLLedger struct {
	db        *sql.DB
	claimWait time.Duration
	pollEvery time.Duration
	now       func() time.Time
	logger    *slog.Logger
	group     singleflight.Group
}

func NewSQLLedger(db *sql.DB, claimWait time.Duration, logger *slog.Logger) *SQLLedger {
	if claimWait <= 0 {
		claimWait = DefaultClaimWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLLedger{db: db, claimWait: claimWait, pollEvery: minClaimPoll, now: time.Now, logger: logger}
}

// OpenSQLLedger connects with the pgx driver and creates the table.
func OpenSQLLedger(ctx context.Context, dsn string, claimWait time.Duration, logger *slog.Logger) (*SQLLedger, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach ledger database: %w", err)
	}

	l := NewSQLLedger(db, claimWait, logger)
	if err := l.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLLedger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, createSettlementsTable); err != nil {
		return fmt.Errorf("failed to create settlements table: %w", err)
	}
	return nil
}

// settlementRow is one ledger row. resp is nil while the claim is unresolved.
type settlementRow struct {
	fingerprint string
	resp        *types.SettleResponse
}

func (l *SQLLedger) read(ctx context.Context, key string) (*settlementRow, error) {
	var (
		row settlementRow
		raw []byte
	)
	err := l.db.QueryRowContext(ctx, selectSettlement, key).Scan(&row.fingerprint, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settlement: %w", err)
	}
	if raw != nil {
		var resp types.SettleResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode settlement: %w", err)
		}
		row.resp = &resp
	}
	return &row, nil
}

func (l *SQLLedger) Lookup(ctx context.Context, key string) (*types.SettleResponse, bool, error) {
	row, err := l.read(ctx, key)
	if err != nil || row == nil || row.resp == nil {
		return nil, false, err
	}
	return row.resp, true, nil
}

func (l *SQLLedger) Settle(ctx context.Context, key, fingerprint string, fn SettleFunc) (*types.SettleResponse, bool, error) {
	return settleShared(ctx, &l.group, key, fingerprint, func(ctx context.Context) (attemptResult, error) {
		return l.settle(ctx, key, fingerprint, fn)
	})
}

func (l *SQLLedger) settle(ctx context.Context, key, fingerprint string, fn SettleFunc) (attemptResult, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.claimWait)
	defer cancel()

	poll := l.pollEvery
	for {
		row, err := l.read(ctx, key)
		if err != nil {
			return attemptResult{}, err
		}
		if row != nil && row.resp != nil {
			return attemptResult{resp: *row.resp, fingerprint: row.fingerprint, replayed: true}, nil
		}

		if row == nil {
			claimed, err := l.claim(ctx, key, fingerprint)
			if err != nil {
				return attemptResult{}, err
			}
			if claimed {
				return l.run(ctx, key, fingerprint, fn)
			}
			// Lost the race for the claim; read the winner's row.
			continue
		}

		timer := time.NewTimer(poll)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			l.logger.Warn("settlement claim unresolved", "key", key, "waited", l.claimWait)
			return attemptResult{}, ErrSettlementInProgress
		case <-timer.C:
		}
		poll = min(poll*2, maxClaimPoll)
	}
}

func (l *SQLLedger) claim(ctx context.Context, key, fingerprint string) (bool, error) {
	res, err := l.db.ExecContext(ctx, claimSettlement, key, fingerprint, l.now())
	if err != nil {
		return false, fmt.Errorf("failed to claim settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim settlement: %w", err)
	}
	return n > 0, nil
}

func (l *SQLLedger) run(ctx context.Context, key, fingerprint string, fn SettleFunc) (attemptResult, error) {
	resp, err := fn(ctx)
	if err != nil || !resp.Success {
		if _, relErr := l.db.ExecContext(ctx, releaseSettlement, key); relErr != nil && err == nil {
			err = fmt.Errorf("failed to release settlement claim: %w", relErr)
		}
		if err != nil {
			return attemptResult{}, err
		}
		return attemptResult{resp: *resp, fingerprint: fingerprint}, nil
	}

	// The transfer has happened; a failure to record it must not turn the
	// response into an error. The claim row stays in place and blocks every
	// later settlement of this key until an operator resolves it.
	raw, err := json.Marshal(resp)
	if err == nil {
		_, err = l.db.ExecContext(ctx, recordSettlement, raw, l.now(), key)
	}
	if err != nil {
		l.logger.Error("failed to record settlement", "key", key, "transaction", resp.Transaction, "error", err)
	}
	return attemptResult{resp: *resp, fingerprint: fingerprint}, nil
}

func (l *SQLLedger) Close() error {
	return l.db.Close()
}
