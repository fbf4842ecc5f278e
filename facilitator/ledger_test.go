package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vorpalengineering/x402-gateway/types"
	"github.com/vorpalengineering/x402-gateway/utils"
)

func succeeded(tx string) SettleFunc {
	return func(context.Context) (*types.SettleResponse, error) {
		return &types.SettleResponse{Success: true, Transaction: tx, Network: types.NetworkBase}, nil
	}
}

func failedSettle(context.Context) (*types.SettleResponse, error) {
	return &types.SettleResponse{Success: false, ErrorReason: types.ReasonUnexpectedSettleError}, nil
}

func TestMemoryLedger(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	resp, replayed, err := l.Settle(ctx, "k1", "fp", succeeded("0x1"))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "0x1", resp.Transaction)

	resp, replayed, err = l.Settle(ctx, "k1", "fp", succeeded("0x2"))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "0x1", resp.Transaction)

	// Returned responses are copies.
	resp.Transaction = "mutated"
	stored, ok, err := l.Lookup(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0x1", stored.Transaction)
}

func TestMemoryLedgerRejectsDifferentFingerprint(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	_, _, err := l.Settle(ctx, "k", "fp", succeeded("0x1"))
	require.NoError(t, err)

	called := false
	resp, _, err := l.Settle(ctx, "k", "other", func(context.Context) (*types.SettleResponse, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrSettlementMismatch)
	assert.Nil(t, resp)
	assert.False(t, called)
}

func TestMemoryLedgerDoesNotRecordFailures(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	resp, _, err := l.Settle(ctx, "k", "fp", failedSettle)
	require.NoError(t, err)
	assert.False(t, resp.Success)

	_, _, err = l.Settle(ctx, "k", "fp", func(context.Context) (*types.SettleResponse, error) {
		return nil, errors.New("boom")
	})
	assert.EqualError(t, err, "boom")

	_, ok, err := l.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// A failed attempt by one authorization does not lock out another.
	resp, replayed, err := l.Settle(ctx, "k", "other", succeeded("0x3"))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.True(t, resp.Success)
}

func TestMemoryLedgerOutlivesCanceledCaller(t *testing.T) {
	l := NewMemoryLedger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, _, err := l.Settle(ctx, "k", "fp", func(ctx context.Context) (*types.SettleResponse, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &types.SettleResponse{Success: true, Transaction: "0x1"}, nil
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestMemoryLedgerSharesAttemptWithDuplicates(t *testing.T) {
	l := NewMemoryLedger()
	release := make(chan struct{})
	var calls atomic.Int32
	slow := func(context.Context) (*types.SettleResponse, error) {
		calls.Add(1)
		<-release
		return &types.SettleResponse{Success: true, Transaction: "0x1"}, nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	results := make([]*types.SettleResponse, 4)
	errs := make([]error, 4)
	settle := func(i int, ctx context.Context) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = l.Settle(ctx, "k", "fp", slow)
		}()
	}

	settle(0, leaderCtx)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	for i := 1; i < len(results); i++ {
		settle(i, context.Background())
	}
	time.Sleep(20 * time.Millisecond)

	// The caller running the attempt goes away before it finishes.
	cancelLeader()
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "0x1", results[i].Transaction)
	}
}

func TestSettlementKey(t *testing.T) {
	req := testRequirements()
	a := signedPayload(t, req, nil)
	b := signedPayload(t, req, nil)
	assert.NotEqual(t, SettlementKey(a, req), SettlementKey(b, req))

	upper := *a
	upper.Payload.Authorization.From = "0xF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266"
	assert.Equal(t, SettlementKey(a, req), SettlementKey(&upper, req))
}

func TestSettlementFingerprint(t *testing.T) {
	req := testRequirements()
	a := signedPayload(t, req, nil)

	upper := *a
	upper.Payload.Authorization.From = "0xF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266"
	assert.Equal(t, SettlementFingerprint(a), SettlementFingerprint(&upper))

	value := *a
	value.Payload.Authorization.Value = "1"
	assert.NotEqual(t, SettlementFingerprint(a), SettlementFingerprint(&value))

	signature := *a
	signature.Payload.Signature = "0x00"
	assert.NotEqual(t, SettlementFingerprint(a), SettlementFingerprint(&signature))
}

func noRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"fingerprint", "response"})
}

func recordedRow(t *testing.T, fingerprint string, resp types.SettleResponse) *sqlmock.Rows {
	t.Helper()
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	return noRows().AddRow(fingerprint, raw)
}

func claimedRow(fingerprint string) *sqlmock.Rows {
	return noRows().AddRow(fingerprint, nil)
}

func newMockLedger(t *testing.T) (*SQLLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	l := NewSQLLedger(db, time.Minute, utils.DiscardLogger())
	l.now = func() time.Time { return testNow }
	l.pollEvery = time.Millisecond
	t.Cleanup(func() { db.Close() })
	return l, mock
}

func TestSQLLedgerSettleFirstTime(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).
		WithArgs("k").
		WillReturnRows(noRows())
	mock.ExpectExec(regexp.QuoteMeta(claimSettlement)).
		WithArgs("k", "fp", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(recordSettlement)).
		WithArgs(sqlmock.AnyArg(), testNow, "k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp, replayed, err := l.Settle(context.Background(), "k", "fp", succeeded("0xabc"))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "0xabc", resp.Transaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerSettleReplay(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).
		WithArgs("k").
		WillReturnRows(recordedRow(t, "fp", types.SettleResponse{Success: true, Transaction: "0xabc", Network: types.NetworkBase}))

	called := false
	resp, replayed, err := l.Settle(context.Background(), "k", "fp", func(context.Context) (*types.SettleResponse, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.False(t, called)
	assert.Equal(t, "0xabc", resp.Transaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerRejectsDifferentFingerprint(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).
		WithArgs("k").
		WillReturnRows(recordedRow(t, "fp", types.SettleResponse{Success: true, Transaction: "0xabc"}))

	resp, _, err := l.Settle(context.Background(), "k", "forged", succeeded("0xdef"))
	assert.ErrorIs(t, err, ErrSettlementMismatch)
	assert.Nil(t, resp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerWaitsForClaimHeldElsewhere(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(claimedRow("fp"))
	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(claimedRow("fp"))
	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).
		WithArgs("k").
		WillReturnRows(recordedRow(t, "fp", types.SettleResponse{Success: true, Transaction: "0xabc"}))

	called := false
	resp, replayed, err := l.Settle(context.Background(), "k", "fp", func(context.Context) (*types.SettleResponse, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.False(t, called)
	assert.Equal(t, "0xabc", resp.Transaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerClaimsAfterOtherProcessReleases(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(claimedRow("other"))
	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(noRows())
	mock.ExpectExec(regexp.QuoteMeta(claimSettlement)).
		WithArgs("k", "fp", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(recordSettlement)).
		WithArgs(sqlmock.AnyArg(), testNow, "k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp, replayed, err := l.Settle(context.Background(), "k", "fp", succeeded("0xabc"))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "0xabc", resp.Transaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerLostClaimRace(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(noRows())
	mock.ExpectExec(regexp.QuoteMeta(claimSettlement)).
		WithArgs("k", "fp", testNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).
		WithArgs("k").
		WillReturnRows(recordedRow(t, "fp", types.SettleResponse{Success: true, Transaction: "0xabc"}))

	resp, replayed, err := l.Settle(context.Background(), "k", "fp", succeeded("0xdef"))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "0xabc", resp.Transaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerClaimWaitExpires(t *testing.T) {
	l, mock := newMockLedger(t)
	l.claimWait = 10 * time.Millisecond
	l.pollEvery = time.Second

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(claimedRow("fp"))

	_, _, err := l.Settle(context.Background(), "k", "fp", succeeded("0xabc"))
	assert.ErrorIs(t, err, ErrSettlementInProgress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerUnrecordedTransferIsNotRepeated(t *testing.T) {
	l, mock := newMockLedger(t)
	l.claimWait = 10 * time.Millisecond
	l.pollEvery = time.Second

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(noRows())
	mock.ExpectExec(regexp.QuoteMeta(claimSettlement)).
		WithArgs("k", "fp", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(recordSettlement)).
		WithArgs(sqlmock.AnyArg(), testNow, "k").
		WillReturnError(errors.New("connection reset"))
	// Long after the claim was made, the row still has no response.
	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(claimedRow("fp"))

	var calls atomic.Int32
	fn := func(context.Context) (*types.SettleResponse, error) {
		calls.Add(1)
		return &types.SettleResponse{Success: true, Transaction: "0xabc"}, nil
	}

	resp, _, err := l.Settle(context.Background(), "k", "fp", fn)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	l.now = func() time.Time { return testNow.Add(time.Hour) }
	_, _, err = l.Settle(context.Background(), "k", "fp", fn)
	assert.ErrorIs(t, err, ErrSettlementInProgress)
	assert.Equal(t, int32(1), calls.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerReleasesFailedClaim(t *testing.T) {
	l, mock := newMockLedger(t)

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs("k").WillReturnRows(noRows())
	mock.ExpectExec(regexp.QuoteMeta(claimSettlement)).
		WithArgs("k", "fp", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(releaseSettlement)).
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp, replayed, err := l.Settle(context.Background(), "k", "fp", failedSettle)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.False(t, resp.Success)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedgerEnsureSchema(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectExec(regexp.QuoteMeta(createSettlementsTable)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFacilitatorWithSQLLedger(t *testing.T) {
	l, mock := newMockLedger(t)
	transfers := &countingTransferer{}
	f := newTestFacilitator(WithLedger(l), WithTransferer(transfers))
	req := testRequirements()
	payload := signedPayload(t, req, nil)
	key := SettlementKey(payload, req)

	mock.ExpectQuery(regexp.QuoteMeta(selectSettlement)).WithArgs(key).WillReturnRows(noRows())
	mock.ExpectExec(regexp.QuoteMeta(claimSettlement)).
		WithArgs(key, SettlementFingerprint(payload), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(recordSettlement)).
		WithArgs(sqlmock.AnyArg(), testNow, key).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp, err := f.Settle(context.Background(), payload, req)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(1), transfers.calls.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}
