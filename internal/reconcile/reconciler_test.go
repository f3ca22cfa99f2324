package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarfi/liquidator/internal/domain"
	"github.com/lunarfi/liquidator/internal/domain/domaintest"
	"github.com/lunarfi/liquidator/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newReconciler(t *testing.T, ledger domain.Ledger) (*Reconciler, *domaintest.PositionStore, *domaintest.TradeStore) {
	t.Helper()
	positions := domaintest.NewPositionStore()
	trades := domaintest.NewTradeStore()
	svc := service.NewPositionService(positions, trades, nil, testLogger())
	return New(svc, ledger, nil, testLogger()), positions, trades
}

func rawPosition(id string) domain.RawLedgerPosition {
	return domain.RawLedgerPosition{
		PositionID: id,
		Asset:      "BTC",
		Size:       "0.1",
		Collateral: "100",
		EntryPrice: "50000",
		Leverage:   5,
		IsOpen:     true,
		Timestamp:  1700000000,
		LedgerRef:  "0xref-" + id,
	}
}

func TestSyncOne(t *testing.T) {
	r, positions, trades := newReconciler(t, nil)
	ctx := context.Background()

	id, err := r.SyncOne(ctx, "0xowner", rawPosition("pos-1"))
	require.NoError(t, err)
	assert.Equal(t, "pos-1", id)

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, "0xowner", stored.Owner)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)
	assert.Len(t, trades.All(), 1)
}

func TestSyncOneClosedRecord(t *testing.T) {
	r, positions, trades := newReconciler(t, nil)
	ctx := context.Background()

	raw := rawPosition("pos-1")
	raw.IsOpen = false

	_, err := r.SyncOne(ctx, "0xowner", raw)
	require.NoError(t, err)

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	assert.Empty(t, trades.All(), "closed records must not produce opening trades")
}

func TestSyncOneRejectsInvalid(t *testing.T) {
	r, _, _ := newReconciler(t, nil)

	raw := rawPosition("pos-1")
	raw.Size = "not-a-number"

	_, err := r.SyncOne(context.Background(), "0xowner", raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestSyncBulkCapturesPerItemFailures(t *testing.T) {
	r, positions, _ := newReconciler(t, nil)
	ctx := context.Background()

	bad := rawPosition("pos-2")
	bad.EntryPrice = "0"

	res := r.SyncBulk(ctx, "0xowner", []domain.RawLedgerPosition{rawPosition("pos-1"), bad})

	assert.Equal(t, 1, res.SyncedCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Results, 2)

	assert.True(t, res.Results[0].Synced)
	assert.False(t, res.Results[1].Synced)
	assert.Equal(t, "validation", res.Results[1].Kind)
	assert.NotEmpty(t, res.Results[1].Error)

	// The good record landed despite its neighbor failing.
	_, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
}

func TestSyncBulkIsIdempotent(t *testing.T) {
	r, positions, trades := newReconciler(t, nil)
	ctx := context.Background()

	batch := []domain.RawLedgerPosition{rawPosition("pos-1")}

	res := r.SyncBulk(ctx, "0xowner", batch)
	assert.Equal(t, 1, res.SyncedCount)
	res = r.SyncBulk(ctx, "0xowner", batch)
	assert.Equal(t, 1, res.SyncedCount)

	open, err := positions.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Len(t, trades.All(), 1, "re-syncing must not duplicate trades")
}

func TestSyncOwnerPullsFromLedger(t *testing.T) {
	ledger := domaintest.NewLedger("0xclose")
	ledger.Positions["0xowner"] = []domain.RawLedgerPosition{
		rawPosition("pos-1"),
		rawPosition("pos-2"),
	}

	r, positions, _ := newReconciler(t, ledger)

	res, err := r.SyncOwner(context.Background(), "0xowner")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SyncedCount)
	assert.Equal(t, 0, res.FailedCount)

	open, err := positions.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestSyncOwnerWithoutLedger(t *testing.T) {
	r, _, _ := newReconciler(t, nil)

	_, err := r.SyncOwner(context.Background(), "0xowner")
	require.Error(t, err)
}
