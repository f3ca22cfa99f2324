package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarfi/liquidator/internal/domain"
	"github.com/lunarfi/liquidator/internal/domain/domaintest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPosition(id string) domain.Position {
	return domain.Position{
		ID:         id,
		Owner:      "0xowner",
		Asset:      "BTC",
		Size:       decimal.RequireFromString("0.1"),
		Collateral: decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(50000),
		Leverage:   5,
		Status:     domain.PositionStatusOpen,
	}
}

func TestUpsertStoresPositionAndOpenTrade(t *testing.T) {
	positions := domaintest.NewPositionStore()
	trades := domaintest.NewTradeStore()
	svc := NewPositionService(positions, trades, nil, testLogger())
	ctx := context.Background()

	id, err := svc.Upsert(ctx, testPosition("pos-1"), "0xref1")
	require.NoError(t, err)
	assert.Equal(t, "pos-1", id)

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)

	all := trades.All()
	require.Len(t, all, 1)
	assert.Equal(t, domain.TradeTypeOpenLong, all[0].Type)
	assert.Equal(t, "0xref1", all[0].LedgerRef)
}

func TestUpsertIsIdempotentPerLedgerRef(t *testing.T) {
	positions := domaintest.NewPositionStore()
	trades := domaintest.NewTradeStore()
	svc := NewPositionService(positions, trades, nil, testLogger())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "0xref1")
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, testPosition("pos-1"), "0xref1")
	require.NoError(t, err)

	assert.Len(t, trades.All(), 1, "re-syncing the same ledger event must not duplicate the trade")
}

func TestUpsertRejectsInvalid(t *testing.T) {
	svc := NewPositionService(domaintest.NewPositionStore(), domaintest.NewTradeStore(), nil, testLogger())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*domain.Position)
	}{
		{"missing id", func(p *domain.Position) { p.ID = "" }},
		{"missing owner", func(p *domain.Position) { p.Owner = "" }},
		{"zero size", func(p *domain.Position) { p.Size = decimal.Zero }},
		{"negative collateral", func(p *domain.Position) { p.Collateral = decimal.NewFromInt(-1) }},
		{"zero entry price", func(p *domain.Position) { p.EntryPrice = decimal.Zero }},
		{"zero leverage", func(p *domain.Position) { p.Leverage = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPosition("pos-bad")
			tt.mutate(&p)
			_, err := svc.Upsert(ctx, p, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation))
		})
	}
}

func TestUpsertRefusesClosedPosition(t *testing.T) {
	positions := domaintest.NewPositionStore()
	svc := NewPositionService(positions, domaintest.NewTradeStore(), nil, testLogger())
	ctx := context.Background()

	closed := testPosition("pos-1")
	closed.Status = domain.PositionStatusClosed
	positions.Seed(closed)

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestCloseFreezesPnLAndAppendsTrade(t *testing.T) {
	positions := domaintest.NewPositionStore()
	trades := domaintest.NewTradeStore()
	svc := NewPositionService(positions, trades, nil, testLogger())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "0xopen")
	require.NoError(t, err)

	closePrice := decimal.NewFromInt(52000)
	pnl := decimal.NewFromInt(200)
	ref, err := svc.Close(ctx, "pos-1", closePrice, pnl, "0xclose")
	require.NoError(t, err)
	assert.Equal(t, "0xclose", ref)

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	assert.True(t, stored.PnL.Equal(pnl))

	all := trades.All()
	require.Len(t, all, 2)
	assert.Equal(t, domain.TradeTypeCloseLong, all[1].Type)
	assert.True(t, all[1].Price.Equal(closePrice))
}

func TestCloseAlreadyClosedIsConflict(t *testing.T) {
	positions := domaintest.NewPositionStore()
	svc := NewPositionService(positions, domaintest.NewTradeStore(), nil, testLogger())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "")
	require.NoError(t, err)
	_, err = svc.Close(ctx, "pos-1", decimal.NewFromInt(52000), decimal.Zero, "0xclose")
	require.NoError(t, err)

	_, err = svc.Close(ctx, "pos-1", decimal.NewFromInt(52000), decimal.Zero, "0xclose2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestCloseDuringClaimIsConflict(t *testing.T) {
	positions := domaintest.NewPositionStore()
	trades := domaintest.NewTradeStore()
	svc := NewPositionService(positions, trades, nil, testLogger())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "0xopen")
	require.NoError(t, err)
	require.NoError(t, positions.Claim(ctx, "pos-1"))

	// The liquidation monitor owns the row now; a manual close loses.
	_, err = svc.Close(ctx, "pos-1", decimal.NewFromInt(52000), decimal.Zero, "0xmanual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusLiquidating, stored.Status)
	assert.Len(t, trades.All(), 1, "the losing close must not record a trade")
}

func TestCloseViaLedgerGateway(t *testing.T) {
	positions := domaintest.NewPositionStore()
	trades := domaintest.NewTradeStore()
	ledger := domaintest.NewLedger("0xgateway")
	svc := NewPositionService(positions, trades, ledger, testLogger())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "0xopen")
	require.NoError(t, err)

	// The gateway's tx hash wins over the caller-supplied ref.
	ref, err := svc.Close(ctx, "pos-1", decimal.NewFromInt(52000), decimal.NewFromInt(200), "0xcaller")
	require.NoError(t, err)
	assert.Equal(t, "0xgateway", ref)
	assert.Equal(t, 1, ledger.CloseCalls)

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)

	all := trades.All()
	require.Len(t, all, 2)
	assert.Equal(t, "0xgateway", all[1].LedgerRef)
}

func TestCloseReleasesClaimOnLedgerGatewayFailure(t *testing.T) {
	positions := domaintest.NewPositionStore()
	trades := domaintest.NewTradeStore()
	ledger := domaintest.NewLedger("")
	ledger.CloseErr = errors.New("gateway timeout")
	svc := NewPositionService(positions, trades, ledger, testLogger())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "0xopen")
	require.NoError(t, err)

	_, err = svc.Close(ctx, "pos-1", decimal.NewFromInt(52000), decimal.Zero, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrExternal))

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status, "the claim must be released so a retry can proceed")
	assert.Len(t, trades.All(), 1)
}

func TestUpsertPreservesLiquidatingClaim(t *testing.T) {
	positions := domaintest.NewPositionStore()
	svc := NewPositionService(positions, domaintest.NewTradeStore(), nil, testLogger())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "")
	require.NoError(t, err)
	require.NoError(t, positions.Claim(ctx, "pos-1"))

	// A ledger re-sync arriving mid-liquidation must not demote the claim.
	_, err = svc.Upsert(ctx, testPosition("pos-1"), "")
	require.NoError(t, err)

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusLiquidating, stored.Status)
}

func TestCloseUnknownIsNotFound(t *testing.T) {
	svc := NewPositionService(domaintest.NewPositionStore(), domaintest.NewTradeStore(), nil, testLogger())

	_, err := svc.Close(context.Background(), "missing", decimal.NewFromInt(1), decimal.Zero, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestUpdateMetricsRecomputesFromPrice(t *testing.T) {
	positions := domaintest.NewPositionStore()
	svc := NewPositionService(positions, domaintest.NewTradeStore(), nil, testLogger())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, testPosition("pos-1"), "")
	require.NoError(t, err)

	price := decimal.NewFromInt(52000)
	require.NoError(t, svc.UpdateMetrics(ctx, "pos-1", &price, decimal.Zero, decimal.NullDecimal{}, decimal.NullDecimal{}))

	stored, err := positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	// (52000 - 50000) * 0.1
	assert.True(t, stored.PnL.Equal(decimal.NewFromInt(200)))
	assert.True(t, stored.LiquidationPrice.Valid)
}

func TestMarketDataServiceWriteThroughAndFallback(t *testing.T) {
	store := domaintest.NewMarketDataStore()
	cache := domaintest.NewMarketCache()
	svc := NewMarketDataService(store, cache, testLogger())
	ctx := context.Background()

	md := domain.MarketData{
		Asset:       "btc",
		Price:       decimal.NewFromInt(50000),
		Source:      "oracle",
		LastUpdated: time.Now().UTC(),
	}
	require.NoError(t, svc.Upsert(ctx, md))

	// Asset is normalized on write; both tiers hold the row.
	fromCache, err := cache.Get(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, fromCache.Price.Equal(md.Price))

	got, err := svc.Latest(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, "BTC", got.Asset)

	_, err = svc.Latest(ctx, "DOGE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
