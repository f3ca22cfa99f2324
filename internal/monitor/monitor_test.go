package monitor

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
	"github.com/lunarfi/liquidator/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubPrices serves snapshots from a map; missing assets report ErrNotFound.
type stubPrices map[string]domain.MarketData

func (s stubPrices) Latest(ctx context.Context, asset string) (domain.MarketData, error) {
	md, ok := s[asset]
	if !ok {
		return domain.MarketData{}, domain.ErrNotFound
	}
	return md, nil
}

func freshSnapshot(asset, price string) domain.MarketData {
	return domain.MarketData{
		Asset:       asset,
		Price:       decimal.RequireFromString(price),
		Source:      "oracle",
		LastUpdated: time.Now().UTC(),
	}
}

func openPosition(id, asset string) domain.Position {
	return domain.Position{
		ID:         id,
		Owner:      "0xowner",
		Asset:      asset,
		Size:       decimal.RequireFromString("0.1"),
		Collateral: decimal.NewFromInt(100),
		EntryPrice: decimal.NewFromInt(50000),
		Leverage:   5,
		Status:     domain.PositionStatusOpen,
		PnL:        decimal.Zero,
		CreatedAt:  time.Now().UTC(),
	}
}

type fixture struct {
	positions    *domaintest.PositionStore
	trades       *domaintest.TradeStore
	liquidations *domaintest.LiquidationStore
	locks        *domaintest.LockManager
	ledger       *domaintest.Ledger
	monitor      *Monitor
}

func newFixture(prices stubPrices, ledger *domaintest.Ledger) *fixture {
	f := &fixture{
		positions:    domaintest.NewPositionStore(),
		trades:       domaintest.NewTradeStore(),
		liquidations: domaintest.NewLiquidationStore(),
		locks:        domaintest.NewLockManager(),
		ledger:       ledger,
	}

	var l domain.Ledger
	if ledger != nil {
		l = ledger
	}

	f.monitor = New(
		f.positions, f.trades, f.liquidations,
		prices, f.locks, l, nil,
		Config{
			Interval:    30 * time.Second,
			Concurrency: 4,
			StaleAfter:  90 * time.Second,
			PassTTL:     time.Minute,
		},
		testLogger(),
	)
	return f
}

func TestRunPassLiquidatesViolator(t *testing.T) {
	// Required margin at 55000 is 1100, far above the 100 collateral.
	f := newFixture(stubPrices{"BTC": freshSnapshot("BTC", "55000")}, domaintest.NewLedger("0xliq"))
	f.positions.Seed(openPosition("pos-1", "BTC"))
	ctx := context.Background()

	summary, err := f.monitor.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Liquidated: 1}, summary)

	stored, err := f.positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	assert.True(t, stored.LiquidationPrice.Valid)
	assert.True(t, stored.LiquidationPrice.Decimal.Equal(decimal.NewFromInt(55000)))
	// (55000 - 50000) * 0.1
	assert.True(t, stored.PnL.Equal(decimal.NewFromInt(500)))

	liqs := f.liquidations.All()
	require.Len(t, liqs, 1)
	assert.Equal(t, "pos-1", liqs[0].PositionID)
	assert.Equal(t, domain.ReasonMaintenanceMargin, liqs[0].Reason)
	assert.Equal(t, "0xliq", liqs[0].LedgerRef)

	trades := f.trades.All()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.TradeTypeLiquidate, trades[0].Type)
	assert.Equal(t, "0xliq", trades[0].LedgerRef)

	assert.Equal(t, 1, f.ledger.CloseCalls)
}

func TestRunPassHealthyRefreshesMetrics(t *testing.T) {
	f := newFixture(stubPrices{"BTC": freshSnapshot("BTC", "50100")}, nil)
	p := openPosition("pos-1", "BTC")
	p.Collateral = decimal.NewFromInt(2000)
	f.positions.Seed(p)
	ctx := context.Background()

	summary, err := f.monitor.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1}, summary)

	stored, err := f.positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)
	// (50100 - 50000) * 0.1
	assert.True(t, stored.PnL.Equal(decimal.NewFromInt(10)))
	assert.True(t, stored.LiquidationPrice.Valid)
}

func TestRunPassSkipsWithoutMarketData(t *testing.T) {
	f := newFixture(stubPrices{}, nil)
	f.positions.Seed(openPosition("pos-1", "DOGE"))
	ctx := context.Background()

	summary, err := f.monitor.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Skipped: 1}, summary)

	stored, err := f.positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status, "indeterminate must never close a position")
	assert.Empty(t, f.liquidations.All())
}

func TestRunPassSkipsStaleMarketData(t *testing.T) {
	stale := freshSnapshot("BTC", "55000")
	stale.LastUpdated = time.Now().UTC().Add(-5 * time.Minute)

	f := newFixture(stubPrices{"BTC": stale}, nil)
	f.positions.Seed(openPosition("pos-1", "BTC"))

	summary, err := f.monitor.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Skipped: 1}, summary)
	assert.Empty(t, f.liquidations.All())
}

func TestRunPassLedgerFailureReleasesClaim(t *testing.T) {
	ledger := domaintest.NewLedger("")
	ledger.CloseErr = errors.New("gateway timeout")

	f := newFixture(stubPrices{"BTC": freshSnapshot("BTC", "55000")}, ledger)
	f.positions.Seed(openPosition("pos-1", "BTC"))
	ctx := context.Background()

	summary, err := f.monitor.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Failed: 1}, summary)

	// The claim is rolled back so the next pass retries.
	stored, err := f.positions.Get(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, stored.Status)
	assert.Empty(t, f.liquidations.All())
	assert.Empty(t, f.trades.All())
}

func TestRunPassAtMostOncePerPosition(t *testing.T) {
	f := newFixture(stubPrices{"BTC": freshSnapshot("BTC", "55000")}, domaintest.NewLedger("0xliq"))
	f.positions.Seed(openPosition("pos-1", "BTC"))
	ctx := context.Background()

	first, err := f.monitor.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Liquidated)

	// The position is closed now; a second pass must not touch it.
	second, err := f.monitor.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, second)

	assert.Equal(t, 1, f.ledger.CloseCalls)
	assert.Len(t, f.liquidations.All(), 1)
	assert.Len(t, f.trades.All(), 1)
}

func TestRunPassManualCloseDuringClaimLosesRace(t *testing.T) {
	ledger := domaintest.NewLedger("0xliq")
	f := newFixture(stubPrices{"BTC": freshSnapshot("BTC", "55000")}, ledger)
	f.positions.Seed(openPosition("pos-1", "BTC"))

	// Fire a manual close inside the ledger call, while the pass holds the
	// claim on the row.
	manual := service.NewPositionService(f.positions, f.trades, nil, testLogger())
	var manualErr error
	ledger.CloseHook = func() {
		_, manualErr = manual.Close(context.Background(), "pos-1",
			decimal.NewFromInt(55000), decimal.Zero, "0xmanual")
	}

	summary, err := f.monitor.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Liquidated: 1}, summary)

	require.Error(t, manualErr)
	assert.True(t, errors.Is(manualErr, domain.ErrConflict), "the manual close must lose the race, got %v", manualErr)

	assert.Len(t, f.liquidations.All(), 1)

	trades := f.trades.All()
	require.Len(t, trades, 1, "exactly one close-type outcome may be recorded")
	assert.Equal(t, domain.TradeTypeLiquidate, trades[0].Type)
	assert.Equal(t, "0xliq", trades[0].LedgerRef)
}

func TestRunPassReportsLockHeld(t *testing.T) {
	f := newFixture(stubPrices{}, nil)

	unlock, err := f.locks.Acquire(context.Background(), "monitor:pass", time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = f.monitor.RunPass(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLockHeld))
}

func TestRunPassCountsEvaluationFailures(t *testing.T) {
	f := newFixture(stubPrices{"BTC": freshSnapshot("BTC", "55000")}, nil)

	broken := openPosition("pos-1", "BTC")
	broken.Leverage = 0
	f.positions.Seed(broken)

	summary, err := f.monitor.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Failed: 1}, summary)
	assert.Empty(t, f.liquidations.All())
}

func TestRunPassMixedBatch(t *testing.T) {
	prices := stubPrices{
		"BTC": freshSnapshot("BTC", "55000"),
		"ETH": freshSnapshot("ETH", "2000"),
	}
	f := newFixture(prices, nil)

	violator := openPosition("pos-1", "BTC")
	healthy := openPosition("pos-2", "ETH")
	healthy.EntryPrice = decimal.NewFromInt(2000)
	healthy.Collateral = decimal.NewFromInt(1000)
	noData := openPosition("pos-3", "DOGE")
	f.positions.Seed(violator, healthy, noData)

	summary, err := f.monitor.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 3, Liquidated: 1, Skipped: 1}, summary)
}
