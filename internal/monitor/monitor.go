// Package monitor implements the periodic liquidation scan. Each run is one
// "pass": fetch every open position, evaluate maintenance margin against the
// latest snapshot, and force-close violators. Passes never overlap, and each
// position's close is independently committed, so a cancelled pass needs no
// rollback; whatever it did not reach is picked up next time.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/lunarfi/liquidator/internal/domain"
	"github.com/lunarfi/liquidator/internal/margin"
)

// passLockKey serializes passes across replicas via the lock manager.
const passLockKey = "monitor:pass"

// PriceSource is the slice of the market data service the monitor needs.
type PriceSource interface {
	Latest(ctx context.Context, asset string) (domain.MarketData, error)
}

// Notifier is the outbound alert hook. Delivery failures are the notifier's
// problem; the monitor never blocks on it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the monitor's tunables.
type Config struct {
	// Interval between passes in loop mode.
	Interval time.Duration
	// Concurrency bounds the number of positions evaluated in parallel
	// within one pass.
	Concurrency int
	// StaleAfter is the market-snapshot age beyond which the evaluator
	// reports indeterminate.
	StaleAfter time.Duration
	// PassTTL is the distributed-lock TTL; a crashed pass frees the lock
	// after this long.
	PassTTL time.Duration
}

// Summary aggregates one pass. Skipped counts indeterminate evaluations and
// benign claim races; Failed counts real errors. A position is never
// reported "safe" just because its evaluation could not complete.
type Summary struct {
	Scanned    int `json:"scanned"`
	Liquidated int `json:"liquidated"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Monitor scans open positions and liquidates maintenance-margin violators.
type Monitor struct {
	positions    domain.PositionStore
	trades       domain.TradeStore
	liquidations domain.LiquidationStore
	prices       PriceSource
	locks        domain.LockManager
	ledger       domain.Ledger
	notifier     Notifier
	cfg          Config
	logger       *slog.Logger
}

// New creates a Monitor. locks, ledger, and notifier may each be nil: without
// locks only in-process serialization applies, without a ledger the monitor
// writes synthetic ledger refs, and without a notifier alerts are skipped.
func New(
	positions domain.PositionStore,
	trades domain.TradeStore,
	liquidations domain.LiquidationStore,
	prices PriceSource,
	locks domain.LockManager,
	ledger domain.Ledger,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Monitor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PassTTL <= 0 {
		cfg.PassTTL = 2 * time.Minute
	}
	return &Monitor{
		positions:    positions,
		trades:       trades,
		liquidations: liquidations,
		prices:       prices,
		locks:        locks,
		ledger:       ledger,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "liquidation_monitor")),
	}
}

// pass carries the state of one scan: its timestamp and its counters. No
// monitor-level mutable state survives a pass.
type pass struct {
	now        time.Time
	scanned    atomic.Int64
	liquidated atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
}

func (p *pass) summary() Summary {
	return Summary{
		Scanned:    int(p.scanned.Load()),
		Liquidated: int(p.liquidated.Load()),
		Skipped:    int(p.skipped.Load()),
		Failed:     int(p.failed.Load()),
	}
}

// RunPass executes one scan over all open positions. It returns
// domain.ErrLockHeld when another pass is still running. Evaluation
// failures on individual positions are counted in the summary, never
// propagated, so the scan always covers every position it can reach.
func (m *Monitor) RunPass(ctx context.Context) (Summary, error) {
	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, passLockKey, m.cfg.PassTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return Summary{}, domain.ErrLockHeld
			}
			return Summary{}, fmt.Errorf("monitor: acquire pass lock: %w", err)
		}
		defer unlock()
	}

	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("monitor: list open positions: %w", err)
	}

	p := &pass{now: time.Now().UTC()}

	g := &errgroup.Group{}
	g.SetLimit(m.cfg.Concurrency)

	for _, pos := range open {
		if ctx.Err() != nil {
			// Cancelled mid-scan: positions already handled stay handled,
			// the rest wait for the next pass.
			break
		}
		g.Go(func() error {
			m.evaluate(ctx, p, pos)
			return nil
		})
	}
	_ = g.Wait()

	s := p.summary()
	m.logger.InfoContext(ctx, "pass complete",
		slog.Int("scanned", s.Scanned),
		slog.Int("liquidated", s.Liquidated),
		slog.Int("skipped", s.Skipped),
		slog.Int("failed", s.Failed),
	)
	return s, ctx.Err()
}

// evaluate handles a single position within a pass.
func (m *Monitor) evaluate(ctx context.Context, p *pass, pos domain.Position) {
	p.scanned.Add(1)

	var snapshot *domain.MarketData
	md, err := m.prices.Latest(ctx, pos.Asset)
	switch {
	case err == nil:
		snapshot = &md
	case errors.Is(err, domain.ErrNotFound):
		// No snapshot row: evaluator reports indeterminate below.
	default:
		m.logger.WarnContext(ctx, "price fetch failed",
			slog.String("position_id", pos.ID),
			slog.String("asset", pos.Asset),
			slog.String("error", err.Error()),
		)
		p.failed.Add(1)
		return
	}

	decision, err := margin.Evaluate(pos, snapshot, p.now, m.cfg.StaleAfter)
	if err != nil {
		m.logger.ErrorContext(ctx, "evaluation rejected position",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		p.failed.Add(1)
		return
	}

	switch decision.Outcome {
	case margin.OutcomeIndeterminate:
		m.logger.DebugContext(ctx, "position skipped",
			slog.String("position_id", pos.ID),
			slog.String("reason", decision.Reason),
		)
		p.skipped.Add(1)

	case margin.OutcomeHealthy:
		m.refreshMetrics(ctx, pos, decision.CurrentPrice)

	case margin.OutcomeLiquidate:
		m.liquidate(ctx, p, pos, decision.CurrentPrice)
	}
}

// refreshMetrics opportunistically updates pnl and the liquidation-price
// estimate of a healthy position. Best effort only.
func (m *Monitor) refreshMetrics(ctx context.Context, pos domain.Position, price decimal.Decimal) {
	patch := domain.MetricsPatch{
		PnL:              pos.UnrealizedPnL(price),
		LiquidationPrice: decimal.NewNullDecimal(pos.EstimatedLiquidationPrice()),
	}
	if err := m.positions.UpdateMetrics(ctx, pos.ID, patch); err != nil {
		m.logger.DebugContext(ctx, "metric refresh failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// liquidate force-closes one violating position: claim, ledger close,
// liquidation record, trade record, store close. The claim is the
// at-most-once guard; losing it means another actor already owns the close.
func (m *Monitor) liquidate(ctx context.Context, p *pass, pos domain.Position, price decimal.Decimal) {
	if err := m.positions.Claim(ctx, pos.ID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Manual close or a concurrent pass won. Benign.
			m.logger.DebugContext(ctx, "claim lost",
				slog.String("position_id", pos.ID),
			)
			p.skipped.Add(1)
			return
		}
		m.logger.ErrorContext(ctx, "claim failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		p.failed.Add(1)
		return
	}

	ledgerRef, err := m.closeOnLedger(ctx, pos)
	if err != nil {
		// Nothing happened on-chain; release the claim so the next pass
		// retries.
		if relErr := m.positions.Release(ctx, pos.ID); relErr != nil {
			m.logger.ErrorContext(ctx, "release after ledger failure failed",
				slog.String("position_id", pos.ID),
				slog.String("error", relErr.Error()),
			)
		}
		m.logger.ErrorContext(ctx, "ledger close failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		p.failed.Add(1)
		m.notify(ctx, "liquidation_failed", "Liquidation failed",
			fmt.Sprintf("position %s (%s): ledger close failed: %v", pos.ID, pos.Asset, err))
		return
	}

	pnl := pos.UnrealizedPnL(price)

	liq := domain.Liquidation{
		PositionID:       pos.ID,
		Owner:            pos.Owner,
		Asset:            pos.Asset,
		Size:             pos.Size,
		Collateral:       pos.Collateral,
		LiquidationPrice: price,
		Reason:           domain.ReasonMaintenanceMargin,
		LedgerRef:        ledgerRef,
		Timestamp:        p.now,
	}

	trade := domain.Trade{
		PositionID: pos.ID,
		Type:       domain.TradeTypeLiquidate,
		Asset:      pos.Asset,
		Size:       pos.Size,
		Price:      price,
		Collateral: pos.Collateral,
		Leverage:   pos.Leverage,
		PnL:        pnl,
		LedgerRef:  ledgerRef,
		Timestamp:  p.now,
	}

	// The ledger already closed; do not release the claim on local failures
	// or the next pass would double-close on-chain. A stuck claim is
	// repaired by reconciliation against the ledger.
	if err := m.liquidations.Insert(ctx, liq); err != nil {
		m.fail(ctx, p, pos, "record liquidation", err)
		return
	}
	if err := m.trades.Append(ctx, trade); err != nil {
		m.fail(ctx, p, pos, "append liquidate trade", err)
		return
	}
	if err := m.positions.CloseClaimed(ctx, pos.ID, pnl, decimal.NewNullDecimal(price)); err != nil {
		m.fail(ctx, p, pos, "close position", err)
		return
	}

	p.liquidated.Add(1)
	m.logger.InfoContext(ctx, "position liquidated",
		slog.String("position_id", pos.ID),
		slog.String("owner", pos.Owner),
		slog.String("asset", pos.Asset),
		slog.String("price", price.String()),
		slog.String("pnl", pnl.String()),
		slog.String("ledger_ref", ledgerRef),
	)
	m.notify(ctx, "liquidation_executed", "Position liquidated",
		fmt.Sprintf("position %s (%s) liquidated at %s, pnl %s", pos.ID, pos.Asset, price, pnl))
}

// closeOnLedger requests an on-chain close, or fabricates a synthetic ref
// when no ledger is wired (tests, dry runs).
func (m *Monitor) closeOnLedger(ctx context.Context, pos domain.Position) (string, error) {
	if m.ledger == nil {
		return "liq-" + uuid.New().String(), nil
	}
	ref, err := m.ledger.ClosePosition(ctx, pos.Owner, pos.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExternal, err)
	}
	return ref, nil
}

func (m *Monitor) fail(ctx context.Context, p *pass, pos domain.Position, step string, err error) {
	m.logger.ErrorContext(ctx, "liquidation incomplete",
		slog.String("position_id", pos.ID),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	p.failed.Add(1)
	m.notify(ctx, "liquidation_failed", "Liquidation incomplete",
		fmt.Sprintf("position %s (%s): %s: %v", pos.ID, pos.Asset, step, err))
}

func (m *Monitor) notify(ctx context.Context, event, title, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event, title, message); err != nil {
		m.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Run executes passes on a fixed interval until ctx is cancelled. The first
// pass starts immediately. A pass skipped because another replica holds the
// lock is not an error.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor starting",
		slog.Duration("interval", m.cfg.Interval),
		slog.Int("concurrency", m.cfg.Concurrency),
		slog.Duration("stale_after", m.cfg.StaleAfter),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunPass(ctx); err != nil {
			switch {
			case errors.Is(err, domain.ErrLockHeld):
				m.logger.Debug("pass skipped, previous pass still running")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return ctx.Err()
			default:
				m.logger.Error("pass failed", slog.String("error", err.Error()))
			}
		}

		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
