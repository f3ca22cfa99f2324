// Package reconcile keeps the local position store consistent with the
// authoritative ledger. It is the canonical repair path after any divergence
// (missed event, cold start): re-syncing is always safe because everything
// funnels through the position store's idempotent upsert.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// PositionUpserter is the slice of the position service the reconciler needs.
type PositionUpserter interface {
	Upsert(ctx context.Context, p domain.Position, ledgerRef string) (string, error)
}

// Notifier is the outbound alert hook. Delivery failures are logged, never
// returned.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ItemResult reports the outcome of syncing one ledger record.
type ItemResult struct {
	PositionID string `json:"positionId"`
	Synced     bool   `json:"synced"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// Result aggregates a bulk sync: per-item outcomes plus counts.
type Result struct {
	SyncedCount int          `json:"syncedCount"`
	FailedCount int          `json:"failedCount"`
	Results     []ItemResult `json:"results"`
}

// Reconciler maps raw ledger records into position store entries.
type Reconciler struct {
	positions PositionUpserter
	ledger    domain.Ledger
	notifier  Notifier
	logger    *slog.Logger
}

// New creates a Reconciler. ledger may be nil when only push-style syncs
// (records supplied by the caller) are needed; notifier may be nil to skip
// alerts.
func New(positions PositionUpserter, ledger domain.Ledger, notifier Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		positions: positions,
		ledger:    ledger,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// SyncOne validates one raw ledger record and upserts it. The record's own
// ledgerRef (when present) keys the opening trade, so syncing the same
// record twice stores one position and at most one trade.
func (r *Reconciler) SyncOne(ctx context.Context, owner string, raw domain.RawLedgerPosition) (string, error) {
	parsed, err := domain.ParseLedgerPosition(raw)
	if err != nil {
		return "", err
	}

	status := domain.PositionStatusOpen
	if !parsed.IsOpen {
		status = domain.PositionStatusClosed
	}

	pos := domain.Position{
		ID:         parsed.PositionID,
		Owner:      owner,
		Asset:      parsed.Asset,
		Size:       parsed.Size,
		Collateral: parsed.Collateral,
		EntryPrice: parsed.EntryPrice,
		Leverage:   parsed.Leverage,
		Status:     status,
		PnL:        decimal.Zero,
		CreatedAt:  parsed.Timestamp,
	}

	id, err := r.positions.Upsert(ctx, pos, parsed.LedgerRef)
	if err != nil {
		return "", fmt.Errorf("reconcile: sync %q: %w", parsed.PositionID, err)
	}
	return id, nil
}

// SyncBulk applies SyncOne to each record independently. A failure on one
// record is captured per item and never aborts the batch.
func (r *Reconciler) SyncBulk(ctx context.Context, owner string, raws []domain.RawLedgerPosition) Result {
	res := Result{Results: make([]ItemResult, 0, len(raws))}

	for _, raw := range raws {
		item := ItemResult{PositionID: raw.PositionID}

		if _, err := r.SyncOne(ctx, owner, raw); err != nil {
			item.Error = err.Error()
			item.Kind = classify(err)
			res.FailedCount++
			r.logger.WarnContext(ctx, "sync record failed",
				slog.String("position_id", raw.PositionID),
				slog.String("kind", item.Kind),
				slog.String("error", err.Error()),
			)
		} else {
			item.Synced = true
			res.SyncedCount++
		}

		res.Results = append(res.Results, item)
	}

	r.logger.InfoContext(ctx, "bulk sync finished",
		slog.String("owner", owner),
		slog.Int("synced", res.SyncedCount),
		slog.Int("failed", res.FailedCount),
	)
	r.notify(ctx, "sync_completed", "Ledger sync completed",
		fmt.Sprintf("owner %s: %d synced, %d failed", owner, res.SyncedCount, res.FailedCount))

	return res
}

func (r *Reconciler) notify(ctx context.Context, event, title, message string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event, title, message); err != nil {
		r.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// SyncOwner pulls the owner's positions from the ledger and bulk-syncs them.
func (r *Reconciler) SyncOwner(ctx context.Context, owner string) (Result, error) {
	if r.ledger == nil {
		return Result{}, fmt.Errorf("reconcile: no ledger configured")
	}

	raws, err := r.ledger.GetUserPositions(ctx, owner)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: fetch positions for %q: %w", owner, err)
	}

	return r.SyncBulk(ctx, owner, raws), nil
}

// classify maps an error onto the taxonomy names used in sync results.
func classify(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrExternal):
		return "external"
	default:
		return "internal"
	}
}
