package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination for list queries. All list queries order by
// recency (most-recently-updated first); callers must not assume anything
// stronger.
type ListOpts struct {
	Limit  int
	Offset int
}

// MetricsPatch carries the refreshable metrics of an open position. PnL is
// always written; the optional fields are only written when Valid.
type MetricsPatch struct {
	PnL              decimal.Decimal
	LiquidationPrice decimal.NullDecimal
	FundingRate      decimal.NullDecimal
}

// PositionStore owns position records and their lifecycle transitions.
//
// Upsert inserts a new record or overwrites the mutable fields of an
// existing one; it must refuse to resurrect or mutate a closed position
// (ErrConflict) and must leave the status of a claimed (liquidating) row
// untouched so a concurrent re-sync cannot steal an in-flight claim.
// Claim moves open → liquidating, Release undoes a claim, Close moves
// open → closed, and CloseClaimed moves liquidating → closed. Each is a
// conditional per-row update so that concurrent callers race safely: the
// loser observes ErrConflict. The split between Close and CloseClaimed is
// what makes close-or-liquidate at-most-once: a manual close cannot land
// on a row the liquidation monitor has claimed, and only the claim holder
// can finish a claimed row.
type PositionStore interface {
	Upsert(ctx context.Context, p Position) error
	Get(ctx context.Context, id string) (Position, error)
	ListByOwner(ctx context.Context, owner string, filter StatusFilter, opts ListOpts) ([]Position, error)
	ListByAsset(ctx context.Context, asset string, filter StatusFilter, opts ListOpts) ([]Position, error)
	// ListOpen returns every position in the plain open state (claimed
	// positions excluded); this is the monitor's scan set.
	ListOpen(ctx context.Context) ([]Position, error)
	Claim(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	// Close freezes pnl and, when valid, the liquidation price. The close
	// price itself lives on the trade record, not the position. Close only
	// succeeds from the open state; CloseClaimed only from liquidating.
	Close(ctx context.Context, id string, pnl decimal.Decimal, liquidationPrice decimal.NullDecimal) error
	CloseClaimed(ctx context.Context, id string, pnl decimal.Decimal, liquidationPrice decimal.NullDecimal) error
	UpdateMetrics(ctx context.Context, id string, patch MetricsPatch) error
}

// TradeStore persists the append-only trade ledger. Append must be
// idempotent per (position_id, ledger_ref) so that re-syncing the same
// ledger event never duplicates a trade.
type TradeStore interface {
	Append(ctx context.Context, t Trade) error
	ListByPosition(ctx context.Context, positionID string) ([]Trade, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Trade, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Trade, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// LiquidationStore persists forced-closure records, at most one per
// position.
type LiquidationStore interface {
	Insert(ctx context.Context, l Liquidation) error
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Liquidation, error)
	ListByAsset(ctx context.Context, asset string, opts ListOpts) ([]Liquidation, error)
	ListRecent(ctx context.Context, limit int) ([]Liquidation, error)
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Liquidation, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MarketDataStore persists the one-row-per-asset market snapshot table.
type MarketDataStore interface {
	Upsert(ctx context.Context, md MarketData) error
	Get(ctx context.Context, asset string) (MarketData, error)
}

// MarketCache is the fast read path in front of MarketDataStore. Get returns
// ErrNotFound on a miss; staleness is the consumer's concern.
type MarketCache interface {
	Set(ctx context.Context, md MarketData) error
	Get(ctx context.Context, asset string) (MarketData, error)
}

// LockManager provides distributed locks; the monitor uses one to keep
// passes from overlapping across replicas.
type LockManager interface {
	// Acquire returns an unlock function on success, or ErrLockHeld when the
	// lock is taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
