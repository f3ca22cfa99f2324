package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lunarfi/liquidator/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, position_id, type, asset, size, price,
	collateral, leverage, pnl, ledger_ref, timestamp`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var tradeType string
		if err := rows.Scan(
			&t.ID, &t.PositionID, &tradeType, &t.Asset,
			&t.Size, &t.Price, &t.Collateral, &t.Leverage,
			&t.PnL, &t.LedgerRef, &t.Timestamp,
		); err != nil {
			return nil, err
		}
		t.Type = domain.TradeType(tradeType)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Append inserts one trade. A duplicate (position_id, ledger_ref) pair is
// silently skipped, which is what makes repeated ledger syncs idempotent.
func (s *TradeStore) Append(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			position_id, type, asset, size, price,
			collateral, leverage, pnl, ledger_ref, timestamp
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		) ON CONFLICT (position_id, ledger_ref) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.PositionID, string(t.Type), t.Asset, t.Size, t.Price,
		t.Collateral, t.Leverage, t.PnL, t.LedgerRef, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trade for %s: %w", t.PositionID, err)
	}
	return nil
}

// ListByPosition returns all trades for one position, newest first.
func (s *TradeStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE position_id = $1
		 ORDER BY timestamp DESC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", positionID, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for %s: %w", positionID, err)
	}
	return trades, nil
}

// ListByOwner returns trades for every position belonging to the owner,
// newest first.
func (s *TradeStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `
		SELECT t.id, t.position_id, t.type, t.asset, t.size, t.price,
		       t.collateral, t.leverage, t.pnl, t.ledger_ref, t.timestamp
		FROM trades t
		JOIN positions p ON p.id = t.position_id
		WHERE p.owner = $1
		ORDER BY t.timestamp DESC`
	args := []any{owner}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for owner %s: %w", owner, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades for owner %s: %w", owner, err)
	}
	return trades, nil
}

// ListOlderThan returns up to limit trades older than cutoff, oldest first.
// Used by the cold-storage archiver.
func (s *TradeStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades
		 WHERE timestamp < $1
		 ORDER BY timestamp ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %v: %w", cutoff, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan aged trades: %w", err)
	}
	return trades, nil
}

// DeleteOlderThan removes trades older than cutoff and reports how many rows
// went away.
func (s *TradeStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before %v: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
