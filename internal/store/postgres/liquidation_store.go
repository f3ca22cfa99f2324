package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lunarfi/liquidator/internal/domain"
)

// LiquidationStore implements domain.LiquidationStore using PostgreSQL.
type LiquidationStore struct {
	pool *pgxpool.Pool
}

// NewLiquidationStore creates a LiquidationStore backed by the given pool.
func NewLiquidationStore(pool *pgxpool.Pool) *LiquidationStore {
	return &LiquidationStore{pool: pool}
}

const liquidationSelectCols = `id, position_id, owner, asset, size,
	collateral, liquidation_price, reason, ledger_ref, timestamp`

func scanLiquidationRows(rows pgx.Rows) ([]domain.Liquidation, error) {
	var out []domain.Liquidation
	for rows.Next() {
		var l domain.Liquidation
		if err := rows.Scan(
			&l.ID, &l.PositionID, &l.Owner, &l.Asset, &l.Size,
			&l.Collateral, &l.LiquidationPrice, &l.Reason,
			&l.LedgerRef, &l.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Insert records a forced closure. The unique index on position_id makes a
// second insert for the same position a no-op.
func (s *LiquidationStore) Insert(ctx context.Context, l domain.Liquidation) error {
	const query = `
		INSERT INTO liquidations (
			position_id, owner, asset, size, collateral,
			liquidation_price, reason, ledger_ref, timestamp
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		) ON CONFLICT (position_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		l.PositionID, l.Owner, l.Asset, l.Size, l.Collateral,
		l.LiquidationPrice, l.Reason, l.LedgerRef, l.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert liquidation for %s: %w", l.PositionID, err)
	}
	return nil
}

func (s *LiquidationStore) list(ctx context.Context, field, value string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	query := `SELECT ` + liquidationSelectCols + ` FROM liquidations WHERE ` + field + ` = $1 ORDER BY timestamp DESC`
	args := []any{value}

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
		return nil, fmt.Errorf("postgres: list liquidations by %s: %w", field, err)
	}
	defer rows.Close()

	out, err := scanLiquidationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan liquidations by %s: %w", field, err)
	}
	return out, nil
}

// ListByOwner returns liquidations for the given owner, newest first.
func (s *LiquidationStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	return s.list(ctx, "owner", owner, opts)
}

// ListByAsset returns liquidations for the given asset, newest first.
func (s *LiquidationStore) ListByAsset(ctx context.Context, asset string, opts domain.ListOpts) ([]domain.Liquidation, error) {
	return s.list(ctx, "asset", asset, opts)
}

// ListRecent returns the most recent liquidations across all assets.
func (s *LiquidationStore) ListRecent(ctx context.Context, limit int) ([]domain.Liquidation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+liquidationSelectCols+` FROM liquidations
		 ORDER BY timestamp DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent liquidations: %w", err)
	}
	defer rows.Close()

	out, err := scanLiquidationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent liquidations: %w", err)
	}
	return out, nil
}

// ListOlderThan returns up to limit liquidations older than cutoff, oldest
// first. Used by the cold-storage archiver.
func (s *LiquidationStore) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Liquidation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+liquidationSelectCols+` FROM liquidations
		 WHERE timestamp < $1
		 ORDER BY timestamp ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list liquidations before %v: %w", cutoff, err)
	}
	defer rows.Close()

	out, err := scanLiquidationRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan aged liquidations: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes liquidations older than cutoff.
func (s *LiquidationStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM liquidations WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete liquidations before %v: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.LiquidationStore = (*LiquidationStore)(nil)
