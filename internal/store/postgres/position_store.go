package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Lifecycle
// transitions are conditional single-row updates: the WHERE clause on the
// current status is the compare-and-swap that makes close and liquidate
// at-most-once under concurrency.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, owner, asset, size, collateral, entry_price,
	leverage, status, pnl, liquidation_price, funding_rate, created_at, last_updated`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.Owner, &p.Asset,
		&p.Size, &p.Collateral, &p.EntryPrice,
		&p.Leverage, &status, &p.PnL,
		&p.LiquidationPrice, &p.FundingRate,
		&p.CreatedAt, &p.LastUpdated,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert inserts a new position or overwrites the mutable fields of an
// existing one. Closed rows are immutable; attempting to overwrite one
// returns domain.ErrConflict. A liquidating row keeps its status: a ledger
// re-sync landing mid-liquidation must not demote the monitor's claim back
// to open, or a second pass could claim and close the position again.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner, asset, size, collateral, entry_price,
			leverage, status, pnl, created_at, last_updated
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			owner        = EXCLUDED.owner,
			asset        = EXCLUDED.asset,
			size         = EXCLUDED.size,
			collateral   = EXCLUDED.collateral,
			entry_price  = EXCLUDED.entry_price,
			leverage     = EXCLUDED.leverage,
			status       = CASE WHEN positions.status = 'liquidating'
			                    THEN positions.status
			                    ELSE EXCLUDED.status END,
			last_updated = NOW()
		WHERE positions.status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Owner, p.Asset,
		p.Size, p.Collateral, p.EntryPrice,
		p.Leverage, string(p.Status), p.PnL,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, domain.ErrConflict)
	}
	return nil
}

// Get retrieves a single position by id.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

func statusClause(filter domain.StatusFilter, argIdx int) (string, []any) {
	switch filter {
	case domain.StatusFilterOpen:
		return fmt.Sprintf(" AND status <> $%d", argIdx), []any{string(domain.PositionStatusClosed)}
	case domain.StatusFilterClosed:
		return fmt.Sprintf(" AND status = $%d", argIdx), []any{string(domain.PositionStatusClosed)}
	default:
		return "", nil
	}
}

func (s *PositionStore) list(ctx context.Context, field, value string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE ` + field + ` = $1`
	args := []any{value}

	clause, extra := statusClause(filter, len(args)+1)
	query += clause
	args = append(args, extra...)

	query += " ORDER BY last_updated DESC"
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
		return nil, fmt.Errorf("postgres: list positions by %s: %w", field, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions by %s: %w", field, err)
	}
	return positions, nil
}

// ListByOwner returns positions for the given owner, most recent first.
func (s *PositionStore) ListByOwner(ctx context.Context, owner string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error) {
	return s.list(ctx, "owner", owner, filter, opts)
}

// ListByAsset returns positions for the given asset, most recent first.
func (s *PositionStore) ListByAsset(ctx context.Context, asset string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error) {
	return s.list(ctx, "asset", asset, filter, opts)
}

// ListOpen returns every position in the plain open state. Claimed
// (liquidating) rows are excluded: some pass already owns them.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'open'
		 ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// Claim moves a position from open to liquidating. Exactly one caller wins;
// everyone else observes ErrConflict (or ErrNotFound if the id is unknown).
func (s *PositionStore) Claim(ctx context.Context, id string) error {
	const query = `
		UPDATE positions SET status = 'liquidating', last_updated = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: claim position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// Release undoes a claim after a failed liquidation attempt so the next pass
// picks the position up again.
func (s *PositionStore) Release(ctx context.Context, id string) error {
	const query = `
		UPDATE positions SET status = 'open', last_updated = NOW()
		WHERE id = $1 AND status = 'liquidating'`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: release position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// Close terminates an open position, freezing pnl and, when valid, the
// liquidation price. It refuses rows in the liquidating state: those belong
// to whoever holds the claim, and the caller observes ErrConflict like any
// other lost race.
func (s *PositionStore) Close(ctx context.Context, id string, pnl decimal.Decimal, liquidationPrice decimal.NullDecimal) error {
	const query = `
		UPDATE positions SET
			status            = 'closed',
			pnl               = $2,
			liquidation_price = COALESCE($3, liquidation_price),
			last_updated      = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, pnl, liquidationPrice)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// CloseClaimed finishes a claimed liquidation, moving the row from
// liquidating to closed. Only the claim holder calls this.
func (s *PositionStore) CloseClaimed(ctx context.Context, id string, pnl decimal.Decimal, liquidationPrice decimal.NullDecimal) error {
	const query = `
		UPDATE positions SET
			status            = 'closed',
			pnl               = $2,
			liquidation_price = COALESCE($3, liquidation_price),
			last_updated      = NOW()
		WHERE id = $1 AND status = 'liquidating'`

	tag, err := s.pool.Exec(ctx, query, id, pnl, liquidationPrice)
	if err != nil {
		return fmt.Errorf("postgres: close claimed position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// UpdateMetrics patches the refreshable metrics of a non-closed position.
func (s *PositionStore) UpdateMetrics(ctx context.Context, id string, patch domain.MetricsPatch) error {
	const query = `
		UPDATE positions SET
			pnl               = $2,
			liquidation_price = COALESCE($3, liquidation_price),
			funding_rate      = COALESCE($4, funding_rate),
			last_updated      = NOW()
		WHERE id = $1 AND status <> 'closed'`

	tag, err := s.pool.Exec(ctx, query, id, patch.PnL, patch.LiquidationPrice, patch.FundingRate)
	if err != nil {
		return fmt.Errorf("postgres: update metrics %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

// missOrConflict distinguishes "no such row" from "row exists but the status
// condition failed" after a zero-row conditional update.
func (s *PositionStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check position %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
