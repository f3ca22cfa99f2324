package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lunarfi/liquidator/internal/domain"
)

// MarketDataStore implements domain.MarketDataStore using PostgreSQL. One
// row per asset, overwritten in place; no history lives here.
type MarketDataStore struct {
	pool *pgxpool.Pool
}

// NewMarketDataStore creates a MarketDataStore backed by the given pool.
func NewMarketDataStore(pool *pgxpool.Pool) *MarketDataStore {
	return &MarketDataStore{pool: pool}
}

// Upsert overwrites the snapshot row for md.Asset.
func (s *MarketDataStore) Upsert(ctx context.Context, md domain.MarketData) error {
	const query = `
		INSERT INTO market_data (
			asset, price, price_change_24h, volume_24h,
			funding_rate, source, last_updated
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7
		)
		ON CONFLICT (asset) DO UPDATE SET
			price            = EXCLUDED.price,
			price_change_24h = EXCLUDED.price_change_24h,
			volume_24h       = EXCLUDED.volume_24h,
			funding_rate     = EXCLUDED.funding_rate,
			source           = EXCLUDED.source,
			last_updated     = EXCLUDED.last_updated`

	_, err := s.pool.Exec(ctx, query,
		md.Asset, md.Price, md.PriceChange24h, md.Volume24h,
		md.FundingRate, md.Source, md.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market data %s: %w", md.Asset, err)
	}
	return nil
}

// Get returns the snapshot for one asset, or domain.ErrNotFound.
func (s *MarketDataStore) Get(ctx context.Context, asset string) (domain.MarketData, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT asset, price, price_change_24h, volume_24h,
		        funding_rate, source, last_updated
		 FROM market_data WHERE asset = $1`, asset)

	var md domain.MarketData
	err := row.Scan(
		&md.Asset, &md.Price, &md.PriceChange24h, &md.Volume24h,
		&md.FundingRate, &md.Source, &md.LastUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketData{}, domain.ErrNotFound
		}
		return domain.MarketData{}, fmt.Errorf("postgres: get market data %s: %w", asset, err)
	}
	return md, nil
}

// Compile-time interface check.
var _ domain.MarketDataStore = (*MarketDataStore)(nil)
