package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lunarfi/liquidator/internal/domain"
)

// MarketDataService is the ingestion and read path for per-asset market
// snapshots. Writes go through to the durable table and then to the cache;
// reads prefer the cache and fall back to the table.
type MarketDataService struct {
	store  domain.MarketDataStore
	cache  domain.MarketCache
	logger *slog.Logger
}

// NewMarketDataService creates a MarketDataService. cache may be nil, in
// which case every read hits the store.
func NewMarketDataService(store domain.MarketDataStore, cache domain.MarketCache, logger *slog.Logger) *MarketDataService {
	return &MarketDataService{
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "marketdata_service")),
	}
}

// Upsert overwrites the snapshot for md.Asset. A cache write failure is
// logged but never fails the ingest; the durable row is the source of truth.
func (s *MarketDataService) Upsert(ctx context.Context, md domain.MarketData) error {
	md.Asset = strings.ToUpper(strings.TrimSpace(md.Asset))
	if md.Asset == "" {
		return fmt.Errorf("%w: missing asset", domain.ErrValidation)
	}
	if md.Price.Sign() <= 0 {
		return fmt.Errorf("%w: asset %s: price must be positive", domain.ErrValidation, md.Asset)
	}
	if md.LastUpdated.IsZero() {
		md.LastUpdated = time.Now().UTC()
	}

	if err := s.store.Upsert(ctx, md); err != nil {
		return fmt.Errorf("marketdata_service: upsert %q: %w", md.Asset, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, md); err != nil {
			s.logger.WarnContext(ctx, "cache write failed",
				slog.String("asset", md.Asset),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// Latest returns the snapshot for an asset, preferring the cache. A cache
// miss falls through to the store and backfills the cache best-effort. It
// returns domain.ErrNotFound when no snapshot exists anywhere; staleness is
// the caller's judgement call.
func (s *MarketDataService) Latest(ctx context.Context, asset string) (domain.MarketData, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))

	if s.cache != nil {
		md, err := s.cache.Get(ctx, asset)
		if err == nil {
			return md, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "cache read failed",
				slog.String("asset", asset),
				slog.String("error", err.Error()),
			)
		}
	}

	md, err := s.store.Get(ctx, asset)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MarketData{}, domain.ErrNotFound
		}
		return domain.MarketData{}, fmt.Errorf("marketdata_service: get %q: %w", asset, err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, md); cacheErr != nil {
			s.logger.DebugContext(ctx, "cache backfill failed",
				slog.String("asset", asset),
				slog.String("error", cacheErr.Error()),
			)
		}
	}

	return md, nil
}
