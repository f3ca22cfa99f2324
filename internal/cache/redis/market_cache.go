package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// MarketCache implements domain.MarketCache using Redis hashes. Each asset's
// snapshot is a hash at "market:{ASSET}" with decimal-string fields, so no
// precision is lost in transit.
type MarketCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewMarketCache creates a MarketCache backed by the given Client. Entries
// expire after ttl (zero disables expiry) so a dead feed cannot serve
// ancient prices forever.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	return &MarketCache{rdb: c.Underlying(), ttl: ttl}
}

func marketKey(asset string) string {
	return "market:" + asset
}

// Set stores the snapshot for md.Asset.
func (mc *MarketCache) Set(ctx context.Context, md domain.MarketData) error {
	key := marketKey(md.Asset)
	fields := map[string]interface{}{
		"price":  md.Price.String(),
		"source": md.Source,
		"ts":     strconv.FormatInt(md.LastUpdated.UnixNano(), 10),
	}
	if md.PriceChange24h.Valid {
		fields["change24h"] = md.PriceChange24h.Decimal.String()
	}
	if md.Volume24h.Valid {
		fields["volume24h"] = md.Volume24h.Decimal.String()
	}
	if md.FundingRate.Valid {
		fields["funding"] = md.FundingRate.Decimal.String()
	}

	pipe := mc.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if mc.ttl > 0 {
		pipe.Expire(ctx, key, mc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market data %s: %w", md.Asset, err)
	}
	return nil
}

// Get retrieves the snapshot for an asset. It returns domain.ErrNotFound on
// a miss.
func (mc *MarketCache) Get(ctx context.Context, asset string) (domain.MarketData, error) {
	vals, err := mc.rdb.HGetAll(ctx, marketKey(asset)).Result()
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("redis: get market data %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return domain.MarketData{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return domain.MarketData{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("redis: parse price %s: %w", asset, err)
	}

	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.MarketData{}, fmt.Errorf("redis: parse ts %s: %w", asset, err)
	}

	md := domain.MarketData{
		Asset:       asset,
		Price:       price,
		Source:      vals["source"],
		LastUpdated: time.Unix(0, tsNano),
	}

	if v, ok := vals["change24h"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			md.PriceChange24h = decimal.NewNullDecimal(d)
		}
	}
	if v, ok := vals["volume24h"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			md.Volume24h = decimal.NewNullDecimal(d)
		}
	}
	if v, ok := vals["funding"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			md.FundingRate = decimal.NewNullDecimal(d)
		}
	}

	return md, nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
