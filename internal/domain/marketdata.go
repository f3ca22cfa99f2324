package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketData is the latest price/volume/funding snapshot for one asset.
// There is exactly one row per asset; ingestion overwrites it in place.
// History lives in a separate funding-rate log outside this service.
type MarketData struct {
	Asset          string
	Price          decimal.Decimal
	PriceChange24h decimal.NullDecimal
	Volume24h      decimal.NullDecimal
	FundingRate    decimal.NullDecimal
	Source         string
	LastUpdated    time.Time
}

// StaleAfter reports whether the snapshot is older than maxAge at the given
// instant. Consumers must treat a stale snapshot exactly like a missing one:
// a price that is out of date can both falsely liquidate and falsely clear a
// position.
func (m MarketData) StaleAfter(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(m.LastUpdated) > maxAge
}
