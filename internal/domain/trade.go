package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType classifies the position transition a trade records.
type TradeType string

const (
	TradeTypeOpenLong   TradeType = "open_long"
	TradeTypeOpenShort  TradeType = "open_short"
	TradeTypeCloseLong  TradeType = "close_long"
	TradeTypeCloseShort TradeType = "close_short"
	TradeTypeLiquidate  TradeType = "liquidate"
)

// IsClose reports whether the trade type terminates a position.
func (t TradeType) IsClose() bool {
	switch t {
	case TradeTypeCloseLong, TradeTypeCloseShort, TradeTypeLiquidate:
		return true
	}
	return false
}

// Trade is an immutable, append-only record of a position state transition.
// Exactly one open-type trade and at most one close-type trade exist per
// position; the (position_id, ledger_ref) pair dedupes repeated syncs of the
// same ledger event.
type Trade struct {
	ID         int64
	PositionID string
	Type       TradeType
	Asset      string
	Size       decimal.Decimal
	Price      decimal.Decimal
	Collateral decimal.Decimal
	Leverage   int
	PnL        decimal.Decimal
	LedgerRef  string
	Timestamp  time.Time
}
