package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks where a position is in its lifecycle.
//
// "liquidating" is a persisted claim taken by the liquidation monitor before
// it touches the ledger; it keeps a concurrent manual close (or a second
// monitor pass) from closing the same position twice.
type PositionStatus string

const (
	PositionStatusOpen        PositionStatus = "open"
	PositionStatusLiquidating PositionStatus = "liquidating"
	PositionStatusClosed      PositionStatus = "closed"
)

// Position represents a leveraged exposure to an asset, collateralized by a
// margin deposit. The sign of Size encodes direction: positive is long,
// negative is short.
type Position struct {
	ID               string
	Owner            string
	Asset            string
	Size             decimal.Decimal
	Collateral       decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         int
	Status           PositionStatus
	PnL              decimal.Decimal
	LiquidationPrice decimal.NullDecimal
	FundingRate      decimal.NullDecimal
	CreatedAt        time.Time
	LastUpdated      time.Time
}

// IsOpen reports whether the position can still be closed. A position in the
// liquidating state is still open from the owner's perspective; only the
// monitor's close wins once the claim is taken.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen || p.Status == PositionStatusLiquidating
}

// IsLong reports whether the position is a long exposure.
func (p Position) IsLong() bool {
	return p.Size.Sign() >= 0
}

// OpenTradeType returns the trade type recorded when this position opens.
func (p Position) OpenTradeType() TradeType {
	if p.IsLong() {
		return TradeTypeOpenLong
	}
	return TradeTypeOpenShort
}

// CloseTradeType returns the trade type recorded when this position is
// closed manually.
func (p Position) CloseTradeType() TradeType {
	if p.IsLong() {
		return TradeTypeCloseLong
	}
	return TradeTypeCloseShort
}

// UnrealizedPnL computes the signed profit/loss at the given mark price.
// Because Size is signed, the same formula covers longs and shorts.
func (p Position) UnrealizedPnL(markPrice decimal.Decimal) decimal.Decimal {
	return markPrice.Sub(p.EntryPrice).Mul(p.Size)
}

// EstimatedLiquidationPrice returns the informational price level at which
// the maintenance margin would be exactly exhausted:
//
//	entry -/+ collateral * leverage / |size|
//
// The liquidation decision itself never consults this value; it is stored as
// a display metric only. Returns a zero Decimal when size is zero.
func (p Position) EstimatedLiquidationPrice() decimal.Decimal {
	absSize := p.Size.Abs()
	if absSize.IsZero() {
		return decimal.Zero
	}
	buffer := p.Collateral.Mul(decimal.NewFromInt(int64(p.Leverage))).Div(absSize)
	if p.IsLong() {
		return p.EntryPrice.Sub(buffer)
	}
	return p.EntryPrice.Add(buffer)
}

// StatusFilter narrows list queries by position lifecycle state.
type StatusFilter string

const (
	StatusFilterAll    StatusFilter = "all"
	StatusFilterOpen   StatusFilter = "open"   // open + liquidating
	StatusFilterClosed StatusFilter = "closed"
)
