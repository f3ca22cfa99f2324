package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestUnrealizedPnL(t *testing.T) {
	long := Position{
		Size:       decimal.RequireFromString("0.5"),
		EntryPrice: decimal.NewFromInt(50000),
	}
	short := Position{
		Size:       decimal.RequireFromString("-0.5"),
		EntryPrice: decimal.NewFromInt(50000),
	}

	mark := decimal.NewFromInt(52000)

	assert.True(t, long.UnrealizedPnL(mark).Equal(decimal.NewFromInt(1000)))
	assert.True(t, short.UnrealizedPnL(mark).Equal(decimal.NewFromInt(-1000)))
}

func TestEstimatedLiquidationPrice(t *testing.T) {
	long := Position{
		Size:       decimal.NewFromInt(1),
		Collateral: decimal.NewFromInt(1000),
		EntryPrice: decimal.NewFromInt(50000),
		Leverage:   5,
	}
	// entry - collateral*leverage/|size| = 50000 - 5000
	assert.True(t, long.EstimatedLiquidationPrice().Equal(decimal.NewFromInt(45000)))

	short := long
	short.Size = decimal.NewFromInt(-1)
	assert.True(t, short.EstimatedLiquidationPrice().Equal(decimal.NewFromInt(55000)))

	zero := long
	zero.Size = decimal.Zero
	assert.True(t, zero.EstimatedLiquidationPrice().IsZero())
}

func TestTradeTypesForDirection(t *testing.T) {
	long := Position{Size: decimal.NewFromInt(1)}
	short := Position{Size: decimal.NewFromInt(-1)}

	assert.Equal(t, TradeTypeOpenLong, long.OpenTradeType())
	assert.Equal(t, TradeTypeCloseLong, long.CloseTradeType())
	assert.Equal(t, TradeTypeOpenShort, short.OpenTradeType())
	assert.Equal(t, TradeTypeCloseShort, short.CloseTradeType())
}
