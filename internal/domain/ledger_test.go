package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRaw() RawLedgerPosition {
	return RawLedgerPosition{
		PositionID: "pos-1",
		Asset:      "eth",
		Size:       "-2.5",
		Collateral: "300",
		EntryPrice: "2000.50",
		Leverage:   3,
		IsOpen:     true,
		Timestamp:  1700000000,
		LedgerRef:  " 0xabc ",
	}
}

func TestParseLedgerPosition(t *testing.T) {
	parsed, err := ParseLedgerPosition(validRaw())
	require.NoError(t, err)

	assert.Equal(t, "pos-1", parsed.PositionID)
	assert.Equal(t, "ETH", parsed.Asset)
	assert.True(t, parsed.Size.Equal(decimal.RequireFromString("-2.5")))
	assert.True(t, parsed.Collateral.Equal(decimal.NewFromInt(300)))
	assert.True(t, parsed.EntryPrice.Equal(decimal.RequireFromString("2000.50")))
	assert.Equal(t, 3, parsed.Leverage)
	assert.True(t, parsed.IsOpen)
	assert.Equal(t, int64(1700000000), parsed.Timestamp.Unix())
	assert.Equal(t, "0xabc", parsed.LedgerRef)
}

func TestParseLedgerPositionRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawLedgerPosition)
	}{
		{"missing id", func(r *RawLedgerPosition) { r.PositionID = "  " }},
		{"missing asset", func(r *RawLedgerPosition) { r.Asset = "" }},
		{"non-numeric size", func(r *RawLedgerPosition) { r.Size = "abc" }},
		{"zero size", func(r *RawLedgerPosition) { r.Size = "0" }},
		{"non-numeric collateral", func(r *RawLedgerPosition) { r.Collateral = "" }},
		{"negative collateral", func(r *RawLedgerPosition) { r.Collateral = "-1" }},
		{"non-numeric entry price", func(r *RawLedgerPosition) { r.EntryPrice = "x" }},
		{"zero entry price", func(r *RawLedgerPosition) { r.EntryPrice = "0" }},
		{"zero leverage", func(r *RawLedgerPosition) { r.Leverage = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(&raw)
			_, err := ParseLedgerPosition(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "want ErrValidation, got %v", err)
		})
	}
}

func TestParseLedgerPositionDefaultsTimestamp(t *testing.T) {
	raw := validRaw()
	raw.Timestamp = 0

	parsed, err := ParseLedgerPosition(raw)
	require.NoError(t, err)
	assert.False(t, parsed.Timestamp.IsZero())
}
