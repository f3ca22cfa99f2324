package margin

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarfi/liquidator/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openPosition(size, collateral, entryPrice string, leverage int) domain.Position {
	return domain.Position{
		ID:         "pos-1",
		Owner:      "0xowner",
		Asset:      "BTC",
		Size:       dec(size),
		Collateral: dec(collateral),
		EntryPrice: dec(entryPrice),
		Leverage:   leverage,
		Status:     domain.PositionStatusOpen,
	}
}

func snapshot(price string, age time.Duration, now time.Time) *domain.MarketData {
	return &domain.MarketData{
		Asset:       "BTC",
		Price:       dec(price),
		Source:      "oracle",
		LastUpdated: now.Add(-age),
	}
}

func TestRequiredMargin(t *testing.T) {
	tests := []struct {
		name     string
		position domain.Position
		price    string
		want     string
	}{
		{"long", openPosition("0.1", "100", "50000", 5), "55000", "1100"},
		{"short uses absolute size", openPosition("-2", "100", "100", 4), "100", "50"},
		{"leverage one", openPosition("1", "100", "100", 1), "120", "120"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequiredMargin(tt.position, dec(tt.price))
			require.NoError(t, err)
			assert.True(t, got.Equal(dec(tt.want)), "required margin: got %s want %s", got, tt.want)
		})
	}
}

func TestRequiredMarginRejectsBrokenPositions(t *testing.T) {
	tests := []struct {
		name     string
		position domain.Position
		price    string
	}{
		{"zero leverage", openPosition("1", "100", "100", 0), "100"},
		{"negative collateral", openPosition("1", "-1", "100", 5), "100"},
		{"zero price", openPosition("1", "100", "100", 5), "0"},
		{"negative price", openPosition("1", "100", "100", 5), "-5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RequiredMargin(tt.position, dec(tt.price))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrValidation), "want ErrValidation, got %v", err)
		})
	}
}

func TestEvaluateLiquidates(t *testing.T) {
	now := time.Now().UTC()
	staleAfter := 90 * time.Second

	// 0.1 BTC at 5x with 100 collateral: required margin is 1100 at 55000
	// and 1010 at 50500, both above collateral.
	for _, price := range []string{"55000", "50500"} {
		p := openPosition("0.1", "100", "50000", 5)
		d, err := Evaluate(p, snapshot(price, 0, now), now, staleAfter)
		require.NoError(t, err)
		assert.Equal(t, OutcomeLiquidate, d.Outcome, "price %s", price)
		assert.True(t, d.CurrentPrice.Equal(dec(price)))
	}
}

func TestEvaluateHealthy(t *testing.T) {
	now := time.Now().UTC()

	p := openPosition("0.1", "1200", "50000", 5)
	d, err := Evaluate(p, snapshot("55000", 0, now), now, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealthy, d.Outcome)
	assert.True(t, d.RequiredMargin.Equal(dec("1100")))
}

func TestEvaluateBoundaryIsHealthy(t *testing.T) {
	now := time.Now().UTC()

	// required == collateral exactly: 1 * 1000 / 10 = 100.
	p := openPosition("1", "100", "900", 10)
	d, err := Evaluate(p, snapshot("1000", 0, now), now, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealthy, d.Outcome)
}

func TestEvaluateIndeterminate(t *testing.T) {
	now := time.Now().UTC()
	staleAfter := 90 * time.Second
	p := openPosition("0.1", "100", "50000", 5)

	t.Run("no market data", func(t *testing.T) {
		d, err := Evaluate(p, nil, now, staleAfter)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIndeterminate, d.Outcome)
		assert.Equal(t, "no market data", d.Reason)
	})

	t.Run("stale market data", func(t *testing.T) {
		d, err := Evaluate(p, snapshot("55000", 5*time.Minute, now), now, staleAfter)
		require.NoError(t, err)
		assert.Equal(t, OutcomeIndeterminate, d.Outcome)
		assert.Equal(t, "stale market data", d.Reason)
	})

	t.Run("zero staleAfter disables staleness", func(t *testing.T) {
		d, err := Evaluate(p, snapshot("55000", 5*time.Minute, now), now, 0)
		require.NoError(t, err)
		assert.Equal(t, OutcomeLiquidate, d.Outcome)
	})
}

func TestEvaluateClosedPositionIsHealthy(t *testing.T) {
	now := time.Now().UTC()

	p := openPosition("0.1", "100", "50000", 5)
	p.Status = domain.PositionStatusClosed

	d, err := Evaluate(p, snapshot("55000", 0, now), now, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHealthy, d.Outcome)
}

func TestEvaluatePropagatesValidation(t *testing.T) {
	now := time.Now().UTC()

	p := openPosition("0.1", "100", "50000", 0)
	_, err := Evaluate(p, snapshot("55000", 0, now), now, 90*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
