// Package margin implements the maintenance-margin decision algorithm. It is
// deliberately pure: no stores, no clocks of its own, no side effects, so the
// decision is trivially testable and the monitor owns all I/O.
package margin

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// Outcome is the tri-state result of a margin evaluation. Indeterminate is
// not an error and must never be read as "safe": it means the evaluator had
// no trustworthy price and the caller should retry on the next pass.
type Outcome int

const (
	OutcomeHealthy Outcome = iota
	OutcomeLiquidate
	OutcomeIndeterminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeLiquidate:
		return "liquidate"
	case OutcomeIndeterminate:
		return "indeterminate"
	default:
		return "unknown"
	}
}

// Decision carries the outcome together with the numbers behind it.
type Decision struct {
	Outcome        Outcome
	RequiredMargin decimal.Decimal
	CurrentPrice   decimal.Decimal
	// Reason explains an indeterminate outcome ("no market data",
	// "stale market data").
	Reason string
}

// RequiredMargin computes |size| * price / leverage. It rejects structurally
// broken positions (leverage < 1, negative collateral, non-positive price)
// with ErrValidation rather than treating them as liquidation triggers.
func RequiredMargin(p domain.Position, price decimal.Decimal) (decimal.Decimal, error) {
	if p.Leverage < 1 {
		return decimal.Zero, fmt.Errorf("%w: position %s: leverage %d out of range", domain.ErrValidation, p.ID, p.Leverage)
	}
	if p.Collateral.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: position %s: negative collateral", domain.ErrValidation, p.ID)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: position %s: non-positive price", domain.ErrValidation, p.ID)
	}
	return p.Size.Abs().Mul(price).Div(decimal.NewFromInt(int64(p.Leverage))), nil
}

// Evaluate decides whether the position violates maintenance margin at the
// latest snapshot. md may be nil when no snapshot exists for the asset.
//
// The threshold is a single binary check with no hysteresis, grace period, or
// margin tiers; that matches the ledger contract's own check exactly, at the
// cost of being sensitive to price-feed jitter. Known limitation, kept for
// compatibility.
func Evaluate(p domain.Position, md *domain.MarketData, now time.Time, staleAfter time.Duration) (Decision, error) {
	if !p.IsOpen() {
		return Decision{Outcome: OutcomeHealthy}, nil
	}

	if md == nil {
		return Decision{Outcome: OutcomeIndeterminate, Reason: "no market data"}, nil
	}
	if md.StaleAfter(now, staleAfter) {
		return Decision{Outcome: OutcomeIndeterminate, Reason: "stale market data"}, nil
	}

	required, err := RequiredMargin(p, md.Price)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Outcome:        OutcomeHealthy,
		RequiredMargin: required,
		CurrentPrice:   md.Price,
	}
	if required.GreaterThan(p.Collateral) {
		d.Outcome = OutcomeLiquidate
	}
	return d, nil
}
