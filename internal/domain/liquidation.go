package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReasonMaintenanceMargin is the only liquidation reason the monitor emits:
// required margin at the current price exceeded the posted collateral.
const ReasonMaintenanceMargin = "maintenance_margin"

// Liquidation records a forced closure of a position. At most one exists per
// position; its presence implies the position is closed with a "liquidate"
// trade in the trade ledger.
type Liquidation struct {
	ID               int64
	PositionID       string
	Owner            string
	Asset            string
	Size             decimal.Decimal
	Collateral       decimal.Decimal
	LiquidationPrice decimal.Decimal
	Reason           string
	LedgerRef        string
	Timestamp        time.Time
}
