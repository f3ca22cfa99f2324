package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawLedgerPosition is the ledger gateway's wire representation of a
// position. Every numeric travels as a decimal-safe string; nothing here is
// trusted until it has been through ParseLedgerPosition.
type RawLedgerPosition struct {
	PositionID string `json:"positionId"`
	Asset      string `json:"asset"`
	Size       string `json:"size"`
	Collateral string `json:"collateral"`
	EntryPrice string `json:"entryPrice"`
	Leverage   int    `json:"leverage"`
	IsOpen     bool   `json:"isOpen"`
	Timestamp  int64  `json:"timestamp"` // unix seconds
	LedgerRef  string `json:"ledgerRef,omitempty"`
}

// LedgerPosition is a validated ledger record, ready to be mapped into the
// position store.
type LedgerPosition struct {
	PositionID string
	Asset      string
	Size       decimal.Decimal
	Collateral decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   int
	IsOpen     bool
	Timestamp  time.Time
	LedgerRef  string
}

// ParseLedgerPosition validates a raw ledger record and converts its string
// numerics into decimals. All failures wrap ErrValidation so batch callers
// can classify them without string matching.
func ParseLedgerPosition(raw RawLedgerPosition) (LedgerPosition, error) {
	if strings.TrimSpace(raw.PositionID) == "" {
		return LedgerPosition{}, fmt.Errorf("%w: missing position id", ErrValidation)
	}

	asset := strings.ToUpper(strings.TrimSpace(raw.Asset))
	if asset == "" {
		return LedgerPosition{}, fmt.Errorf("%w: position %s: missing asset", ErrValidation, raw.PositionID)
	}

	size, err := decimal.NewFromString(raw.Size)
	if err != nil {
		return LedgerPosition{}, fmt.Errorf("%w: position %s: size %q is not numeric", ErrValidation, raw.PositionID, raw.Size)
	}
	if size.IsZero() {
		return LedgerPosition{}, fmt.Errorf("%w: position %s: size is zero", ErrValidation, raw.PositionID)
	}

	collateral, err := decimal.NewFromString(raw.Collateral)
	if err != nil {
		return LedgerPosition{}, fmt.Errorf("%w: position %s: collateral %q is not numeric", ErrValidation, raw.PositionID, raw.Collateral)
	}
	if collateral.Sign() < 0 {
		return LedgerPosition{}, fmt.Errorf("%w: position %s: collateral is negative", ErrValidation, raw.PositionID)
	}

	entryPrice, err := decimal.NewFromString(raw.EntryPrice)
	if err != nil {
		return LedgerPosition{}, fmt.Errorf("%w: position %s: entry price %q is not numeric", ErrValidation, raw.PositionID, raw.EntryPrice)
	}
	if entryPrice.Sign() <= 0 {
		return LedgerPosition{}, fmt.Errorf("%w: position %s: entry price must be positive", ErrValidation, raw.PositionID)
	}

	if raw.Leverage < 1 {
		return LedgerPosition{}, fmt.Errorf("%w: position %s: leverage %d out of range", ErrValidation, raw.PositionID, raw.Leverage)
	}

	ts := time.Unix(raw.Timestamp, 0).UTC()
	if raw.Timestamp <= 0 {
		ts = time.Now().UTC()
	}

	return LedgerPosition{
		PositionID: raw.PositionID,
		Asset:      asset,
		Size:       size,
		Collateral: collateral,
		EntryPrice: entryPrice,
		Leverage:   raw.Leverage,
		IsOpen:     raw.IsOpen,
		Timestamp:  ts,
		LedgerRef:  strings.TrimSpace(raw.LedgerRef),
	}, nil
}

// Ledger is the authoritative external record of position state, backed by a
// smart contract behind the gateway. Transaction signing happens on the
// gateway side; this service only reads records and requests closes.
type Ledger interface {
	GetUserPositions(ctx context.Context, owner string) ([]RawLedgerPosition, error)
	GetPosition(ctx context.Context, id string) (RawLedgerPosition, error)
	// ClosePosition asks the ledger to close the position on-chain and
	// returns the transaction reference.
	ClosePosition(ctx context.Context, owner, id string) (string, error)
}
