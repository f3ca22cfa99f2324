// Package service contains the application services that sit between the
// HTTP/monitor layers and the stores.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// PositionService owns the position record lifecycle: upserts (direct or
// ledger-driven), manual closes, metric refreshes, and the derived trade
// ledger entries.
type PositionService struct {
	positions domain.PositionStore
	trades    domain.TradeStore
	ledger    domain.Ledger
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. ledger may be nil; manual
// closes then record the caller-supplied ledger ref without an on-chain
// close.
func NewPositionService(positions domain.PositionStore, trades domain.TradeStore, ledger domain.Ledger, logger *slog.Logger) *PositionService {
	return &PositionService{
		positions: positions,
		trades:    trades,
		ledger:    ledger,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

func validatePosition(p domain.Position) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: missing position id", domain.ErrValidation)
	}
	if strings.TrimSpace(p.Owner) == "" {
		return fmt.Errorf("%w: position %s: missing owner", domain.ErrValidation, p.ID)
	}
	if strings.TrimSpace(p.Asset) == "" {
		return fmt.Errorf("%w: position %s: missing asset", domain.ErrValidation, p.ID)
	}
	if p.Size.IsZero() {
		return fmt.Errorf("%w: position %s: size is zero", domain.ErrValidation, p.ID)
	}
	if p.Collateral.Sign() < 0 {
		return fmt.Errorf("%w: position %s: negative collateral", domain.ErrValidation, p.ID)
	}
	if p.EntryPrice.Sign() <= 0 {
		return fmt.Errorf("%w: position %s: entry price must be positive", domain.ErrValidation, p.ID)
	}
	if p.Leverage < 1 {
		return fmt.Errorf("%w: position %s: leverage %d out of range", domain.ErrValidation, p.ID, p.Leverage)
	}
	return nil
}

// Upsert creates or overwrites a position record. When ledgerRef is
// non-empty and the record is open, it also appends the opening trade; the
// (position_id, ledger_ref) uniqueness in the trade store keeps repeated
// syncs of the same ledger event from duplicating it.
func (s *PositionService) Upsert(ctx context.Context, p domain.Position, ledgerRef string) (string, error) {
	if err := validatePosition(p); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if p.Status == "" {
		p.Status = domain.PositionStatusOpen
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	if err := s.positions.Upsert(ctx, p); err != nil {
		return "", fmt.Errorf("position_service: upsert %q: %w", p.ID, err)
	}

	if ledgerRef != "" && p.Status == domain.PositionStatusOpen {
		trade := domain.Trade{
			PositionID: p.ID,
			Type:       p.OpenTradeType(),
			Asset:      p.Asset,
			Size:       p.Size,
			Price:      p.EntryPrice,
			Collateral: p.Collateral,
			Leverage:   p.Leverage,
			PnL:        decimal.Zero,
			LedgerRef:  ledgerRef,
			Timestamp:  now,
		}
		if err := s.trades.Append(ctx, trade); err != nil {
			return "", fmt.Errorf("position_service: append open trade %q: %w", p.ID, err)
		}
	}

	s.logger.InfoContext(ctx, "position upserted",
		slog.String("position_id", p.ID),
		slog.String("asset", p.Asset),
		slog.String("size", p.Size.String()),
		slog.String("status", string(p.Status)),
	)

	return p.ID, nil
}

// Close terminates a position at the given close price, freezing pnl and
// appending the closing trade. It returns the ledger ref recorded on the
// trade, domain.ErrNotFound for unknown ids, and domain.ErrConflict when the
// position is already closed or claimed by the liquidation monitor (another
// actor won the race; benign).
//
// With a ledger gateway wired, the store row is claimed first, then closed
// on the ledger, then closed locally; the returned tx hash overrides the
// caller-supplied ledgerRef. The claim keeps a monitor pass off the row
// while the gateway call is in flight, the same at-most-once discipline the
// monitor itself follows.
func (s *PositionService) Close(ctx context.Context, id string, closePrice, pnl decimal.Decimal, ledgerRef string) (string, error) {
	pos, err := s.positions.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("position_service: get %q: %w", id, err)
	}

	if s.ledger != nil {
		if err := s.positions.Claim(ctx, id); err != nil {
			return "", fmt.Errorf("position_service: claim %q: %w", id, err)
		}

		ref, err := s.ledger.ClosePosition(ctx, pos.Owner, id)
		if err != nil {
			if relErr := s.positions.Release(ctx, id); relErr != nil {
				s.logger.ErrorContext(ctx, "release after ledger failure failed",
					slog.String("position_id", id),
					slog.String("error", relErr.Error()),
				)
			}
			return "", fmt.Errorf("position_service: close %q on ledger: %w: %v", id, domain.ErrExternal, err)
		}
		ledgerRef = ref

		if err := s.positions.CloseClaimed(ctx, id, pnl, decimal.NullDecimal{}); err != nil {
			return "", fmt.Errorf("position_service: close claimed %q: %w", id, err)
		}
	} else {
		if err := s.positions.Close(ctx, id, pnl, decimal.NullDecimal{}); err != nil {
			return "", fmt.Errorf("position_service: close %q: %w", id, err)
		}
	}

	trade := domain.Trade{
		PositionID: id,
		Type:       pos.CloseTradeType(),
		Asset:      pos.Asset,
		Size:       pos.Size,
		Price:      closePrice,
		Collateral: pos.Collateral,
		Leverage:   pos.Leverage,
		PnL:        pnl,
		LedgerRef:  ledgerRef,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.trades.Append(ctx, trade); err != nil {
		return "", fmt.Errorf("position_service: append close trade %q: %w", id, err)
	}

	s.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", id),
		slog.String("close_price", closePrice.String()),
		slog.String("pnl", pnl.String()),
		slog.String("ledger_ref", ledgerRef),
	)

	return ledgerRef, nil
}

// UpdateMetrics refreshes pnl and the optional metrics of an open position.
// When currentPrice is supplied, pnl and the liquidation-price estimate are
// recomputed from it, overriding the supplied pnl.
func (s *PositionService) UpdateMetrics(ctx context.Context, id string, currentPrice *decimal.Decimal, pnl decimal.Decimal, liquidationPrice, fundingRate decimal.NullDecimal) error {
	patch := domain.MetricsPatch{
		PnL:              pnl,
		LiquidationPrice: liquidationPrice,
		FundingRate:      fundingRate,
	}

	if currentPrice != nil {
		pos, err := s.positions.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("position_service: get %q: %w", id, err)
		}
		patch.PnL = pos.UnrealizedPnL(*currentPrice)
		if !patch.LiquidationPrice.Valid {
			patch.LiquidationPrice = decimal.NewNullDecimal(pos.EstimatedLiquidationPrice())
		}
	}

	if err := s.positions.UpdateMetrics(ctx, id, patch); err != nil {
		return fmt.Errorf("position_service: update metrics %q: %w", id, err)
	}
	return nil
}

// Get returns a single position by id.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	return pos, nil
}

// ListByOwner returns an owner's positions, optionally filtered by lifecycle
// state, most recent first.
func (s *PositionService) ListByOwner(ctx context.Context, owner string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListByOwner(ctx, owner, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list by owner %q: %w", owner, err)
	}
	return positions, nil
}

// ListByAsset returns positions for one asset, most recent first.
func (s *PositionService) ListByAsset(ctx context.Context, asset string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.positions.ListByAsset(ctx, asset, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list by asset %q: %w", asset, err)
	}
	return positions, nil
}

// TradesByPosition returns the trade ledger entries of one position.
func (s *PositionService) TradesByPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	trades, err := s.trades.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("position_service: trades for %q: %w", positionID, err)
	}
	return trades, nil
}

// TradesByOwner returns trade ledger entries across an owner's positions.
func (s *PositionService) TradesByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListByOwner(ctx, owner, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: trades for owner %q: %w", owner, err)
	}
	return trades, nil
}
