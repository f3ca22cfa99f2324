package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Get(ctx context.Context, id string) (domain.Position, error)
	ListByOwner(ctx context.Context, owner string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error)
	ListByAsset(ctx context.Context, asset string, filter domain.StatusFilter, opts domain.ListOpts) ([]domain.Position, error)
	Close(ctx context.Context, id string, closePrice, pnl decimal.Decimal, ledgerRef string) (string, error)
	TradesByPosition(ctx context.Context, positionID string) ([]domain.Trade, error)
	TradesByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Trade, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions filtered by owner or asset.
// GET /api/positions?owner=0x...&status=open
// GET /api/positions?asset=BTC&status=closed
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	asset := r.URL.Query().Get("asset")
	if owner == "" && asset == "" {
		writeError(w, http.StatusBadRequest, "owner or asset query parameter required")
		return
	}

	filter := parseStatusFilter(r)
	opts := parseListOpts(r)

	var (
		positions []domain.Position
		err       error
	)
	if owner != "" {
		positions, err = h.positions.ListByOwner(r.Context(), owner, filter, opts)
	} else {
		positions, err = h.positions.ListByAsset(r.Context(), asset, filter, opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("owner", owner),
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to list positions")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}

	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns a single position by id.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}

	pos, err := h.positions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// closePositionRequest is the body of a manual close. Numeric fields travel
// as strings to keep decimal precision intact.
type closePositionRequest struct {
	ClosePrice string `json:"closePrice"`
	PnL        string `json:"pnl,omitempty"`
	LedgerRef  string `json:"ledgerRef,omitempty"`
}

// ClosePosition closes an open position at a caller-supplied price. When pnl
// is omitted it is computed from the close price. With a ledger gateway
// configured the close goes through it and the returned tx hash becomes the
// trade's ledger ref; the body's ledgerRef only applies without a gateway.
// Returns 409 when the position is already closed or claimed by the
// liquidation monitor, 502 when the gateway refuses the close.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}

	var req closePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	closePrice, err := decimal.NewFromString(req.ClosePrice)
	if err != nil || closePrice.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "closePrice must be a positive decimal string")
		return
	}

	var pnl decimal.Decimal
	if req.PnL != "" {
		pnl, err = decimal.NewFromString(req.PnL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "pnl must be a decimal string")
			return
		}
	} else {
		pos, err := h.positions.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err, "failed to get position")
			return
		}
		pnl = pos.UnrealizedPnL(closePrice)
	}

	ledgerRef, err := h.positions.Close(r.Context(), id, closePrice, pnl, req.LedgerRef)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to close position")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"positionId": id,
		"closed":     true,
		"pnl":        pnl.String(),
		"ledgerRef":  ledgerRef,
	})
}

// listTradesResponse wraps the trade list response.
type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// ListPositionTrades returns the trade ledger of one position.
// GET /api/positions/{id}/trades
func (h *PositionHandler) ListPositionTrades(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}

	trades, err := h.positions.TradesByPosition(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to list trades")
		return
	}

	if trades == nil {
		trades = []domain.Trade{}
	}

	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// ListTrades returns trades across all of an owner's positions.
// GET /api/trades?owner=0x...
func (h *PositionHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter required")
		return
	}

	trades, err := h.positions.TradesByOwner(r.Context(), owner, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err, "failed to list trades")
		return
	}

	if trades == nil {
		trades = []domain.Trade{}
	}

	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}
