package handler

import (
	"log/slog"
	"net/http"

	"github.com/lunarfi/liquidator/internal/domain"
)

// LiquidationHandler serves the liquidation history endpoints.
type LiquidationHandler struct {
	liquidations domain.LiquidationStore
	logger       *slog.Logger
}

// NewLiquidationHandler creates a LiquidationHandler.
func NewLiquidationHandler(liquidations domain.LiquidationStore, logger *slog.Logger) *LiquidationHandler {
	return &LiquidationHandler{
		liquidations: liquidations,
		logger:       logger,
	}
}

// listLiquidationsResponse wraps the liquidation list response.
type listLiquidationsResponse struct {
	Liquidations []domain.Liquidation `json:"liquidations"`
}

// ListLiquidations returns liquidation records, filtered by owner or asset
// when given, most recent ones otherwise.
// GET /api/liquidations?owner=0x...
// GET /api/liquidations?asset=BTC
// GET /api/liquidations?limit=20
func (h *LiquidationHandler) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	asset := r.URL.Query().Get("asset")
	opts := parseListOpts(r)

	var (
		liqs []domain.Liquidation
		err  error
	)
	switch {
	case owner != "":
		liqs, err = h.liquidations.ListByOwner(r.Context(), owner, opts)
	case asset != "":
		liqs, err = h.liquidations.ListByAsset(r.Context(), asset, opts)
	default:
		liqs, err = h.liquidations.ListRecent(r.Context(), opts.Limit)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list liquidations failed",
			slog.String("owner", owner),
			slog.String("asset", asset),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to list liquidations")
		return
	}

	if liqs == nil {
		liqs = []domain.Liquidation{}
	}

	writeJSON(w, http.StatusOK, listLiquidationsResponse{Liquidations: liqs})
}
