package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// MarketDataService defines the market data methods the handler requires.
type MarketDataService interface {
	Latest(ctx context.Context, asset string) (domain.MarketData, error)
	Upsert(ctx context.Context, md domain.MarketData) error
}

// MarketDataHandler serves the market data endpoints.
type MarketDataHandler struct {
	marketData MarketDataService
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewMarketDataHandler creates a MarketDataHandler. staleAfter controls the
// stale flag on reads.
func NewMarketDataHandler(md MarketDataService, staleAfter time.Duration, logger *slog.Logger) *MarketDataHandler {
	return &MarketDataHandler{
		marketData: md,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// marketDataResponse decorates the snapshot with the server's staleness
// judgement so clients don't need the threshold.
type marketDataResponse struct {
	domain.MarketData
	Stale bool `json:"stale"`
}

// GetMarketData returns the latest snapshot for an asset.
// GET /api/marketdata/{asset}
func (h *MarketDataHandler) GetMarketData(w http.ResponseWriter, r *http.Request) {
	asset := r.PathValue("asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "asset required")
		return
	}

	md, err := h.marketData.Latest(r.Context(), asset)
	if err != nil {
		writeDomainError(w, err, "failed to get market data")
		return
	}

	writeJSON(w, http.StatusOK, marketDataResponse{
		MarketData: md,
		Stale:      md.StaleAfter(time.Now().UTC(), h.staleAfter),
	})
}

// upsertMarketDataRequest carries a snapshot with string numerics.
type upsertMarketDataRequest struct {
	Asset          string `json:"asset"`
	Price          string `json:"price"`
	PriceChange24h string `json:"priceChange24h,omitempty"`
	Volume24h      string `json:"volume24h,omitempty"`
	FundingRate    string `json:"fundingRate,omitempty"`
	Source         string `json:"source,omitempty"`
}

// UpsertMarketData ingests a snapshot directly, bypassing the oracle feed.
// Intended for backfills and tests.
// POST /api/marketdata
func (h *MarketDataHandler) UpsertMarketData(w http.ResponseWriter, r *http.Request) {
	var req upsertMarketDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, "price must be a decimal string")
		return
	}

	md := domain.MarketData{
		Asset:       req.Asset,
		Price:       price,
		Source:      req.Source,
		LastUpdated: time.Now().UTC(),
	}
	if md.Source == "" {
		md.Source = "api"
	}

	if md.PriceChange24h, err = parseOptionalDecimal(req.PriceChange24h); err != nil {
		writeError(w, http.StatusBadRequest, "priceChange24h must be a decimal string")
		return
	}
	if md.Volume24h, err = parseOptionalDecimal(req.Volume24h); err != nil {
		writeError(w, http.StatusBadRequest, "volume24h must be a decimal string")
		return
	}
	if md.FundingRate, err = parseOptionalDecimal(req.FundingRate); err != nil {
		writeError(w, http.StatusBadRequest, "fundingRate must be a decimal string")
		return
	}

	if err := h.marketData.Upsert(r.Context(), md); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: upsert market data failed",
			slog.String("asset", req.Asset),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err, "failed to upsert market data")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"asset": md.Asset, "status": "updated"})
}

func parseOptionalDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
