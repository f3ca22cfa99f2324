package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lunarfi/liquidator/internal/domain"
	"github.com/lunarfi/liquidator/internal/reconcile"
)

// SyncService defines the reconciliation methods the sync handler requires.
type SyncService interface {
	SyncBulk(ctx context.Context, owner string, raws []domain.RawLedgerPosition) reconcile.Result
	SyncOwner(ctx context.Context, owner string) (reconcile.Result, error)
}

// SyncHandler serves the ledger reconciliation endpoints.
type SyncHandler struct {
	sync   SyncService
	logger *slog.Logger
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(sync SyncService, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		sync:   sync,
		logger: logger,
	}
}

// syncRequest is the push-style sync body: the caller supplies the raw ledger
// records. When positions is empty, the records are pulled from the ledger
// gateway instead.
type syncRequest struct {
	Owner     string                     `json:"owner"`
	Positions []domain.RawLedgerPosition `json:"positions,omitempty"`
}

// Sync reconciles ledger records into the position store and reports per-item
// outcomes. Individual record failures never fail the request.
// POST /api/sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner required")
		return
	}

	var (
		res reconcile.Result
		err error
	)
	if len(req.Positions) > 0 {
		res = h.sync.SyncBulk(r.Context(), req.Owner, req.Positions)
	} else {
		res, err = h.sync.SyncOwner(r.Context(), req.Owner)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: sync failed",
			slog.String("owner", req.Owner),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, domain.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "ledger sync failed")
		return
	}

	writeJSON(w, http.StatusOK, res)
}
