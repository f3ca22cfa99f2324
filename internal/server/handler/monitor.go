package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lunarfi/liquidator/internal/domain"
	"github.com/lunarfi/liquidator/internal/monitor"
)

// MonitorService defines the monitor methods the handler requires.
type MonitorService interface {
	RunPass(ctx context.Context) (monitor.Summary, error)
}

// MonitorHandler exposes an on-demand liquidation pass.
type MonitorHandler struct {
	monitor MonitorService
	logger  *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler.
func NewMonitorHandler(m MonitorService, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor: m,
		logger:  logger,
	}
}

// RunPass triggers a single liquidation pass and returns its summary.
// Returns 409 when a pass is already running.
// POST /api/monitor/run
func (h *MonitorHandler) RunPass(w http.ResponseWriter, r *http.Request) {
	summary, err := h.monitor.RunPass(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			writeError(w, http.StatusConflict, "a liquidation pass is already running")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: monitor pass failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "liquidation pass failed")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
