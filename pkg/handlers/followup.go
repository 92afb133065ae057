package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/auth"
	"github.com/relaydesk-inc/followup-engine/pkg/services"
)

// FollowupHandler exposes the scheduler's status and manual batch trigger.
// These are platform-internal endpoints, not tenant-facing: the cron-run
// trigger executes rules across all businesses.
type FollowupHandler struct {
	scheduler *services.Scheduler
	logger    *zap.Logger
}

// NewFollowupHandler creates a new followup handler.
func NewFollowupHandler(scheduler *services.Scheduler, logger *zap.Logger) *FollowupHandler {
	return &FollowupHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// RegisterRoutes registers the followup handler's routes on the given mux.
func (h *FollowupHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /followup/cron-run", authMiddleware.RequirePlatformService(h.Status))
	mux.HandleFunc("POST /followup/cron-run", authMiddleware.RequirePlatformService(h.Trigger))
}

// Status handles GET /followup/cron-run
// Reports whether the scheduler is running and the outcome of its last batch.
func (h *FollowupHandler) Status(w http.ResponseWriter, r *http.Request) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: h.scheduler.Status()}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Trigger handles POST /followup/cron-run
// Runs one batch over all active rules immediately. Returns 409 when a batch
// is already in progress.
func (h *FollowupHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	report, err := h.scheduler.ManualTrigger(r.Context())
	if err != nil {
		if errors.Is(err, services.ErrBatchInProgress) {
			if err := ErrorResponse(w, http.StatusConflict, "batch_in_progress", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		h.logger.Error("Manual batch trigger failed", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Batch execution failed"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: report}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
