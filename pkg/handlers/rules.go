package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/auth"
	"github.com/relaydesk-inc/followup-engine/pkg/logging"
	"github.com/relaydesk-inc/followup-engine/pkg/repositories"
	"github.com/relaydesk-inc/followup-engine/pkg/services"
)

// RunRuleRequest is the body for POST /rules/{id}/run.
type RunRuleRequest struct {
	DryRun bool `json:"dry_run"`
	Force  bool `json:"force"`
}

// RulesHandler handles follow-up rule HTTP requests, including manual
// execution and the delivery history.
type RulesHandler struct {
	ruleService  services.RuleService
	engine       services.RuleEngine
	deliveryRepo repositories.DeliveryRepository
	logger       *zap.Logger
}

// NewRulesHandler creates a new rules handler.
func NewRulesHandler(ruleService services.RuleService, engine services.RuleEngine, deliveryRepo repositories.DeliveryRepository, logger *zap.Logger) *RulesHandler {
	return &RulesHandler{
		ruleService:  ruleService,
		engine:       engine,
		deliveryRepo: deliveryRepo,
		logger:       logger,
	}
}

// RegisterRoutes registers the rules handler's routes on the given mux.
func (h *RulesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/businesses/{bid}/rules",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.List)))
	mux.HandleFunc("POST /api/businesses/{bid}/rules",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Create)))
	mux.HandleFunc("GET /api/businesses/{bid}/rules/{id}",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Get)))
	mux.HandleFunc("PUT /api/businesses/{bid}/rules/{id}",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Update)))
	mux.HandleFunc("DELETE /api/businesses/{bid}/rules/{id}",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Delete)))
	mux.HandleFunc("POST /api/businesses/{bid}/rules/{id}/run",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Run)))
	mux.HandleFunc("GET /api/businesses/{bid}/rules/{id}/deliveries",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Deliveries)))
}

// List handles GET /api/businesses/{bid}/rules
func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}

	rules, err := h.ruleService.List(r.Context(), businessID)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to list rules")
		return
	}
	h.writeOK(w, map[string]any{"rules": rules})
}

// Create handles POST /api/businesses/{bid}/rules
func (h *RulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}

	var input services.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	rule, err := h.ruleService.Create(r.Context(), businessID, input)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to create rule")
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: rule}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/businesses/{bid}/rules/{id}
func (h *RulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	rule, err := h.ruleService.Get(r.Context(), businessID, id)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to get rule")
		return
	}
	h.writeOK(w, rule)
}

// Update handles PUT /api/businesses/{bid}/rules/{id}
func (h *RulesHandler) Update(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var input services.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	rule, err := h.ruleService.Update(r.Context(), businessID, id, input)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to update rule")
		return
	}
	h.writeOK(w, rule)
}

// Delete handles DELETE /api/businesses/{bid}/rules/{id}
func (h *RulesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.ruleService.Delete(r.Context(), businessID, id); err != nil {
		h.serviceError(w, businessID, err, "Failed to delete rule")
		return
	}
	h.writeOK(w, map[string]string{"status": "deleted"})
}

// Run handles POST /api/businesses/{bid}/rules/{id}/run
// Executes a single rule immediately. With dry_run the rule is fetched and
// evaluated but nothing is dispatched or recorded.
func (h *RulesHandler) Run(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req RunRuleRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	report, err := h.engine.RunRule(r.Context(), businessID, id, services.RunOptions{
		DryRun: req.DryRun,
		Force:  req.Force,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrRuleInactive) {
			h.writeError(w, http.StatusConflict, "rule_inactive",
				"Rule is inactive; use dry_run or force to run it anyway")
			return
		}
		h.serviceError(w, businessID, err, "Failed to run rule")
		return
	}
	h.writeOK(w, report)
}

// Deliveries handles GET /api/businesses/{bid}/rules/{id}/deliveries
// Returns the rule's delivery ledger entries, newest first. The optional
// limit query parameter caps the page size.
func (h *RulesHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	deliveries, err := h.deliveryRepo.ListByRule(r.Context(), businessID, id, limit)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to list deliveries")
		return
	}
	h.writeOK(w, map[string]any{"deliveries": deliveries})
}

func (h *RulesHandler) businessID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	businessID, err := uuid.Parse(r.PathValue("bid"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_business_id", "Invalid business ID format")
		return uuid.Nil, false
	}
	return businessID, true
}

func (h *RulesHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid rule ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *RulesHandler) serviceError(w http.ResponseWriter, businessID uuid.UUID, err error, logMsg string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Rule or mapping not found")
	case errors.Is(err, apperrors.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", "A rule with this name already exists")
	case errors.Is(err, apperrors.ErrMappingField), errors.Is(err, apperrors.ErrUnknownPredicate):
		h.writeError(w, http.StatusBadRequest, "invalid_condition", err.Error())
	case errors.Is(err, apperrors.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		// Anything unclassified is an internal failure; its text may carry
		// connector or driver detail and never reaches the client.
		h.logger.Error(logMsg,
			zap.String("business_id", businessID.String()),
			zap.String("error", logging.SanitizeError(err)))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
	}
}

func (h *RulesHandler) writeOK(w http.ResponseWriter, data any) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *RulesHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
