package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/auth"
	"github.com/relaydesk-inc/followup-engine/pkg/logging"
	"github.com/relaydesk-inc/followup-engine/pkg/services"
)

// MappingsHandler handles field mapping HTTP requests.
type MappingsHandler struct {
	mappingService services.MappingService
	logger         *zap.Logger
}

// NewMappingsHandler creates a new mappings handler.
func NewMappingsHandler(mappingService services.MappingService, logger *zap.Logger) *MappingsHandler {
	return &MappingsHandler{
		mappingService: mappingService,
		logger:         logger,
	}
}

// RegisterRoutes registers the mappings handler's routes on the given mux.
func (h *MappingsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/businesses/{bid}/connections/{cid}/mappings",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.ListByConnection)))
	mux.HandleFunc("POST /api/businesses/{bid}/mappings",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Create)))
	mux.HandleFunc("GET /api/businesses/{bid}/mappings/{id}",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Get)))
	mux.HandleFunc("DELETE /api/businesses/{bid}/mappings/{id}",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Delete)))
	mux.HandleFunc("POST /api/businesses/{bid}/mappings/{id}/validate",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Validate)))
}

// ListByConnection handles GET /api/businesses/{bid}/connections/{cid}/mappings
func (h *MappingsHandler) ListByConnection(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	connectionID, err := uuid.Parse(r.PathValue("cid"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid connection ID format")
		return
	}

	mappings, err := h.mappingService.ListByConnection(r.Context(), businessID, connectionID)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to list mappings")
		return
	}
	h.writeOK(w, map[string]any{"mappings": mappings})
}

// Create handles POST /api/businesses/{bid}/mappings
func (h *MappingsHandler) Create(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}

	var input services.MappingInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	mapping, err := h.mappingService.Create(r.Context(), businessID, input)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to create mapping")
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: mapping}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/businesses/{bid}/mappings/{id}
func (h *MappingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	mapping, err := h.mappingService.Get(r.Context(), businessID, id)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to get mapping")
		return
	}
	h.writeOK(w, mapping)
}

// Delete handles DELETE /api/businesses/{bid}/mappings/{id}
func (h *MappingsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.mappingService.Delete(r.Context(), businessID, id); err != nil {
		h.serviceError(w, businessID, err, "Failed to delete mapping")
		return
	}
	h.writeOK(w, map[string]string{"status": "deleted"})
}

// Validate handles POST /api/businesses/{bid}/mappings/{id}/validate
// Probes the live tenant database to verify the mapped resource and columns
// exist and are selectable.
func (h *MappingsHandler) Validate(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	result, err := h.mappingService.Validate(r.Context(), businessID, id)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to validate mapping")
		return
	}
	h.writeOK(w, result)
}

func (h *MappingsHandler) businessID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	businessID, err := uuid.Parse(r.PathValue("bid"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_business_id", "Invalid business ID format")
		return uuid.Nil, false
	}
	return businessID, true
}

func (h *MappingsHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid mapping ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *MappingsHandler) serviceError(w http.ResponseWriter, businessID uuid.UUID, err error, logMsg string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Mapping or connection not found")
	case errors.Is(err, apperrors.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", "A mapping for this resource already exists")
	case errors.Is(err, apperrors.ErrMappingField), errors.Is(err, apperrors.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "invalid_mapping", err.Error())
	default:
		// Anything unclassified is an internal failure; its text may carry
		// connector or driver detail and never reaches the client.
		h.logger.Error(logMsg,
			zap.String("business_id", businessID.String()),
			zap.String("error", logging.SanitizeError(err)))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "An internal error occurred")
	}
}

func (h *MappingsHandler) writeOK(w http.ResponseWriter, data any) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *MappingsHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
