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

// ConnectionsHandler handles external connection HTTP requests.
type ConnectionsHandler struct {
	connectionService services.ConnectionService
	logger            *zap.Logger
}

// NewConnectionsHandler creates a new connections handler.
func NewConnectionsHandler(connectionService services.ConnectionService, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{
		connectionService: connectionService,
		logger:            logger,
	}
}

// RegisterRoutes registers the connections handler's routes on the given mux.
func (h *ConnectionsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/businesses/{bid}/connections",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.List)))
	mux.HandleFunc("POST /api/businesses/{bid}/connections",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Create)))
	mux.HandleFunc("GET /api/businesses/{bid}/connections/{id}",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Get)))
	mux.HandleFunc("PUT /api/businesses/{bid}/connections/{id}",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Update)))
	mux.HandleFunc("DELETE /api/businesses/{bid}/connections/{id}",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Delete)))
	mux.HandleFunc("POST /api/businesses/{bid}/connections/{id}/test",
		authMiddleware.RequireAuthWithPathValidation("bid")(tenantMiddleware(h.Test)))
	mux.HandleFunc("GET /api/businesses/{bid}/connections/drivers",
		authMiddleware.RequireAuthWithPathValidation("bid")(h.ListDrivers))
}

// List handles GET /api/businesses/{bid}/connections
func (h *ConnectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}

	connections, err := h.connectionService.List(r.Context(), businessID)
	if err != nil {
		h.logger.Error("Failed to list connections",
			zap.String("business_id", businessID.String()),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list connections")
		return
	}

	h.writeOK(w, map[string]any{"connections": connections})
}

// Create handles POST /api/businesses/{bid}/connections
func (h *ConnectionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}

	var input services.ConnectionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	conn, err := h.connectionService.Create(r.Context(), businessID, input)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to create connection")
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: conn}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/businesses/{bid}/connections/{id}
func (h *ConnectionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	conn, err := h.connectionService.Get(r.Context(), businessID, id)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to get connection")
		return
	}
	h.writeOK(w, conn)
}

// Update handles PUT /api/businesses/{bid}/connections/{id}
func (h *ConnectionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var input services.ConnectionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	conn, err := h.connectionService.Update(r.Context(), businessID, id, input)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to update connection")
		return
	}
	h.writeOK(w, conn)
}

// Delete handles DELETE /api/businesses/{bid}/connections/{id}
func (h *ConnectionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.connectionService.Delete(r.Context(), businessID, id); err != nil {
		h.serviceError(w, businessID, err, "Failed to delete connection")
		return
	}
	h.writeOK(w, map[string]string{"status": "deleted"})
}

// Test handles POST /api/businesses/{bid}/connections/{id}/test
func (h *ConnectionsHandler) Test(w http.ResponseWriter, r *http.Request) {
	businessID, ok := h.businessID(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	result, err := h.connectionService.Test(r.Context(), businessID, id)
	if err != nil {
		h.serviceError(w, businessID, err, "Failed to test connection")
		return
	}
	h.writeOK(w, result)
}

// ListDrivers handles GET /api/businesses/{bid}/connections/drivers
// Returns the connector types compiled into this binary.
func (h *ConnectionsHandler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	h.writeOK(w, map[string]any{"drivers": h.connectionService.ListDrivers()})
}

func (h *ConnectionsHandler) businessID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	businessID, err := uuid.Parse(r.PathValue("bid"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_business_id", "Invalid business ID format")
		return uuid.Nil, false
	}
	return businessID, true
}

func (h *ConnectionsHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Invalid connection ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *ConnectionsHandler) serviceError(w http.ResponseWriter, businessID uuid.UUID, err error, logMsg string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Connection not found")
	case errors.Is(err, apperrors.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", "A connection with this name already exists")
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

func (h *ConnectionsHandler) writeOK(w http.ResponseWriter, data any) {
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *ConnectionsHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
