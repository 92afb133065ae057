package database

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/auth"
)

// WithTenantContext creates middleware that sets up a tenant-scoped DB
// connection. It runs AFTER auth middleware and uses the business ID from
// JWT claims. The connection is automatically cleaned up after the handler
// returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.GetClaims(r.Context())
			if !ok || claims.BusinessID == "" {
				logger.Error("Missing business context in claims")
				writeError(w, http.StatusInternalServerError, "internal_error", "Missing business context")
				return
			}

			businessID, err := uuid.Parse(claims.BusinessID)
			if err != nil {
				logger.Error("Invalid business ID format in claims",
					zap.String("business_id", claims.BusinessID),
					zap.Error(err))
				writeError(w, http.StatusBadRequest, "invalid_business_id", "Invalid business ID format")
				return
			}

			scope, err := db.WithTenant(r.Context(), businessID)
			if err != nil {
				logger.Error("Failed to acquire tenant connection",
					zap.String("business_id", businessID.String()),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetTenantScope(r.Context(), scope)
			next(w, r.WithContext(ctx))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
