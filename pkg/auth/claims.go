// Package auth provides JWT-based authentication for followup-engine.
// It validates tokens issued by the platform's auth server using JWKS
// endpoints and scopes every request to the business carried in the token.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
)

// Claims is the JWT claims structure issued by the platform auth server.
// It embeds RegisteredClaims for standard JWT fields (sub, iss, exp, etc.)
// and adds the business scope.
type Claims struct {
	jwt.RegisteredClaims
	BusinessID string   `json:"bid,omitempty"`   // Business UUID
	Email      string   `json:"email,omitempty"` // User email address
	Roles      []string `json:"roles,omitempty"` // User roles within the business
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
// Returns empty string and false if token is not present.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// ExtractClaimsFromContext extracts business ID and user ID from JWT claims
// in context. Returns an error if not authenticated or claims are invalid.
func ExtractClaimsFromContext(ctx context.Context) (uuid.UUID, string, error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return uuid.Nil, "", fmt.Errorf("authentication required: no claims in context")
	}

	if claims.BusinessID == "" {
		return uuid.Nil, "", fmt.Errorf("missing business ID in JWT claims")
	}

	businessID, err := uuid.Parse(claims.BusinessID)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid business ID format: %w", err)
	}

	userID := claims.Subject
	if userID == "" {
		return uuid.Nil, "", fmt.Errorf("missing user ID in JWT claims")
	}

	return businessID, userID, nil
}
