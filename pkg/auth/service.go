package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingBusinessID    = errors.New("missing business ID in token")
	ErrBusinessIDMismatch   = errors.New("business ID mismatch between token and URL")
)

// AuthService defines the interface for authentication operations.
// This abstraction enables clean separation between HTTP handling
// and authentication logic, making both easier to test.
type AuthService interface {
	// ValidateRequest extracts and validates a Bearer JWT from the
	// Authorization header. Returns the validated claims, the raw token
	// string, or an error.
	ValidateRequest(r *http.Request) (*Claims, string, error)

	// RequireBusinessID validates that the claims contain a business ID.
	RequireBusinessID(claims *Claims) error

	// ValidateBusinessIDMatch ensures the URL business ID matches the token
	// business ID. If urlBusinessID is empty, validation is skipped.
	ValidateBusinessIDMatch(claims *Claims, urlBusinessID string) error
}

type authService struct {
	jwksClient JWKSClientInterface
	logger     *zap.Logger
}

// NewAuthService creates a new AuthService with the given JWKS client and logger.
func NewAuthService(jwksClient JWKSClientInterface, logger *zap.Logger) AuthService {
	return &authService{
		jwksClient: jwksClient,
		logger:     logger,
	}
}

// ValidateRequest extracts and validates a JWT from the request.
func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		s.logger.Debug("No JWT found in request",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method))
		return nil, "", ErrMissingAuthorization
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		s.logger.Debug("Invalid Authorization header format",
			zap.String("path", r.URL.Path))
		return nil, "", ErrInvalidAuthFormat
	}
	tokenString := parts[1]

	claims, err := s.jwksClient.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path))
		return nil, "", err
	}

	return claims, tokenString, nil
}

// RequireBusinessID validates that the claims contain a business ID.
func (s *authService) RequireBusinessID(claims *Claims) error {
	if claims.BusinessID == "" {
		return ErrMissingBusinessID
	}
	return nil
}

// ValidateBusinessIDMatch ensures the URL business ID matches the token business ID.
func (s *authService) ValidateBusinessIDMatch(claims *Claims, urlBusinessID string) error {
	if urlBusinessID != "" && claims.BusinessID != urlBusinessID {
		s.logger.Warn("Business ID mismatch",
			zap.String("url_business_id", urlBusinessID),
			zap.String("token_business_id", claims.BusinessID))
		return ErrBusinessIDMismatch
	}
	return nil
}

// Ensure authService implements AuthService at compile time.
var _ AuthService = (*authService)(nil)
