package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/crypto"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	"github.com/relaydesk-inc/followup-engine/pkg/repositories"
)

// ConnectionInput carries connection settings from a create or update
// request. Password is plaintext here and only here; the service encrypts
// it before anything is persisted.
type ConnectionInput struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ConnectionService manages tenant-owned external database connections.
type ConnectionService interface {
	Create(ctx context.Context, businessID uuid.UUID, input ConnectionInput) (*models.Connection, error)
	Get(ctx context.Context, businessID, id uuid.UUID) (*models.Connection, error)
	List(ctx context.Context, businessID uuid.UUID) ([]*models.Connection, error)
	Update(ctx context.Context, businessID, id uuid.UUID, input ConnectionInput) (*models.Connection, error)
	Delete(ctx context.Context, businessID, id uuid.UUID) error
	Test(ctx context.Context, businessID, id uuid.UUID) (connectors.TestResult, error)
	ListDrivers() []connectors.DriverInfo
}

type connectionService struct {
	repo    repositories.ConnectionRepository
	factory connectors.ClientFactory
	cipher  *crypto.CredentialCipher
	logger  *zap.Logger
}

// NewConnectionService creates a ConnectionService.
func NewConnectionService(repo repositories.ConnectionRepository, factory connectors.ClientFactory, cipher *crypto.CredentialCipher, logger *zap.Logger) ConnectionService {
	return &connectionService{
		repo:    repo,
		factory: factory,
		cipher:  cipher,
		logger:  logger.Named("connection-service"),
	}
}

var _ ConnectionService = (*connectionService)(nil)

func (s *connectionService) Create(ctx context.Context, businessID uuid.UUID, input ConnectionInput) (*models.Connection, error) {
	if err := validateConnectionInput(input); err != nil {
		return nil, err
	}

	encrypted, err := s.cipher.Encrypt(input.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	conn := &models.Connection{
		ID:          uuid.New(),
		BusinessID:  businessID,
		Name:        input.Name,
		Type:        input.Type,
		Host:        input.Host,
		Port:        input.Port,
		Database:    input.Database,
		Username:    input.Username,
		PasswordEnc: encrypted,
		Status:      models.ConnectionStatusActive,
	}

	// Probe before persisting so a typo'd host surfaces immediately. A
	// failed probe still stores the connection, marked ERROR.
	result := s.factory.TestConnection(ctx, conn, input.Password)
	if !result.Success {
		conn.Status = models.ConnectionStatusError
		conn.LastTestError = result.Message
	}
	now := time.Now().UTC()
	conn.LastTestedAt = &now

	if err := s.repo.Create(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("Created connection",
		zap.String("business_id", businessID.String()),
		zap.String("connection_id", conn.ID.String()),
		zap.String("type", conn.Type),
		zap.Bool("test_ok", result.Success))
	return conn, nil
}

func (s *connectionService) Get(ctx context.Context, businessID, id uuid.UUID) (*models.Connection, error) {
	return s.repo.GetByID(ctx, businessID, id)
}

func (s *connectionService) List(ctx context.Context, businessID uuid.UUID) ([]*models.Connection, error) {
	return s.repo.List(ctx, businessID)
}

func (s *connectionService) Update(ctx context.Context, businessID, id uuid.UUID, input ConnectionInput) (*models.Connection, error) {
	conn, err := s.repo.GetByID(ctx, businessID, id)
	if err != nil {
		return nil, err
	}

	if input.Name != "" {
		conn.Name = input.Name
	}
	if input.Type != "" {
		if !models.ValidConnectionType(input.Type) {
			return nil, fmt.Errorf("%w: invalid connection type %q", apperrors.ErrValidation, input.Type)
		}
		conn.Type = input.Type
	}
	if input.Host != "" {
		conn.Host = input.Host
	}
	if input.Port != 0 {
		conn.Port = input.Port
	}
	if input.Database != "" {
		conn.Database = input.Database
	}
	if input.Username != "" {
		conn.Username = input.Username
	}
	if input.Password != "" {
		encrypted, err := s.cipher.Encrypt(input.Password)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		conn.PasswordEnc = encrypted
	}

	if err := s.repo.Update(ctx, conn); err != nil {
		return nil, err
	}

	s.logger.Info("Updated connection",
		zap.String("business_id", businessID.String()),
		zap.String("connection_id", id.String()))
	return conn, nil
}

func (s *connectionService) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, businessID, id); err != nil {
		return err
	}
	s.logger.Info("Deleted connection",
		zap.String("business_id", businessID.String()),
		zap.String("connection_id", id.String()))
	return nil
}

// Test re-probes a stored connection with its stored (decrypted) credentials
// and records the outcome on the connection row.
func (s *connectionService) Test(ctx context.Context, businessID, id uuid.UUID) (connectors.TestResult, error) {
	conn, err := s.repo.GetByID(ctx, businessID, id)
	if err != nil {
		return connectors.TestResult{}, err
	}

	password, err := s.cipher.Decrypt(conn.PasswordEnc)
	if err != nil {
		return connectors.TestResult{}, fmt.Errorf("connection %s: %w", id, err)
	}

	result := s.factory.TestConnection(ctx, conn, password)

	status := models.ConnectionStatusActive
	testErr := ""
	if !result.Success {
		status = models.ConnectionStatusError
		testErr = result.Message
	}
	if err := s.repo.RecordTestOutcome(ctx, id, status, testErr); err != nil {
		s.logger.Warn("Failed to record connection test outcome",
			zap.String("connection_id", id.String()),
			zap.Error(err))
	}
	return result, nil
}

func (s *connectionService) ListDrivers() []connectors.DriverInfo {
	return s.factory.ListDrivers()
}

func validateConnectionInput(input ConnectionInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: connection name is required", apperrors.ErrValidation)
	}
	if !models.ValidConnectionType(input.Type) {
		return fmt.Errorf("%w: invalid connection type %q", apperrors.ErrValidation, input.Type)
	}
	if input.Host == "" && input.Type != models.ConnectionTypeSQLite {
		return fmt.Errorf("%w: connection host is required", apperrors.ErrValidation)
	}
	if input.Database == "" {
		return fmt.Errorf("%w: connection database is required", apperrors.ErrValidation)
	}
	return nil
}
