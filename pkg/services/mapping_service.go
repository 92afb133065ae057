package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/logging"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	"github.com/relaydesk-inc/followup-engine/pkg/repositories"
)

// MappingInput carries a mapping definition from a create request.
type MappingInput struct {
	ConnectionID uuid.UUID         `json:"connection_id"`
	Resource     string            `json:"resource"`
	Fields       map[string]string `json:"fields"`
}

// ValidationResult reports a live mapping probe against the tenant database.
type ValidationResult struct {
	Valid       bool       `json:"valid"`
	Message     string     `json:"message,omitempty"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// MappingService manages role -> column mappings and validates them against
// the live tenant schema.
type MappingService interface {
	Create(ctx context.Context, businessID uuid.UUID, input MappingInput) (*models.Mapping, error)
	Get(ctx context.Context, businessID, id uuid.UUID) (*models.Mapping, error)
	ListByConnection(ctx context.Context, businessID, connectionID uuid.UUID) ([]*models.Mapping, error)
	Delete(ctx context.Context, businessID, id uuid.UUID) error
	Validate(ctx context.Context, businessID, id uuid.UUID) (ValidationResult, error)
}

type mappingService struct {
	repo     repositories.MappingRepository
	connRepo repositories.ConnectionRepository
	factory  connectors.ClientFactory
	logger   *zap.Logger
}

// NewMappingService creates a MappingService.
func NewMappingService(repo repositories.MappingRepository, connRepo repositories.ConnectionRepository, factory connectors.ClientFactory, logger *zap.Logger) MappingService {
	return &mappingService{
		repo:     repo,
		connRepo: connRepo,
		factory:  factory,
		logger:   logger.Named("mapping-service"),
	}
}

var _ MappingService = (*mappingService)(nil)

func (s *mappingService) Create(ctx context.Context, businessID uuid.UUID, input MappingInput) (*models.Mapping, error) {
	m := &models.Mapping{
		ID:           uuid.New(),
		ConnectionID: input.ConnectionID,
		BusinessID:   businessID,
		Resource:     input.Resource,
		Fields:       input.Fields,
	}
	if err := ValidateMappingFields(m); err != nil {
		return nil, err
	}

	// The connection must exist and belong to this tenant before the
	// mapping is accepted.
	if _, err := s.connRepo.GetByID(ctx, businessID, input.ConnectionID); err != nil {
		return nil, fmt.Errorf("connection %s: %w", input.ConnectionID, err)
	}

	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("Created mapping",
		zap.String("business_id", businessID.String()),
		zap.String("mapping_id", m.ID.String()),
		zap.String("resource", m.Resource))
	return m, nil
}

func (s *mappingService) Get(ctx context.Context, businessID, id uuid.UUID) (*models.Mapping, error) {
	return s.repo.GetByID(ctx, businessID, id)
}

func (s *mappingService) ListByConnection(ctx context.Context, businessID, connectionID uuid.UUID) ([]*models.Mapping, error) {
	return s.repo.ListByConnection(ctx, businessID, connectionID)
}

func (s *mappingService) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, businessID, id); err != nil {
		return err
	}
	s.logger.Info("Deleted mapping",
		zap.String("business_id", businessID.String()),
		zap.String("mapping_id", id.String()))
	return nil
}

// Validate probes the live tenant database with a one-row select over every
// mapped column. Success stamps validated_at; failure reports the sanitized
// driver message without touching the stamp.
func (s *mappingService) Validate(ctx context.Context, businessID, id uuid.UUID) (ValidationResult, error) {
	m, err := s.repo.GetByID(ctx, businessID, id)
	if err != nil {
		return ValidationResult{}, err
	}
	conn, err := s.connRepo.GetByID(ctx, businessID, m.ConnectionID)
	if err != nil {
		return ValidationResult{}, err
	}

	client, err := s.factory.NewReadOnlyClient(ctx, conn)
	if err != nil {
		return ValidationResult{Valid: false, Message: logging.SanitizeError(err)}, nil
	}
	defer func() { _ = client.Close() }()

	columns := make([]string, 0, len(m.Fields))
	seen := make(map[string]bool)
	for _, column := range m.Fields {
		if !seen[column] {
			seen[column] = true
			columns = append(columns, column)
		}
	}

	if _, err := client.FetchRows(ctx, m.Resource, columns, 1); err != nil {
		s.logger.Warn("Mapping validation probe failed",
			zap.String("mapping_id", id.String()),
			zap.String("resource", m.Resource),
			zap.Error(err))
		return ValidationResult{Valid: false, Message: logging.SanitizeError(err)}, nil
	}

	now := time.Now().UTC()
	if err := s.repo.MarkValidated(ctx, id, now); err != nil {
		return ValidationResult{}, err
	}

	s.logger.Info("Validated mapping",
		zap.String("business_id", businessID.String()),
		zap.String("mapping_id", id.String()))
	return ValidationResult{Valid: true, ValidatedAt: &now}, nil
}
