package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/database"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

// MappingRepository provides access to field mappings. The fields map is
// stored as jsonb.
type MappingRepository interface {
	Create(ctx context.Context, m *models.Mapping) error
	GetByID(ctx context.Context, businessID, id uuid.UUID) (*models.Mapping, error)
	ListByConnection(ctx context.Context, businessID, connectionID uuid.UUID) ([]*models.Mapping, error)
	Delete(ctx context.Context, businessID, id uuid.UUID) error

	// MarkValidated stamps validated_at after a successful live probe of the
	// mapped columns.
	MarkValidated(ctx context.Context, id uuid.UUID, at time.Time) error
}

type mappingRepository struct{}

// NewMappingRepository creates a PostgreSQL-backed mapping repository.
func NewMappingRepository() MappingRepository {
	return &mappingRepository{}
}

var _ MappingRepository = (*mappingRepository)(nil)

func scanMapping(row pgx.Row) (*models.Mapping, error) {
	var m models.Mapping
	var fieldsJSON []byte
	err := row.Scan(
		&m.ID, &m.ConnectionID, &m.BusinessID, &m.Resource,
		&fieldsJSON, &m.ValidatedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &m.Fields); err != nil {
		return nil, fmt.Errorf("decode mapping fields: %w", err)
	}
	return &m, nil
}

const mappingColumns = `id, connection_id, business_id, resource, fields, validated_at, created_at, updated_at`

func (r *mappingRepository) Create(ctx context.Context, m *models.Mapping) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	fieldsJSON, err := json.Marshal(m.Fields)
	if err != nil {
		return fmt.Errorf("encode mapping fields: %w", err)
	}

	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO followup_mappings (connection_id, business_id, resource, fields, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		m.ConnectionID, m.BusinessID, m.Resource, fieldsJSON, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return apperrors.ErrConflict
			case "23503":
				return fmt.Errorf("%w: connection %s", apperrors.ErrNotFound, m.ConnectionID)
			}
		}
		return fmt.Errorf("failed to create mapping: %w", err)
	}
	return nil
}

func (r *mappingRepository) GetByID(ctx context.Context, businessID, id uuid.UUID) (*models.Mapping, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	m, err := scanMapping(scope.Conn.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM followup_mappings WHERE business_id = $1 AND id = $2`,
		businessID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

func (r *mappingRepository) ListByConnection(ctx context.Context, businessID, connectionID uuid.UUID) ([]*models.Mapping, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+mappingColumns+` FROM followup_mappings
		 WHERE business_id = $1 AND connection_id = $2 ORDER BY created_at`,
		businessID, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

func (r *mappingRepository) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`DELETE FROM followup_mappings WHERE business_id = $1 AND id = $2`,
		businessID, id)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *mappingRepository) MarkValidated(ctx context.Context, id uuid.UUID, at time.Time) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE followup_mappings SET validated_at = $1, updated_at = $1 WHERE id = $2`,
		at, id)
	if err != nil {
		return fmt.Errorf("failed to mark mapping validated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
