package repositories

import (
	"context"
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

// ConnectionRepository provides access to tenant connection configurations.
// Passwords are stored as ciphertext; encryption is the service layer's job.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *models.Connection) error
	GetByID(ctx context.Context, businessID, id uuid.UUID) (*models.Connection, error)
	List(ctx context.Context, businessID uuid.UUID) ([]*models.Connection, error)
	Update(ctx context.Context, conn *models.Connection) error
	Delete(ctx context.Context, businessID, id uuid.UUID) error

	// RecordTestOutcome stamps the status and last test result after a
	// connection test.
	RecordTestOutcome(ctx context.Context, id uuid.UUID, status string, testErr string) error
}

type connectionRepository struct{}

// NewConnectionRepository creates a PostgreSQL-backed connection repository.
func NewConnectionRepository() ConnectionRepository {
	return &connectionRepository{}
}

var _ ConnectionRepository = (*connectionRepository)(nil)

const connectionColumns = `id, business_id, name, conn_type, host, port, database_name, username, password_enc, status, last_tested_at, last_test_error, created_at, updated_at`

func scanConnection(row pgx.Row) (*models.Connection, error) {
	var c models.Connection
	err := row.Scan(
		&c.ID, &c.BusinessID, &c.Name, &c.Type, &c.Host, &c.Port,
		&c.Database, &c.Username, &c.PasswordEnc, &c.Status,
		&c.LastTestedAt, &c.LastTestError, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *connectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	now := time.Now()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	err := scope.Conn.QueryRow(ctx, `
		INSERT INTO followup_connections
			(business_id, name, conn_type, host, port, database_name, username, password_enc, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		conn.BusinessID, conn.Name, conn.Type, conn.Host, conn.Port,
		conn.Database, conn.Username, conn.PasswordEnc, conn.Status,
		conn.CreatedAt, conn.UpdatedAt,
	).Scan(&conn.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) GetByID(ctx context.Context, businessID, id uuid.UUID) (*models.Connection, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	conn, err := scanConnection(scope.Conn.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM followup_connections WHERE business_id = $1 AND id = $2`,
		businessID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func (r *connectionRepository) List(ctx context.Context, businessID uuid.UUID) ([]*models.Connection, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+connectionColumns+` FROM followup_connections WHERE business_id = $1 ORDER BY created_at`,
		businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (r *connectionRepository) Update(ctx context.Context, conn *models.Connection) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	conn.UpdatedAt = time.Now()
	tag, err := scope.Conn.Exec(ctx, `
		UPDATE followup_connections
		SET name = $1, conn_type = $2, host = $3, port = $4, database_name = $5,
		    username = $6, password_enc = $7, status = $8, updated_at = $9
		WHERE id = $10`,
		conn.Name, conn.Type, conn.Host, conn.Port, conn.Database,
		conn.Username, conn.PasswordEnc, conn.Status, conn.UpdatedAt, conn.ID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`DELETE FROM followup_connections WHERE business_id = $1 AND id = $2`,
		businessID, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) RecordTestOutcome(ctx context.Context, id uuid.UUID, status string, testErr string) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE followup_connections
		SET status = $1, last_tested_at = $2, last_test_error = $3, updated_at = $2
		WHERE id = $4`,
		status, time.Now(), testErr, id)
	if err != nil {
		return fmt.Errorf("failed to record test outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
