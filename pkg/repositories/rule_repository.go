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

// RuleRepository provides access to follow-up rules. Condition trees and
// actions are stored as jsonb and decoded into their model types on read.
type RuleRepository interface {
	Create(ctx context.Context, rule *models.Rule) error
	GetByID(ctx context.Context, businessID, id uuid.UUID) (*models.Rule, error)
	List(ctx context.Context, businessID uuid.UUID) ([]*models.Rule, error)
	Update(ctx context.Context, rule *models.Rule) error
	Delete(ctx context.Context, businessID, id uuid.UUID) error

	// FindActiveRules lists all active rules across every business, for the
	// scheduler. Requires a tenant-free scope in ctx (RLS must see all rows).
	FindActiveRules(ctx context.Context) ([]*models.Rule, error)

	// GetBindings loads a rule joined with its mapping and connection in one
	// query. Requires a tenant scope in ctx.
	GetBindings(ctx context.Context, businessID, ruleID uuid.UUID) (*models.RuleBindings, error)
}

type ruleRepository struct{}

// NewRuleRepository creates a PostgreSQL-backed rule repository.
func NewRuleRepository() RuleRepository {
	return &ruleRepository{}
}

var _ RuleRepository = (*ruleRepository)(nil)

const ruleColumns = `id, mapping_id, business_id, name, active, schedule_cron, condition, action, created_at, updated_at`

func scanRule(row pgx.Row) (*models.Rule, error) {
	var rule models.Rule
	var conditionJSON, actionJSON []byte
	err := row.Scan(
		&rule.ID, &rule.MappingID, &rule.BusinessID, &rule.Name, &rule.Active,
		&rule.ScheduleCron, &conditionJSON, &actionJSON, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(conditionJSON, &rule.Condition); err != nil {
		return nil, fmt.Errorf("decode rule condition: %w", err)
	}
	if err := json.Unmarshal(actionJSON, &rule.Action); err != nil {
		return nil, fmt.Errorf("decode rule action: %w", err)
	}
	return &rule, nil
}

func (r *ruleRepository) Create(ctx context.Context, rule *models.Rule) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("encode rule condition: %w", err)
	}
	actionJSON, err := json.Marshal(rule.Action)
	if err != nil {
		return fmt.Errorf("encode rule action: %w", err)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	err = scope.Conn.QueryRow(ctx, `
		INSERT INTO followup_rules
			(mapping_id, business_id, name, active, schedule_cron, condition, action, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		rule.MappingID, rule.BusinessID, rule.Name, rule.Active,
		rule.ScheduleCron, conditionJSON, actionJSON, rule.CreatedAt, rule.UpdatedAt,
	).Scan(&rule.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return apperrors.ErrConflict
			case "23503":
				return fmt.Errorf("%w: mapping %s", apperrors.ErrNotFound, rule.MappingID)
			}
		}
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (r *ruleRepository) GetByID(ctx context.Context, businessID, id uuid.UUID) (*models.Rule, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rule, err := scanRule(scope.Conn.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM followup_rules WHERE business_id = $1 AND id = $2`,
		businessID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (r *ruleRepository) List(ctx context.Context, businessID uuid.UUID) ([]*models.Rule, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+ruleColumns+` FROM followup_rules WHERE business_id = $1 ORDER BY created_at`,
		businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

func (r *ruleRepository) Update(ctx context.Context, rule *models.Rule) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	conditionJSON, err := json.Marshal(rule.Condition)
	if err != nil {
		return fmt.Errorf("encode rule condition: %w", err)
	}
	actionJSON, err := json.Marshal(rule.Action)
	if err != nil {
		return fmt.Errorf("encode rule action: %w", err)
	}

	rule.UpdatedAt = time.Now()
	tag, err := scope.Conn.Exec(ctx, `
		UPDATE followup_rules
		SET mapping_id = $1, name = $2, active = $3, schedule_cron = $4,
		    condition = $5, action = $6, updated_at = $7
		WHERE id = $8`,
		rule.MappingID, rule.Name, rule.Active, rule.ScheduleCron,
		conditionJSON, actionJSON, rule.UpdatedAt, rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *ruleRepository) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`DELETE FROM followup_rules WHERE business_id = $1 AND id = $2`,
		businessID, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *ruleRepository) FindActiveRules(ctx context.Context) ([]*models.Rule, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+ruleColumns+` FROM followup_rules WHERE active = true ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

func (r *ruleRepository) GetBindings(ctx context.Context, businessID, ruleID uuid.UUID) (*models.RuleBindings, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	row := scope.Conn.QueryRow(ctx, `
		SELECT
			r.id, r.mapping_id, r.business_id, r.name, r.active, r.schedule_cron,
			r.condition, r.action, r.created_at, r.updated_at,
			m.id, m.connection_id, m.business_id, m.resource, m.fields,
			m.validated_at, m.created_at, m.updated_at,
			c.id, c.business_id, c.name, c.conn_type, c.host, c.port,
			c.database_name, c.username, c.password_enc, c.status,
			c.last_tested_at, c.last_test_error, c.created_at, c.updated_at
		FROM followup_rules r
		JOIN followup_mappings m ON m.id = r.mapping_id
		JOIN followup_connections c ON c.id = m.connection_id
		WHERE r.business_id = $1 AND r.id = $2`,
		businessID, ruleID)

	var rule models.Rule
	var mapping models.Mapping
	var conn models.Connection
	var conditionJSON, actionJSON, fieldsJSON []byte

	err := row.Scan(
		&rule.ID, &rule.MappingID, &rule.BusinessID, &rule.Name, &rule.Active,
		&rule.ScheduleCron, &conditionJSON, &actionJSON, &rule.CreatedAt, &rule.UpdatedAt,
		&mapping.ID, &mapping.ConnectionID, &mapping.BusinessID, &mapping.Resource,
		&fieldsJSON, &mapping.ValidatedAt, &mapping.CreatedAt, &mapping.UpdatedAt,
		&conn.ID, &conn.BusinessID, &conn.Name, &conn.Type, &conn.Host, &conn.Port,
		&conn.Database, &conn.Username, &conn.PasswordEnc, &conn.Status,
		&conn.LastTestedAt, &conn.LastTestError, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rule bindings: %w", err)
	}

	if err := json.Unmarshal(conditionJSON, &rule.Condition); err != nil {
		return nil, fmt.Errorf("decode rule condition: %w", err)
	}
	if err := json.Unmarshal(actionJSON, &rule.Action); err != nil {
		return nil, fmt.Errorf("decode rule action: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &mapping.Fields); err != nil {
		return nil, fmt.Errorf("decode mapping fields: %w", err)
	}

	return &models.RuleBindings{Rule: &rule, Mapping: &mapping, Connection: &conn}, nil
}

func collectRules(rows pgx.Rows) ([]*models.Rule, error) {
	var rules []*models.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
