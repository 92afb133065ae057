package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/database"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

// DeliveryRepository is the append-only idempotency ledger. The partial
// unique index on dedupe_key (sent rows only) is the at-most-once
// enforcement point; Create surfaces a violation as ErrDuplicateDelivery,
// which callers treat as "already handled", not as a failure.
type DeliveryRepository interface {
	// Create inserts a delivery row. Returns apperrors.ErrDuplicateDelivery
	// when a sent delivery with the same dedupe key already exists.
	Create(ctx context.Context, d *models.Delivery) error

	// SentExists reports whether a sent delivery with the dedupe key is
	// already recorded. This is a pre-dispatch optimization only; the unique
	// index remains authoritative under races.
	SentExists(ctx context.Context, dedupeKey string) (bool, error)

	// ListByRule returns the newest deliveries for a rule, capped at limit.
	ListByRule(ctx context.Context, businessID, ruleID uuid.UUID, limit int) ([]*models.Delivery, error)
}

type deliveryRepository struct{}

// NewDeliveryRepository creates a PostgreSQL-backed delivery ledger.
func NewDeliveryRepository() DeliveryRepository {
	return &deliveryRepository{}
}

var _ DeliveryRepository = (*deliveryRepository)(nil)

const deliveryColumns = `id, rule_id, business_id, entity_pk, contact, channel, status, idempotency_key, dedupe_key, error, sent_at`

func (r *deliveryRepository) Create(ctx context.Context, d *models.Delivery) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if d.SentAt.IsZero() {
		d.SentAt = time.Now()
	}

	err := scope.Conn.QueryRow(ctx, `
		INSERT INTO followup_deliveries
			(rule_id, business_id, entity_pk, contact, channel, status, idempotency_key, dedupe_key, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		d.RuleID, d.BusinessID, d.EntityPK, d.Contact, d.Channel,
		d.Status, d.IdempotencyKey, d.DedupeKey, d.Error, d.SentAt,
	).Scan(&d.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrDuplicateDelivery
		}
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

func (r *deliveryRepository) SentExists(ctx context.Context, dedupeKey string) (bool, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return false, fmt.Errorf("no tenant scope in context")
	}

	var exists bool
	err := scope.Conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM followup_deliveries
			WHERE dedupe_key = $1 AND status = $2
		)`,
		dedupeKey, models.DeliveryStatusSent,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dedupe key: %w", err)
	}
	return exists, nil
}

func (r *deliveryRepository) ListByRule(ctx context.Context, businessID, ruleID uuid.UUID, limit int) ([]*models.Delivery, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT `+deliveryColumns+` FROM followup_deliveries
		 WHERE business_id = $1 AND rule_id = $2
		 ORDER BY sent_at DESC LIMIT $3`,
		businessID, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.Delivery
	for rows.Next() {
		var d models.Delivery
		err := rows.Scan(
			&d.ID, &d.RuleID, &d.BusinessID, &d.EntityPK, &d.Contact,
			&d.Channel, &d.Status, &d.IdempotencyKey, &d.DedupeKey,
			&d.Error, &d.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}
