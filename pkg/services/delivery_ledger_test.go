package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

type mockDeliveryRepository struct {
	created    []*models.Delivery
	createErr  error
	sentKeys   map[string]bool
	existsErr  error
	lastListed uuid.UUID
}

func (m *mockDeliveryRepository) Create(_ context.Context, d *models.Delivery) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, d)
	return nil
}

func (m *mockDeliveryRepository) SentExists(_ context.Context, dedupeKey string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.sentKeys[dedupeKey], nil
}

func (m *mockDeliveryRepository) ListByRule(_ context.Context, _, ruleID uuid.UUID, _ int) ([]*models.Delivery, error) {
	m.lastListed = ruleID
	return nil, nil
}

func TestDeliveryLedger_DedupeKey(t *testing.T) {
	ledger := NewDeliveryLedger(&mockDeliveryRepository{}, nil, zap.NewNop())
	ruleID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	t.Run("deterministic within a day", func(t *testing.T) {
		morning := time.Date(2025, 6, 15, 2, 0, 0, 0, time.UTC)
		evening := time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC)
		assert.Equal(t,
			ledger.DedupeKey(ruleID, "jo@example.com", morning),
			ledger.DedupeKey(ruleID, "jo@example.com", evening))
	})

	t.Run("utc day boundary", func(t *testing.T) {
		// 23:30 in UTC-2 is already the next UTC day.
		local := time.Date(2025, 6, 14, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
		key := ledger.DedupeKey(ruleID, "jo@example.com", local)
		assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8:jo@example.com:2025-06-15", key)
	})

	t.Run("differs across rules contacts and days", func(t *testing.T) {
		at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
		base := ledger.DedupeKey(ruleID, "jo@example.com", at)
		assert.NotEqual(t, base, ledger.DedupeKey(uuid.New(), "jo@example.com", at))
		assert.NotEqual(t, base, ledger.DedupeKey(ruleID, "sam@example.com", at))
		assert.NotEqual(t, base, ledger.DedupeKey(ruleID, "jo@example.com", at.Add(24*time.Hour)))
	})
}

func TestDeliveryLedger_IsDuplicate(t *testing.T) {
	repo := &mockDeliveryRepository{sentKeys: map[string]bool{"known-key": true}}
	ledger := NewDeliveryLedger(repo, nil, zap.NewNop())

	dup, err := ledger.IsDuplicate(context.Background(), "known-key")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = ledger.IsDuplicate(context.Background(), "fresh-key")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestDeliveryLedger_Record(t *testing.T) {
	t.Run("fills idempotency key", func(t *testing.T) {
		repo := &mockDeliveryRepository{}
		ledger := NewDeliveryLedger(repo, nil, zap.NewNop())

		d := &models.Delivery{
			RuleID:    uuid.New(),
			Contact:   "jo@example.com",
			Status:    models.DeliveryStatusSent,
			DedupeKey: "k",
		}
		require.NoError(t, ledger.Record(context.Background(), d))
		require.Len(t, repo.created, 1)
		assert.NotEmpty(t, repo.created[0].IdempotencyKey)
	})

	t.Run("keeps caller idempotency key", func(t *testing.T) {
		repo := &mockDeliveryRepository{}
		ledger := NewDeliveryLedger(repo, nil, zap.NewNop())

		d := &models.Delivery{IdempotencyKey: "caller-key", DedupeKey: "k"}
		require.NoError(t, ledger.Record(context.Background(), d))
		assert.Equal(t, "caller-key", repo.created[0].IdempotencyKey)
	})

	t.Run("surfaces duplicate sentinel", func(t *testing.T) {
		repo := &mockDeliveryRepository{createErr: apperrors.ErrDuplicateDelivery}
		ledger := NewDeliveryLedger(repo, nil, zap.NewNop())

		err := ledger.Record(context.Background(), &models.Delivery{DedupeKey: "k"})
		assert.ErrorIs(t, err, apperrors.ErrDuplicateDelivery)
	})
}
