package repositories

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/condition"
	"github.com/relaydesk-inc/followup-engine/pkg/database"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	"github.com/relaydesk-inc/followup-engine/pkg/testhelpers"
)

// tenantCtx opens a tenant-scoped connection for businessID and registers
// cleanup. Each call holds one pooled connection until the test ends.
func tenantCtx(t *testing.T, db *database.DB, businessID uuid.UUID) context.Context {
	t.Helper()
	scope, err := db.WithTenant(context.Background(), businessID)
	require.NoError(t, err)
	t.Cleanup(scope.Close)
	return database.SetTenantScope(context.Background(), scope)
}

func seedConnection(t *testing.T, ctx context.Context, businessID uuid.UUID, name string) *models.Connection {
	t.Helper()
	conn := &models.Connection{
		BusinessID: businessID,
		Name:       name,
		Type:       models.ConnectionTypePostgres,
		Host:       "db.acme.com",
		Port:       5432,
		Database:   "crm",
		Username:   "crm_ro",
		Status:     models.ConnectionStatusActive,
	}
	require.NoError(t, NewConnectionRepository().Create(ctx, conn))
	return conn
}

func seedMapping(t *testing.T, ctx context.Context, businessID, connectionID uuid.UUID, resource string) *models.Mapping {
	t.Helper()
	m := &models.Mapping{
		ConnectionID: connectionID,
		BusinessID:   businessID,
		Resource:     resource,
		Fields: map[string]string{
			models.FieldRolePK:      "id",
			models.FieldRoleContact: "customer_email",
			models.FieldRoleStatus:  "state",
		},
	}
	require.NoError(t, NewMappingRepository().Create(ctx, m))
	return m
}

func seedRule(t *testing.T, ctx context.Context, businessID, mappingID uuid.UUID, name string, active bool) *models.Rule {
	t.Helper()
	var cond condition.Node
	require.NoError(t, json.Unmarshal([]byte(`{"equals":{"field":"status","value":"NoReply"}}`), &cond))

	rule := &models.Rule{
		MappingID:  mappingID,
		BusinessID: businessID,
		Name:       name,
		Active:     active,
		Condition:  cond,
		Action: models.RuleAction{
			Channel: models.ChannelEmail,
			Content: "Just checking in.",
		},
	}
	require.NoError(t, NewRuleRepository().Create(ctx, rule))
	return rule
}

func TestConnectionRepository_Integration(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	repo := NewConnectionRepository()

	businessID := uuid.New()
	ctx := tenantCtx(t, engineDB.DB, businessID)

	conn := seedConnection(t, ctx, businessID, "crm")
	require.NotEqual(t, uuid.Nil, conn.ID)

	t.Run("get and list", func(t *testing.T) {
		got, err := repo.GetByID(ctx, businessID, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, "crm", got.Name)
		assert.Equal(t, models.ConnectionTypePostgres, got.Type)

		all, err := repo.List(ctx, businessID)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		dup := &models.Connection{
			BusinessID: businessID,
			Name:       "crm",
			Type:       models.ConnectionTypePostgres,
			Host:       "other",
			Database:   "crm",
		}
		assert.ErrorIs(t, repo.Create(ctx, dup), apperrors.ErrConflict)
	})

	t.Run("invisible to other tenants", func(t *testing.T) {
		otherID := uuid.New()
		otherCtx := tenantCtx(t, engineDB.DB, otherID)

		_, err := repo.GetByID(otherCtx, otherID, conn.ID)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		all, err := repo.List(otherCtx, otherID)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("update and test outcome", func(t *testing.T) {
		conn.Host = "db2.acme.com"
		require.NoError(t, repo.Update(ctx, conn))

		require.NoError(t, repo.RecordTestOutcome(ctx, conn.ID, models.ConnectionStatusError, "timeout"))

		got, err := repo.GetByID(ctx, businessID, conn.ID)
		require.NoError(t, err)
		assert.Equal(t, "db2.acme.com", got.Host)
		assert.Equal(t, models.ConnectionStatusError, got.Status)
		assert.Equal(t, "timeout", got.LastTestError)
		assert.NotNil(t, got.LastTestedAt)
	})
}

func TestMappingRepository_Integration(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	repo := NewMappingRepository()

	businessID := uuid.New()
	ctx := tenantCtx(t, engineDB.DB, businessID)
	conn := seedConnection(t, ctx, businessID, "crm-mappings")

	m := seedMapping(t, ctx, businessID, conn.ID, "bookings")

	t.Run("roundtrips jsonb fields", func(t *testing.T) {
		got, err := repo.GetByID(ctx, businessID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, "bookings", got.Resource)
		assert.Equal(t, m.Fields, got.Fields)
		assert.Nil(t, got.ValidatedAt)
	})

	t.Run("duplicate resource per connection conflicts", func(t *testing.T) {
		dup := &models.Mapping{
			ConnectionID: conn.ID,
			BusinessID:   businessID,
			Resource:     "bookings",
			Fields:       m.Fields,
		}
		assert.ErrorIs(t, repo.Create(ctx, dup), apperrors.ErrConflict)
	})

	t.Run("unknown connection rejected", func(t *testing.T) {
		orphan := &models.Mapping{
			ConnectionID: uuid.New(),
			BusinessID:   businessID,
			Resource:     "invoices",
			Fields:       m.Fields,
		}
		assert.ErrorIs(t, repo.Create(ctx, orphan), apperrors.ErrNotFound)
	})

	t.Run("mark validated", func(t *testing.T) {
		stamp := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, repo.MarkValidated(ctx, m.ID, stamp))

		got, err := repo.GetByID(ctx, businessID, m.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ValidatedAt)
		assert.WithinDuration(t, stamp, *got.ValidatedAt, time.Second)
	})
}

func TestRuleRepository_Integration(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	repo := NewRuleRepository()

	businessID := uuid.New()
	ctx := tenantCtx(t, engineDB.DB, businessID)
	conn := seedConnection(t, ctx, businessID, "crm-rules")
	mapping := seedMapping(t, ctx, businessID, conn.ID, "bookings")

	rule := seedRule(t, ctx, businessID, mapping.ID, "no-reply nudge", true)

	t.Run("condition and action roundtrip", func(t *testing.T) {
		got, err := repo.GetByID(ctx, businessID, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, "no-reply nudge", got.Name)
		assert.True(t, got.Active)
		require.NotNil(t, got.Condition.Pred)
		assert.Equal(t, condition.PredEquals, got.Condition.Pred.Kind)
		assert.Equal(t, "status", got.Condition.Pred.Field)
		assert.Equal(t, models.ChannelEmail, got.Action.Channel)
	})

	t.Run("bindings join", func(t *testing.T) {
		bindings, err := repo.GetBindings(ctx, businessID, rule.ID)
		require.NoError(t, err)
		assert.Equal(t, rule.ID, bindings.Rule.ID)
		assert.Equal(t, mapping.ID, bindings.Mapping.ID)
		assert.Equal(t, conn.ID, bindings.Connection.ID)
		assert.Equal(t, "bookings", bindings.Mapping.Resource)
	})

	t.Run("active rules listed across tenants", func(t *testing.T) {
		seedRule(t, ctx, businessID, mapping.ID, "inactive reminder", false)

		scope, err := engineDB.DB.WithoutTenant(context.Background())
		require.NoError(t, err)
		defer scope.Close()

		rules, err := repo.FindActiveRules(database.SetTenantScope(context.Background(), scope))
		require.NoError(t, err)

		var ids []uuid.UUID
		for _, r := range rules {
			assert.True(t, r.Active)
			ids = append(ids, r.ID)
		}
		assert.Contains(t, ids, rule.ID)
	})
}

func TestDeliveryRepository_DedupeConstraint(t *testing.T) {
	engineDB := testhelpers.GetEngineDB(t)
	repo := NewDeliveryRepository()

	businessID := uuid.New()
	ctx := tenantCtx(t, engineDB.DB, businessID)
	conn := seedConnection(t, ctx, businessID, "crm-deliveries")
	mapping := seedMapping(t, ctx, businessID, conn.ID, "bookings")
	rule := seedRule(t, ctx, businessID, mapping.ID, "dedupe probe", true)

	newDelivery := func(dedupeKey, status string) *models.Delivery {
		return &models.Delivery{
			RuleID:         rule.ID,
			BusinessID:     businessID,
			EntityPK:       "row-1",
			Contact:        "jo@example.com",
			Channel:        models.ChannelEmail,
			Status:         status,
			IdempotencyKey: uuid.NewString(),
			DedupeKey:      dedupeKey,
			SentAt:         time.Now().UTC(),
		}
	}

	t.Run("second sent row rejected", func(t *testing.T) {
		key := rule.ID.String() + ":jo@example.com:2025-06-15"
		require.NoError(t, repo.Create(ctx, newDelivery(key, models.DeliveryStatusSent)))

		err := repo.Create(ctx, newDelivery(key, models.DeliveryStatusSent))
		assert.ErrorIs(t, err, apperrors.ErrDuplicateDelivery)

		exists, err := repo.SentExists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("failed rows are not constrained", func(t *testing.T) {
		key := rule.ID.String() + ":sam@example.com:2025-06-15"
		require.NoError(t, repo.Create(ctx, newDelivery(key, models.DeliveryStatusFailed)))
		require.NoError(t, repo.Create(ctx, newDelivery(key, models.DeliveryStatusFailed)))
		// A later successful send for the same key is allowed.
		require.NoError(t, repo.Create(ctx, newDelivery(key, models.DeliveryStatusSent)))

		exists, err := repo.SentExists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("exactly one concurrent writer wins", func(t *testing.T) {
		key := rule.ID.String() + ":pat@example.com:2025-06-15"

		const writers = 4
		results := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				scope, err := engineDB.DB.WithTenant(context.Background(), businessID)
				if err != nil {
					results[i] = err
					return
				}
				defer scope.Close()
				writerCtx := database.SetTenantScope(context.Background(), scope)
				results[i] = repo.Create(writerCtx, newDelivery(key, models.DeliveryStatusSent))
			}(i)
		}
		wg.Wait()

		var sent, duplicates int
		for _, err := range results {
			switch {
			case err == nil:
				sent++
			default:
				require.ErrorIs(t, err, apperrors.ErrDuplicateDelivery)
				duplicates++
			}
		}
		assert.Equal(t, 1, sent, "the unique index must admit exactly one sent row")
		assert.Equal(t, writers-1, duplicates)
	})

	t.Run("list newest first", func(t *testing.T) {
		deliveries, err := repo.ListByRule(ctx, businessID, rule.ID, 100)
		require.NoError(t, err)
		require.NotEmpty(t, deliveries)
		for i := 1; i < len(deliveries); i++ {
			assert.False(t, deliveries[i].SentAt.After(deliveries[i-1].SentAt))
		}
	})
}
