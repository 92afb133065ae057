package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/config"
	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/database"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

type stubReadOnlyClient struct {
	rows         []map[string]any
	fetchErr     error
	closed       bool
	lastResource string
	lastColumns  []string
	lastLimit    int
}

func (c *stubReadOnlyClient) FetchRows(_ context.Context, resource string, columns []string, limit int) ([]map[string]any, error) {
	c.lastResource = resource
	c.lastColumns = columns
	c.lastLimit = limit
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	return c.rows, nil
}

func (c *stubReadOnlyClient) Ping(_ context.Context) error { return nil }

func (c *stubReadOnlyClient) Close() error {
	c.closed = true
	return nil
}

type stubClientFactory struct {
	client        *stubReadOnlyClient
	clientErr     error
	clientsByConn map[uuid.UUID]*stubReadOnlyClient
	errByConn     map[uuid.UUID]error
}

func (f *stubClientFactory) NewReadOnlyClient(_ context.Context, conn *models.Connection) (connectors.ReadOnlyClient, error) {
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	if err, ok := f.errByConn[conn.ID]; ok {
		return nil, err
	}
	if c, ok := f.clientsByConn[conn.ID]; ok {
		return c, nil
	}
	return f.client, nil
}

func (f *stubClientFactory) TestConnection(_ context.Context, _ *models.Connection, _ string) connectors.TestResult {
	return connectors.TestResult{Success: true}
}

func (f *stubClientFactory) ListDrivers() []connectors.DriverInfo { return nil }

type recordingSender struct {
	result SendResult
	sent   []OutboundMessage
}

func (s *recordingSender) Send(_ context.Context, msg OutboundMessage) SendResult {
	s.sent = append(s.sent, msg)
	return s.result
}

// engineFixture wires a rule engine against in-memory collaborators with a
// frozen clock.
type engineFixture struct {
	engine       *ruleEngine
	ruleRepo     *mockRuleRepository
	deliveryRepo *mockDeliveryRepository
	factory      *stubClientFactory
	sender       *recordingSender
	rule         *models.Rule
	businessID   uuid.UUID
	now          time.Time
}

func newEngineFixture(t *testing.T, conditionJSON string, rows []map[string]any) *engineFixture {
	t.Helper()

	businessID := uuid.New()
	mapping := testMapping()
	mapping.BusinessID = businessID
	validated := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mapping.ValidatedAt = &validated

	conn := &models.Connection{
		ID:         uuid.New(),
		BusinessID: businessID,
		Type:       models.ConnectionTypePostgres,
		Status:     models.ConnectionStatusActive,
	}
	rule := &models.Rule{
		ID:         uuid.New(),
		MappingID:  mapping.ID,
		BusinessID: businessID,
		Name:       "no-reply nudge",
		Active:     true,
		Condition:  *mustCondition(t, conditionJSON),
		Action: models.RuleAction{
			Channel: models.ChannelEmail,
			Subject: "Still interested?",
			Content: "Just checking in.",
		},
	}

	ruleRepo := newMockRuleRepository()
	ruleRepo.rules[rule.ID] = rule
	ruleRepo.bindings = &models.RuleBindings{Rule: rule, Mapping: mapping, Connection: conn}

	deliveryRepo := &mockDeliveryRepository{sentKeys: map[string]bool{}}
	factory := &stubClientFactory{client: &stubReadOnlyClient{rows: rows}}
	sender := &recordingSender{result: SendResult{Success: true, ProviderMessageID: "prov-1"}}

	cfg := &config.Config{
		Connector: config.ConnectorConfig{QueryTimeoutSeconds: 5},
		Followup:  config.FollowupConfig{FetchLimit: 100, DispatchTimeoutSeconds: 5},
	}
	engine := NewRuleEngine(
		nil,
		ruleRepo,
		NewDeliveryLedger(deliveryRepo, nil, zap.NewNop()),
		factory,
		map[string]ChannelSender{models.ChannelEmail: sender},
		cfg,
		zap.NewNop(),
	).(*ruleEngine)

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	return &engineFixture{
		engine:       engine,
		ruleRepo:     ruleRepo,
		deliveryRepo: deliveryRepo,
		factory:      factory,
		sender:       sender,
		rule:         rule,
		businessID:   businessID,
		now:          now,
	}
}

// scopedCtx carries a tenant scope so the engine reuses it instead of
// opening a database connection.
func scopedCtx() context.Context {
	return database.SetTenantScope(context.Background(), &database.TenantScope{})
}

func matchingRow(email string) map[string]any {
	return map[string]any{
		"id":             "row-1",
		"customer_email": email,
		"state":          "NoReply",
		"created_at":     "2025-06-01T00:00:00Z",
	}
}

func TestRuleEngine_RunRule_SendsMatches(t *testing.T) {
	rowA := matchingRow("jo@example.com")
	rowB := matchingRow("sam@example.com")
	rowB["id"] = "row-2"
	nonMatch := matchingRow("pat@example.com")
	nonMatch["state"] = "Replied"

	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{rowA, rowB, nonMatch})

	report, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Matched)
	assert.Equal(t, 2, report.Sent)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Skipped)

	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, "jo@example.com", f.sender.sent[0].Contact)
	assert.Equal(t, "Still interested?", f.sender.sent[0].Subject)
	assert.Equal(t, "Just checking in.", f.sender.sent[0].Body)

	require.Len(t, f.deliveryRepo.created, 2)
	first := f.deliveryRepo.created[0]
	assert.Equal(t, models.DeliveryStatusSent, first.Status)
	assert.Equal(t, f.rule.ID, first.RuleID)
	assert.Equal(t, "row-1", first.EntityPK)
	assert.NotEmpty(t, first.IdempotencyKey)
	assert.NotEqual(t, first.DedupeKey, f.deliveryRepo.created[1].DedupeKey)

	assert.True(t, f.factory.client.closed)
}

func TestRuleEngine_RunRule_TemplateRendersRowValues(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{matchingRow("jo@example.com")})
	f.rule.Action.MessageTemplate = "Hi {{.contact}}, your request is still {{.status}}."

	_, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	require.NoError(t, err)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "Hi jo@example.com, your request is still NoReply.", f.sender.sent[0].Body)
}

func TestRuleEngine_RunRule_DryRun(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{matchingRow("jo@example.com")})

	report, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Sent) // would send
	assert.Empty(t, f.sender.sent, "dry run must not dispatch")
	assert.Empty(t, f.deliveryRepo.created, "dry run must not write ledger rows")
}

func TestRuleEngine_RunRule_InactiveRule(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{matchingRow("jo@example.com")})
	f.rule.Active = false

	_, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrRuleInactive)

	// Dry run is always permitted.
	report, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	// Force permits a real run.
	report, err = f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, f.sender.sent, 1)
}

func TestRuleEngine_RunRule_SkipsMissingContact(t *testing.T) {
	row := matchingRow("")
	delete(row, "customer_email")

	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{row})

	report, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Sent)
	assert.Empty(t, f.sender.sent)
}

func TestRuleEngine_RunRule_SkipsKnownDuplicate(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{matchingRow("jo@example.com")})

	key := f.engine.ledger.DedupeKey(f.rule.ID, "jo@example.com", f.now)
	f.deliveryRepo.sentKeys[key] = true

	report, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Sent)
	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.deliveryRepo.created)
}

func TestRuleEngine_RunRule_ConcurrentDuplicate(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{matchingRow("jo@example.com")})
	// Pre-check misses, the insert loses the race.
	f.deliveryRepo.createErr = apperrors.ErrDuplicateDelivery

	report, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	require.NoError(t, err)

	assert.Zero(t, report.Sent)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	// The dispatch itself happened before the race was detected.
	assert.Len(t, f.sender.sent, 1)
}

func TestRuleEngine_RunRule_DispatchFailureRecorded(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{matchingRow("jo@example.com")})
	f.sender.result = SendResult{Error: "provider returned 500"}

	report, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Sent)

	require.Len(t, f.deliveryRepo.created, 1)
	assert.Equal(t, models.DeliveryStatusFailed, f.deliveryRepo.created[0].Status)
	assert.Equal(t, "provider returned 500", f.deliveryRepo.created[0].Error)
}

func TestRuleEngine_RunRule_NoSenderForChannel(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{matchingRow("jo@example.com")})
	f.rule.Action.Channel = models.ChannelSMS // no sms sender wired

	report, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	require.Len(t, f.deliveryRepo.created, 1)
	assert.Equal(t, models.DeliveryStatusFailed, f.deliveryRepo.created[0].Status)
	assert.Contains(t, f.deliveryRepo.created[0].Error, "no sender configured")
}

func TestRuleEngine_RunRule_ConditionConfigErrorAborts(t *testing.T) {
	// "priority" is not a mapped role; every row fails identically, so the
	// rule aborts instead of skipping rows one by one.
	f := newEngineFixture(t, `{"equals":{"field":"priority","value":"high"}}`,
		[]map[string]any{matchingRow("jo@example.com")})

	_, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrMappingField)
	assert.Empty(t, f.sender.sent)
	assert.Empty(t, f.deliveryRepo.created)
}

func TestRuleEngine_RunRule_FetchErrorPropagates(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`, nil)
	f.factory.client.fetchErr = errors.New("connection reset")

	_, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	assert.Error(t, err)
}

func TestRuleEngine_RunRule_BindingsErrorPropagates(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`, nil)
	f.ruleRepo.bindingsErr = apperrors.ErrNotFound

	_, err := f.engine.RunRule(scopedCtx(), f.businessID, f.rule.ID, RunOptions{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// batchRule clones the fixture rule under its own business, mapping and
// connection so each batch entry resolves independent bindings.
func batchRule(f *engineFixture, name string) (*models.Rule, *models.Connection) {
	businessID := uuid.New()
	mapping := *f.ruleRepo.bindings.Mapping
	mapping.ID = uuid.New()
	mapping.BusinessID = businessID

	conn := &models.Connection{
		ID:         uuid.New(),
		BusinessID: businessID,
		Type:       models.ConnectionTypePostgres,
		Status:     models.ConnectionStatusActive,
	}
	rule := *f.rule
	rule.ID = uuid.New()
	rule.MappingID = mapping.ID
	rule.BusinessID = businessID
	rule.Name = name

	if f.ruleRepo.bindingsByRule == nil {
		f.ruleRepo.bindingsByRule = make(map[uuid.UUID]*models.RuleBindings)
	}
	f.ruleRepo.bindingsByRule[rule.ID] = &models.RuleBindings{Rule: &rule, Mapping: &mapping, Connection: conn}
	return &rule, conn
}

func TestRuleEngine_ExecuteAllActiveRules_IsolatesFailingRule(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`,
		[]map[string]any{matchingRow("jo@example.com")})

	// Rule 2's tenant database is unreachable; rules 1 and 3 are healthy.
	rule2, conn2 := batchRule(f, "unreachable nudge")
	rule3, conn3 := batchRule(f, "third nudge")

	f.factory.errByConn = map[uuid.UUID]error{
		conn2.ID: errors.New("dial tcp 10.0.0.5:5432: i/o timeout"),
	}
	f.factory.clientsByConn = map[uuid.UUID]*stubReadOnlyClient{
		conn3.ID: {rows: []map[string]any{matchingRow("sam@example.com")}},
	}
	f.ruleRepo.activeRules = []*models.Rule{f.rule, rule2, rule3}

	batch, err := f.engine.ExecuteAllActiveRules(scopedCtx())
	require.NoError(t, err)

	assert.Equal(t, 2, batch.RulesRun)
	assert.Equal(t, 1, batch.RulesFailed)
	assert.Equal(t, 2, batch.Sent)
	assert.Zero(t, batch.Failed)

	require.Len(t, f.sender.sent, 2)
	assert.Equal(t, "jo@example.com", f.sender.sent[0].Contact)
	assert.Equal(t, "sam@example.com", f.sender.sent[1].Contact)
	assert.Len(t, f.deliveryRepo.created, 2)
}

func TestRuleEngine_ExecuteAllActiveRules_EmptyBatch(t *testing.T) {
	f := newEngineFixture(t, `{"equals":{"field":"status","value":"NoReply"}}`, nil)
	f.ruleRepo.activeRules = nil

	batch, err := f.engine.ExecuteAllActiveRules(scopedCtx())
	require.NoError(t, err)

	assert.Zero(t, batch.RulesRun)
	assert.Zero(t, batch.RulesFailed)
	assert.False(t, batch.FinishedAt.Before(batch.StartedAt))
	assert.Empty(t, f.sender.sent)
}
