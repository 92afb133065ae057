package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/condition"
	"github.com/relaydesk-inc/followup-engine/pkg/config"
	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/database"
	"github.com/relaydesk-inc/followup-engine/pkg/logging"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	"github.com/relaydesk-inc/followup-engine/pkg/repositories"
)

// RunOptions control a single rule execution.
type RunOptions struct {
	// DryRun fetches and evaluates but dispatches nothing and writes no
	// ledger rows. Permitted even for inactive rules.
	DryRun bool
	// Force allows a manual non-dry run of an inactive rule.
	Force bool
}

// RunReport summarizes one rule execution.
type RunReport struct {
	RuleID   uuid.UUID `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	DryRun   bool      `json:"dry_run"`
	Fetched  int       `json:"fetched"`
	Matched  int       `json:"matched"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
}

// BatchReport summarizes one scheduler tick over all active rules.
type BatchReport struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	RulesRun    int       `json:"rules_run"`
	RulesFailed int       `json:"rules_failed"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
}

// RuleEngine executes follow-up rules: fetch candidate rows from the tenant
// database, evaluate each against the rule's condition, dispatch matches
// through the action's channel, and record the outcome in the delivery
// ledger.
type RuleEngine interface {
	// RunRule executes one rule. Inactive rules are rejected with
	// apperrors.ErrRuleInactive unless opts.DryRun or opts.Force is set.
	RunRule(ctx context.Context, businessID, ruleID uuid.UUID, opts RunOptions) (*RunReport, error)

	// ExecuteAllActiveRules runs every active rule across all tenants, each
	// in its own tenant scope. One rule's failure never aborts the batch.
	ExecuteAllActiveRules(ctx context.Context) (*BatchReport, error)
}

type ruleEngine struct {
	db       *database.DB
	ruleRepo repositories.RuleRepository
	ledger   DeliveryLedger
	factory  connectors.ClientFactory
	senders  map[string]ChannelSender
	cfg      config.FollowupConfig
	queryTO  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewRuleEngine creates the engine. senders maps each channel (email, sms,
// webhook) to its provider; channels without an entry fail deliveries with a
// recorded error rather than aborting the rule.
func NewRuleEngine(
	db *database.DB,
	ruleRepo repositories.RuleRepository,
	ledger DeliveryLedger,
	factory connectors.ClientFactory,
	senders map[string]ChannelSender,
	cfg *config.Config,
	logger *zap.Logger,
) RuleEngine {
	return &ruleEngine{
		db:       db,
		ruleRepo: ruleRepo,
		ledger:   ledger,
		factory:  factory,
		senders:  senders,
		cfg:      cfg.Followup,
		queryTO:  time.Duration(cfg.Connector.QueryTimeoutSeconds) * time.Second,
		now:      time.Now,
		logger:   logger.Named("rule-engine"),
	}
}

var _ RuleEngine = (*ruleEngine)(nil)

func (e *ruleEngine) RunRule(ctx context.Context, businessID, ruleID uuid.UUID, opts RunOptions) (*RunReport, error) {
	var report *RunReport
	err := e.inTenantScope(ctx, businessID, func(ctx context.Context) error {
		var err error
		report, err = e.runRuleScoped(ctx, businessID, ruleID, opts)
		return err
	})
	return report, err
}

func (e *ruleEngine) runRuleScoped(ctx context.Context, businessID, ruleID uuid.UUID, opts RunOptions) (*RunReport, error) {
	bindings, err := e.ruleRepo.GetBindings(ctx, businessID, ruleID)
	if err != nil {
		return nil, err
	}
	rule, mapping, conn := bindings.Rule, bindings.Mapping, bindings.Connection

	if !rule.Active && !opts.DryRun && !opts.Force {
		return nil, fmt.Errorf("rule %s: %w", ruleID, apperrors.ErrRuleInactive)
	}
	if mapping.ValidatedAt == nil {
		e.logger.Warn("Rule mapping was never validated against the live schema",
			zap.String("rule_id", ruleID.String()),
			zap.String("mapping_id", mapping.ID.String()))
	}

	report := &RunReport{RuleID: rule.ID, RuleName: rule.Name, DryRun: opts.DryRun}

	rows, err := e.fetchCandidates(ctx, conn, mapping, rule)
	if err != nil {
		return nil, err
	}
	report.Fetched = len(rows)

	contactColumn, err := ResolveField(mapping, models.FieldRoleContact)
	if err != nil {
		return nil, err
	}
	pkColumn, err := ResolveField(mapping, models.FieldRolePK)
	if err != nil {
		return nil, err
	}

	now := e.now()
	for _, row := range rows {
		matched, err := condition.Evaluate(&rule.Condition, row, mapping.Fields, now)
		if err != nil {
			// Config errors affect every row identically; abort the rule.
			return nil, fmt.Errorf("rule %s condition: %w", rule.ID, err)
		}
		if !matched {
			continue
		}
		report.Matched++

		contact := condition.FormatRowValue(row[contactColumn])
		if contact == "" {
			// A matched row with no contact cannot be delivered to.
			report.Skipped++
			continue
		}

		dedupeKey := e.ledger.DedupeKey(rule.ID, contact, now)
		dup, err := e.ledger.IsDuplicate(ctx, dedupeKey)
		if err != nil {
			return nil, fmt.Errorf("dedupe lookup: %w", err)
		}
		if dup {
			report.Skipped++
			continue
		}

		if opts.DryRun {
			// Dry runs stop at the decision: contact resolved, not a
			// duplicate, would send.
			report.Sent++
			continue
		}

		e.deliver(ctx, report, rule, mapping, row, contact,
			condition.FormatRowValue(row[pkColumn]), dedupeKey)
	}

	e.logger.Info("Rule run complete",
		zap.String("business_id", businessID.String()),
		zap.String("rule_id", rule.ID.String()),
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("fetched", report.Fetched),
		zap.Int("matched", report.Matched),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// fetchCandidates loads candidate rows through a read-only client, selecting
// only the columns the rule's condition and delivery need.
func (e *ruleEngine) fetchCandidates(ctx context.Context, conn *models.Connection, mapping *models.Mapping, rule *models.Rule) ([]map[string]any, error) {
	columns, err := BuildSelect(mapping, rule.Condition.Fields())
	if err != nil {
		return nil, err
	}

	client, err := e.factory.NewReadOnlyClient(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("connection %s: %w", conn.ID, err)
	}
	defer func() { _ = client.Close() }()

	queryCtx, cancel := context.WithTimeout(ctx, e.queryTO)
	defer cancel()

	rows, err := client.FetchRows(queryCtx, mapping.Resource, columns, e.cfg.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", mapping.Resource, err)
	}
	return rows, nil
}

// deliver dispatches one matched row and records the outcome. Dispatch comes
// first; the ledger row is written after with the result, and the unique
// index resolves any race between concurrent runners.
func (e *ruleEngine) deliver(ctx context.Context, report *RunReport, rule *models.Rule, mapping *models.Mapping, row map[string]any, contact, entityPK, dedupeKey string) {
	delivery := &models.Delivery{
		ID:         uuid.New(),
		RuleID:     rule.ID,
		BusinessID: rule.BusinessID,
		EntityPK:   entityPK,
		Contact:    contact,
		Channel:    rule.Action.Channel,
		DedupeKey:  dedupeKey,
		SentAt:     e.now().UTC(),
	}

	result := e.dispatch(ctx, rule, mapping, row, contact)
	if result.Success {
		delivery.Status = models.DeliveryStatusSent
		report.Sent++
	} else {
		delivery.Status = models.DeliveryStatusFailed
		delivery.Error = result.Error
		report.Failed++
		e.logger.Warn("Delivery dispatch failed",
			zap.String("rule_id", rule.ID.String()),
			zap.String("channel", rule.Action.Channel),
			zap.String("error", result.Error))
	}

	if err := e.ledger.Record(ctx, delivery); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateDelivery) {
			// A concurrent runner won the race after our pre-check. The
			// message may have gone out twice; the ledger stays truthful
			// about the first one.
			e.logger.Warn("Concurrent duplicate delivery detected",
				zap.String("rule_id", rule.ID.String()),
				zap.String("dedupe_key", dedupeKey))
			if result.Success {
				report.Sent--
			} else {
				report.Failed--
			}
			report.Skipped++
			return
		}
		e.logger.Error("Failed to record delivery",
			zap.String("rule_id", rule.ID.String()),
			zap.Error(err))
	}
}

func (e *ruleEngine) dispatch(ctx context.Context, rule *models.Rule, mapping *models.Mapping, row map[string]any, contact string) SendResult {
	sender, ok := e.senders[rule.Action.Channel]
	if !ok {
		return SendResult{Error: fmt.Sprintf("no sender configured for channel %q", rule.Action.Channel)}
	}

	roleValues := make(map[string]string, len(mapping.Fields))
	for role, column := range mapping.Fields {
		roleValues[role] = condition.FormatRowValue(row[column])
	}

	body, err := RenderMessage(rule.Action, roleValues)
	if err != nil {
		return SendResult{Error: logging.SanitizeError(err)}
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.DispatchTimeoutSeconds)*time.Second)
	defer cancel()

	return sender.Send(dispatchCtx, OutboundMessage{
		Channel: rule.Action.Channel,
		Contact: contact,
		Subject: rule.Action.Subject,
		Body:    body,
	})
}

func (e *ruleEngine) ExecuteAllActiveRules(ctx context.Context) (*BatchReport, error) {
	batch := &BatchReport{StartedAt: e.now().UTC()}

	rules, err := e.listActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	delay := time.Duration(e.cfg.InterRuleDelayMs) * time.Millisecond
	for i, rule := range rules {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && delay > 0 {
			time.Sleep(delay)
		}

		report, err := e.RunRule(ctx, rule.BusinessID, rule.ID, RunOptions{})
		if err != nil {
			batch.RulesFailed++
			e.logger.Error("Rule run failed",
				zap.String("business_id", rule.BusinessID.String()),
				zap.String("rule_id", rule.ID.String()),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		batch.RulesRun++
		batch.Sent += report.Sent
		batch.Failed += report.Failed
		batch.Skipped += report.Skipped
	}

	batch.FinishedAt = e.now().UTC()
	e.logger.Info("Batch execution complete",
		zap.Int("rules_run", batch.RulesRun),
		zap.Int("rules_failed", batch.RulesFailed),
		zap.Int("sent", batch.Sent),
		zap.Int("failed", batch.Failed),
		zap.Int("skipped", batch.Skipped),
		zap.Duration("elapsed", batch.FinishedAt.Sub(batch.StartedAt)))
	return batch, nil
}

// listActiveRules loads every active rule across all tenants. The listing
// needs an unscoped connection; individual rule runs re-enter their own
// tenant scope. A scope already in ctx is reused.
func (e *ruleEngine) listActiveRules(ctx context.Context) ([]*models.Rule, error) {
	if _, ok := database.GetTenantScope(ctx); ok {
		return e.ruleRepo.FindActiveRules(ctx)
	}
	scope, err := e.db.WithoutTenant(ctx)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	return e.ruleRepo.FindActiveRules(database.SetTenantScope(ctx, scope))
}

// inTenantScope runs fn under the tenant's row-level-security scope, reusing
// an existing scope when the caller (HTTP middleware) already holds one.
func (e *ruleEngine) inTenantScope(ctx context.Context, businessID uuid.UUID, fn func(ctx context.Context) error) error {
	if _, ok := database.GetTenantScope(ctx); ok {
		return fn(ctx)
	}
	return e.db.ScopeFunc(ctx, businessID, fn)
}
