package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/apperrors"
	"github.com/relaydesk-inc/followup-engine/pkg/condition"
	"github.com/relaydesk-inc/followup-engine/pkg/jsonutil"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
	"github.com/relaydesk-inc/followup-engine/pkg/repositories"
	sqlguard "github.com/relaydesk-inc/followup-engine/pkg/sql"
)

// RuleInput carries a rule definition from a create or update request.
// Condition arrives as raw JSON so decode errors surface as validation
// errors, not transport errors.
type RuleInput struct {
	MappingID    uuid.UUID          `json:"mapping_id"`
	Name         string             `json:"name"`
	Active       *bool              `json:"active,omitempty"`
	ScheduleCron string             `json:"schedule_cron,omitempty"`
	Condition    *condition.Node    `json:"condition,omitempty"`
	Action       *models.RuleAction `json:"action,omitempty"`
}

// RuleService manages follow-up rules. Every write path re-validates the
// condition tree against the owning mapping, so a stored rule is always
// executable without config errors (unless the mapping changes underneath
// it, which execution handles by failing that rule in isolation).
type RuleService interface {
	Create(ctx context.Context, businessID uuid.UUID, input RuleInput) (*models.Rule, error)
	Get(ctx context.Context, businessID, id uuid.UUID) (*models.Rule, error)
	List(ctx context.Context, businessID uuid.UUID) ([]*models.Rule, error)
	Update(ctx context.Context, businessID, id uuid.UUID, input RuleInput) (*models.Rule, error)
	Delete(ctx context.Context, businessID, id uuid.UUID) error
}

type ruleService struct {
	repo        repositories.RuleRepository
	mappingRepo repositories.MappingRepository
	logger      *zap.Logger
}

// NewRuleService creates a RuleService.
func NewRuleService(repo repositories.RuleRepository, mappingRepo repositories.MappingRepository, logger *zap.Logger) RuleService {
	return &ruleService{
		repo:        repo,
		mappingRepo: mappingRepo,
		logger:      logger.Named("rule-service"),
	}
}

var _ RuleService = (*ruleService)(nil)

func (s *ruleService) Create(ctx context.Context, businessID uuid.UUID, input RuleInput) (*models.Rule, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("%w: rule name is required", apperrors.ErrValidation)
	}
	if input.Condition == nil {
		return nil, fmt.Errorf("%w: rule condition is required", apperrors.ErrValidation)
	}
	if input.Action == nil {
		return nil, fmt.Errorf("%w: rule action is required", apperrors.ErrValidation)
	}
	if err := validateRuleAction(*input.Action); err != nil {
		return nil, err
	}
	if input.ScheduleCron != "" {
		if _, err := ParseCronInterval(input.ScheduleCron); err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
		}
	}

	mapping, err := s.mappingRepo.GetByID(ctx, businessID, input.MappingID)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", input.MappingID, err)
	}
	if err := validateRuleCondition(input.Condition, mapping); err != nil {
		return nil, err
	}

	rule := &models.Rule{
		ID:           uuid.New(),
		MappingID:    input.MappingID,
		BusinessID:   businessID,
		Name:         input.Name,
		Active:       input.Active != nil && *input.Active,
		ScheduleCron: input.ScheduleCron,
		Condition:    *input.Condition,
		Action:       *input.Action,
	}
	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("Created rule",
		zap.String("business_id", businessID.String()),
		zap.String("rule_id", rule.ID.String()),
		zap.String("name", rule.Name),
		zap.Bool("active", rule.Active))
	return rule, nil
}

func (s *ruleService) Get(ctx context.Context, businessID, id uuid.UUID) (*models.Rule, error) {
	return s.repo.GetByID(ctx, businessID, id)
}

func (s *ruleService) List(ctx context.Context, businessID uuid.UUID) ([]*models.Rule, error) {
	return s.repo.List(ctx, businessID)
}

func (s *ruleService) Update(ctx context.Context, businessID, id uuid.UUID, input RuleInput) (*models.Rule, error) {
	rule, err := s.repo.GetByID(ctx, businessID, id)
	if err != nil {
		return nil, err
	}

	if input.Name != "" {
		rule.Name = input.Name
	}
	if input.Active != nil {
		rule.Active = *input.Active
	}
	if input.ScheduleCron != "" {
		if _, err := ParseCronInterval(input.ScheduleCron); err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
		}
		rule.ScheduleCron = input.ScheduleCron
	}
	if input.MappingID != uuid.Nil {
		rule.MappingID = input.MappingID
	}
	if input.Condition != nil {
		rule.Condition = *input.Condition
	}
	if input.Action != nil {
		if err := validateRuleAction(*input.Action); err != nil {
			return nil, err
		}
		rule.Action = *input.Action
	}

	// Re-validate the (possibly unchanged) condition against the current
	// mapping; a mapping swap can invalidate an old condition.
	mapping, err := s.mappingRepo.GetByID(ctx, businessID, rule.MappingID)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", rule.MappingID, err)
	}
	if err := validateRuleCondition(&rule.Condition, mapping); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, rule); err != nil {
		return nil, err
	}

	s.logger.Info("Updated rule",
		zap.String("business_id", businessID.String()),
		zap.String("rule_id", id.String()))
	return rule, nil
}

func (s *ruleService) Delete(ctx context.Context, businessID, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, businessID, id); err != nil {
		return err
	}
	s.logger.Info("Deleted rule",
		zap.String("business_id", businessID.String()),
		zap.String("rule_id", id.String()))
	return nil
}

func validateRuleAction(action models.RuleAction) error {
	switch action.Channel {
	case models.ChannelEmail, models.ChannelSMS, models.ChannelWebhook:
	default:
		return fmt.Errorf("%w: invalid action channel %q", apperrors.ErrValidation, action.Channel)
	}
	if action.Content == "" && action.MessageTemplate == "" {
		return fmt.Errorf("%w: rule action needs content or a message template", apperrors.ErrValidation)
	}
	return nil
}

// validateRuleCondition checks the tree's structure against the mapping and
// screens every comparison value for SQL injection fingerprints. Values are
// only ever compared in-process, never spliced into SQL, but a tenant-
// authored string that trips the screen is a configuration smell worth
// rejecting at save time.
func validateRuleCondition(n *condition.Node, mapping *models.Mapping) error {
	if err := n.Validate(mapping.Fields); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
	}
	return screenConditionValues(n)
}

func screenConditionValues(n *condition.Node) error {
	if n.Pred != nil && len(n.Pred.Value) > 0 {
		value := jsonutil.FlexibleStringValue(n.Pred.Value)
		if result := sqlguard.CheckValueForInjection(n.Pred.Field, value); result != nil {
			return fmt.Errorf("%w: predicate value for %q rejected (injection fingerprint %s)",
				apperrors.ErrValidation, n.Pred.Field, result.Fingerprint)
		}
	}
	for i := range n.Children {
		if err := screenConditionValues(&n.Children[i]); err != nil {
			return err
		}
	}
	return nil
}
