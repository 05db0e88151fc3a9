// Package rules manages automation rules owned by a user or organization.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/service/matcher"
	"mailfollowup/pkg/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrValidation = errors.New("invalid automation rule")
	ErrNotFound   = repository.ErrNotFound
)

type CreateInput struct {
	UserID             string `validate:"required"`
	OrganizationID     string `validate:"omitempty,max=128"`
	Name               string `validate:"required,max=200"`
	Description        string `validate:"max=2000"`
	TriggerConditions  model.TriggerConditions
	AutomationSettings model.AutomationSettings
	AIPreferences      model.AIPreferences
	ApprovalWorkflow   *model.ApprovalWorkflow
	// IsActive defaults to true.
	IsActive *bool
}

type Service struct {
	rules  repository.RuleStore
	logger *zap.Logger
	now    func() time.Time
}

func NewService(rules repository.RuleStore, logger *zap.Logger) *Service {
	return &Service{rules: rules, logger: logger, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates and stores a rule. Trigger conditions are compiled once
// here so that a stored rule always compiles in the sweep.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.AutomationRule, error) {
	if err := util.ValidateStruct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := matcher.Compile(in.TriggerConditions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validateSettings(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now()
	rule := &model.AutomationRule{
		ID:                 uuid.NewString(),
		UserID:             in.UserID,
		OrganizationID:     in.OrganizationID,
		Name:               in.Name,
		Description:        in.Description,
		TriggerConditions:  in.TriggerConditions,
		AutomationSettings: in.AutomationSettings,
		AIPreferences:      in.AIPreferences,
		ApprovalWorkflow:   in.ApprovalWorkflow,
		IsActive:           in.IsActive == nil || *in.IsActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.rules.Insert(ctx, rule); err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}

	s.logger.Info("Automation rule created",
		zap.String("rule_id", rule.ID),
		zap.String("user_id", rule.UserID),
		zap.String("name", rule.Name),
	)
	return rule, nil
}

func validateSettings(in CreateInput) error {
	st := in.AutomationSettings
	if st.ApprovalThreshold != nil && (*st.ApprovalThreshold < 0 || *st.ApprovalThreshold > 1) {
		return errors.New("approval_threshold must be between 0 and 1")
	}
	if st.MaxAttempts != nil && *st.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if st.EscalationDelayHours != nil && *st.EscalationDelayHours < 0 {
		return errors.New("escalation_delay_hours must not be negative")
	}
	if in.AIPreferences.MaxLength < 0 {
		return errors.New("max_length must not be negative")
	}
	if wf := in.ApprovalWorkflow; wf != nil {
		if wf.TimeoutHours < 0 {
			return errors.New("timeout_hours must not be negative")
		}
		if !wf.FallbackAction.Valid() {
			return fmt.Errorf("unknown fallback_action %q", wf.FallbackAction)
		}
	}
	return nil
}

// List returns the rules visible to a user, optionally only active ones.
func (s *Service) List(ctx context.Context, userID, organizationID string, activeOnly bool) ([]model.AutomationRule, error) {
	return s.rules.List(ctx, repository.RuleFilter{
		UserID:         userID,
		OrganizationID: organizationID,
		ActiveOnly:     activeOnly,
	})
}

// Get returns id when it belongs to userID. An empty userID skips the check.
func (s *Service) Get(ctx context.Context, userID, id string) (*model.AutomationRule, error) {
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && rule.UserID != userID {
		return nil, ErrNotFound
	}
	return rule, nil
}

// SetActive pauses or resumes a rule. Existing executions are not touched.
func (s *Service) SetActive(ctx context.Context, userID, id string, active bool) (*model.AutomationRule, error) {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	ok, err := s.rules.SetActive(ctx, id, active)
	if err != nil {
		return nil, fmt.Errorf("set rule active: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	s.logger.Info("Automation rule toggled",
		zap.String("rule_id", id),
		zap.Bool("active", active),
	)
	return s.rules.GetByID(ctx, id)
}
