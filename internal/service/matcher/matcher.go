package matcher

import (
	"context"
	"fmt"
	"slices"
	"time"

	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"

	"go.uber.org/zap"
)

// Matcher selects the followups a rule applies to.
type Matcher struct {
	followups repository.FollowupStore
	logger    *zap.Logger
	loc       *time.Location
	now       func() time.Time
}

func New(followups repository.FollowupStore, logger *zap.Logger) *Matcher {
	return &Matcher{
		followups: followups,
		logger:    logger,
		loc:       time.UTC,
		now:       time.Now,
	}
}

func (m *Matcher) WithClock(now func() time.Time) *Matcher {
	m.now = now
	return m
}

// WithLocation sets the zone time_of_day and days_of_week are evaluated in.
func (m *Matcher) WithLocation(loc *time.Location) *Matcher {
	if loc != nil {
		m.loc = loc
	}
	return m
}

// FindMatchingFollowups compiles the rule and returns the owner's open
// followups that satisfy it. A rule that fails to compile returns an error
// and no followups.
func (m *Matcher) FindMatchingFollowups(ctx context.Context, rule *model.AutomationRule) ([]model.Followup, error) {
	prog, err := Compile(rule.TriggerConditions)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	filter := repository.FollowupFilter{
		UserID:         rule.UserID,
		OrganizationID: rule.OrganizationID,
		Statuses:       openStatuses(rule.TriggerConditions.StatusTypes),
		Priorities:     rule.TriggerConditions.PriorityLevels,
	}
	if len(filter.Statuses) == 0 {
		return []model.Followup{}, nil
	}

	candidates, err := m.followups.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list followups for rule %s: %w", rule.ID, err)
	}

	now := m.now().In(m.loc)
	matched := make([]model.Followup, 0, len(candidates))
	for i := range candidates {
		if prog.Match(&candidates[i], now) {
			matched = append(matched, candidates[i])
		}
	}

	m.logger.Debug("Rule evaluated",
		zap.String("rule_id", rule.ID),
		zap.Int("conditions", len(prog)),
		zap.Int("candidates", len(candidates)),
		zap.Int("matched", len(matched)),
	)
	return matched, nil
}

// openStatuses narrows wanted to non-terminal statuses; no wanted means all
// of them.
func openStatuses(wanted []model.FollowupStatus) []model.FollowupStatus {
	if len(wanted) == 0 {
		return model.ActiveFollowupStatuses
	}
	out := make([]model.FollowupStatus, 0, len(wanted))
	for _, s := range model.ActiveFollowupStatuses {
		if slices.Contains(wanted, s) {
			out = append(out, s)
		}
	}
	return out
}
