package automation

import (
	"context"
	"fmt"
	"time"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExpiryOutcome reports what ResolveExpired did with one execution.
type ExpiryOutcome string

const (
	ExpiryLeft      ExpiryOutcome = "left"
	ExpirySent      ExpiryOutcome = "sent"
	ExpiryFailed    ExpiryOutcome = "failed"
	ExpirySkipped   ExpiryOutcome = "skipped"
	ExpiryEscalated ExpiryOutcome = "escalated"
	ExpiryConflict  ExpiryOutcome = "conflict"
)

// ResolveExpired applies the rule's fallback action to an execution whose
// approval deadline has passed. Executions without a fallback are left
// awaiting approval and stamped so later sweeps stop listing them.
// Escalation happens once per execution.
func (e *Engine) ResolveExpired(ctx context.Context, exec *model.AutomationExecution) (ExpiryOutcome, error) {
	now := e.now()
	if exec.Status != model.ExecutionAwaitingApproval || exec.ApprovalDeadline == nil || exec.ApprovalDeadline.After(now) {
		return ExpiryLeft, nil
	}

	rule, err := e.rules.GetByID(ctx, exec.RuleID)
	if err != nil {
		return ExpiryLeft, fmt.Errorf("load rule %s: %w", exec.RuleID, err)
	}
	var action model.FallbackAction
	if rule.ApprovalWorkflow != nil {
		action = rule.ApprovalWorkflow.FallbackAction
	}
	log := logger.WithTrace(ctx, e.logger).With(
		zap.String("execution_id", exec.ID),
		zap.String("fallback_action", string(action)),
	)

	switch action {
	case model.FallbackSend:
		ok, err := e.transition(ctx, exec, model.ExecutionPatch{
			Status:   model.Ptr(model.ExecutionApproved),
			Metadata: map[string]any{model.MetaFallbackAction: string(action)},
		})
		if err != nil {
			return ExpiryLeft, err
		}
		if !ok {
			return ExpiryConflict, nil
		}
		log.Info("Approval window expired, sending")
		f, err := e.followups.GetByID(ctx, exec.FollowupID)
		if err != nil {
			return ExpiryLeft, fmt.Errorf("load followup %s: %w", exec.FollowupID, err)
		}
		if err := e.dispatch(ctx, rule, f, exec); err != nil {
			return ExpiryLeft, err
		}
		switch exec.Status {
		case model.ExecutionSent:
			return ExpirySent, nil
		case model.ExecutionSkipped:
			return ExpirySkipped, nil
		case model.ExecutionFailed:
			return ExpiryFailed, nil
		}
		return ExpiryConflict, nil

	case model.FallbackSkip:
		before := exec.Version
		if err := e.skip(ctx, exec, "approval window expired"); err != nil {
			return ExpiryLeft, err
		}
		if exec.Version == before {
			return ExpiryConflict, nil
		}
		return ExpirySkipped, nil

	case model.FallbackEscalate:
		ok, err := e.transition(ctx, exec, model.ExecutionPatch{
			Metadata: map[string]any{
				model.MetaEscalatedAt:    now,
				model.MetaFallbackAction: string(action),
			},
		})
		if err != nil {
			return ExpiryLeft, err
		}
		if !ok {
			return ExpiryConflict, nil
		}
		if err := e.reminders.Insert(ctx, escalationReminder(exec, rule, now)); err != nil {
			log.Error("Failed to insert escalation reminder", zap.Error(err))
		}
		log.Warn("Approval window expired, escalated")
		e.emit(ctx, mq.RoutingExecutionEscalated, exec, approversOf(rule))
		return ExpiryEscalated, nil
	}

	ok, err := e.transition(ctx, exec, model.ExecutionPatch{
		Metadata: map[string]any{model.MetaExpiryNotedAt: now},
	})
	if err != nil {
		return ExpiryLeft, err
	}
	if !ok {
		return ExpiryConflict, nil
	}
	log.Info("Approval window expired without fallback, awaiting approval")
	return ExpiryLeft, nil
}

func escalationReminder(exec *model.AutomationExecution, rule *model.AutomationRule, now time.Time) *model.Reminder {
	return &model.Reminder{
		ID:           uuid.NewString(),
		FollowupID:   exec.FollowupID,
		UserID:       exec.UserID,
		ReminderType: model.ReminderNotification,
		ReminderTime: now,
		Status:       model.ReminderPending,
		Title:        "Approval overdue: " + rule.Name,
		Message:      fmt.Sprintf("Execution %s passed its approval deadline at %s.", exec.ID, exec.ApprovalDeadline.Format(time.RFC3339)),
		CreatedAt:    now,
	}
}
