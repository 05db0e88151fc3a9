// Package automation drives automation executions from trigger to draft,
// approval and dispatch. Every state change is a conditional write keyed on
// the execution's status and version; losing such a write means another
// actor already handled the execution and is not an error.
package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/service/draft"
	"mailfollowup/internal/service/events"
	"mailfollowup/internal/service/sender"
	"mailfollowup/pkg/circuitbreaker"
	"mailfollowup/pkg/logger"
	"mailfollowup/pkg/metrics"
	"mailfollowup/pkg/otel"
	"mailfollowup/pkg/trace"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = errors.New("execution does not allow this action in its current status")
	ErrNotApprover       = errors.New("approver is not part of the approval workflow")
	ErrValidation        = errors.New("invalid automation input")
	ErrNotFound          = repository.ErrNotFound
)

// Lifecycle is the part of the followup service the engine reports to.
type Lifecycle interface {
	MarkSent(ctx context.Context, id string, sentAt *time.Time) (*model.Followup, error)
}

type Deps struct {
	Stores    repository.Stores
	Lifecycle Lifecycle
	Generator draft.Generator
	Sender    sender.Sender
	Events    events.Publisher
	Logger    *zap.Logger
	// Breaker applies to both the draft generator and the sender.
	Breaker circuitbreaker.Config
}

type Engine struct {
	followups  repository.FollowupStore
	reminders  repository.ReminderStore
	rules      repository.RuleStore
	executions repository.ExecutionStore
	lifecycle  Lifecycle
	generator  draft.Generator
	sender     sender.Sender
	events     events.Publisher
	logger     *zap.Logger

	draftBreaker *circuitbreaker.CircuitBreaker
	sendBreaker  *circuitbreaker.CircuitBreaker

	now func() time.Time
}

func NewEngine(d Deps) *Engine {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Generator == nil {
		d.Generator = draft.Template{}
	}
	e := &Engine{
		followups:    d.Stores.Followups,
		reminders:    d.Stores.Reminders,
		rules:        d.Stores.Rules,
		executions:   d.Stores.Executions,
		lifecycle:    d.Lifecycle,
		generator:    d.Generator,
		sender:       d.Sender,
		events:       d.Events,
		logger:       d.Logger,
		draftBreaker: circuitbreaker.NewCircuitBreaker("draft_generator", d.Breaker),
		sendBreaker:  circuitbreaker.NewCircuitBreaker("sender", d.Breaker),
		now:          time.Now,
	}
	onChange := func(name string, from, to circuitbreaker.State) {
		e.logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	e.draftBreaker.OnStateChange = onChange
	e.sendBreaker.OnStateChange = onChange
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Trigger creates an execution for (rule, f) unless one is already active
// and advances it as far as the rule allows without outside input. It
// returns nil when an active execution already exists. Collaborator
// failures are recorded on the execution and not returned.
func (e *Engine) Trigger(ctx context.Context, rule *model.AutomationRule, f *model.Followup) (*model.AutomationExecution, error) {
	now := e.now()
	exec := &model.AutomationExecution{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		FollowupID:  f.ID,
		UserID:      f.UserID,
		TriggeredAt: now,
		Status:      model.ExecutionPending,
		Approvals:   []model.ApprovalRecord{},
		Metadata:    map[string]any{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created, err := e.executions.InsertIfNoActive(ctx, exec)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	if !created {
		e.logger.Debug("Active execution exists, skipping",
			zap.String("rule_id", rule.ID),
			zap.String("followup_id", f.ID),
		)
		return nil, nil
	}

	metrics.IncrementExecutionTransition(string(model.ExecutionPending))
	logger.WithTrace(ctx, e.logger).Info("Execution created",
		zap.String("execution_id", exec.ID),
		zap.String("rule_id", rule.ID),
		zap.String("followup_id", f.ID),
	)
	e.emit(ctx, mq.RoutingExecutionCreated, exec, nil)

	return exec, e.advance(ctx, rule, f, exec)
}

func (e *Engine) advance(ctx context.Context, rule *model.AutomationRule, f *model.Followup, exec *model.AutomationExecution) error {
	settings := rule.AutomationSettings

	if settings.AutoGenerateDraft {
		ok, err := e.transition(ctx, exec, model.ExecutionPatch{Status: model.Ptr(model.ExecutionGenerating)})
		if err != nil || !ok {
			return err
		}

		res, genErr := e.generate(ctx, rule, f)
		if genErr != nil {
			return e.fail(ctx, exec, "draft generation failed: "+genErr.Error())
		}

		now := e.now()
		patch := model.ExecutionPatch{
			Status: model.Ptr(model.ExecutionAwaitingApproval),
			Draft: &model.AIDraft{
				Subject:     res.Subject,
				Content:     res.Body,
				GeneratedAt: &now,
			},
			AIConfidence: model.Ptr(res.Confidence),
			AIReasoning:  model.Ptr(res.Reasoning),
		}
		if settings.RequireApproval {
			stampApproval(&patch, rule, now)
		}
		ok, err = e.transition(ctx, exec, patch)
		if err != nil || !ok {
			return err
		}
	}

	if settings.RequireApproval {
		if exec.ApprovalRequestedAt == nil {
			patch := model.ExecutionPatch{Status: model.Ptr(model.ExecutionAwaitingApproval)}
			stampApproval(&patch, rule, e.now())
			ok, err := e.transition(ctx, exec, patch)
			if err != nil || !ok {
				return err
			}
		}
		e.emit(ctx, mq.RoutingExecutionAwaitingApproval, exec, approversOf(rule))
		return nil
	}

	if settings.AutoSend {
		return e.dispatch(ctx, rule, f, exec)
	}
	return nil
}

func (e *Engine) generate(ctx context.Context, rule *model.AutomationRule, f *model.Followup) (*draft.Result, error) {
	ctx, span := otel.StartSpan(ctx, "draft.generate",
		attribute.String("rule.id", rule.ID),
		attribute.String("followup.id", f.ID),
		attribute.String("draft.provider", e.generator.Name()),
	)

	dc := draft.Context{
		Subject:           f.Subject,
		Recipients:        f.Recipients,
		DaysSinceOriginal: model.FloorDays(e.now().Sub(f.OriginalSentAt)),
		Reason:            f.Reason,
		Priority:          f.Priority,
		ContextSummary:    f.ContextSummary,
	}

	start := time.Now()
	var res *draft.Result
	err := e.draftBreaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var genErr error
		res, genErr = e.generator.Generate(ctx, dc, rule.AIPreferences)
		return genErr
	})
	otel.EndSpan(span, err)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordDraftGeneration(e.generator.Name(), status, time.Since(start))
	return res, err
}

// transition writes patch conditioned on exec's current status and version
// and mirrors it onto exec when the write wins.
func (e *Engine) transition(ctx context.Context, exec *model.AutomationExecution, patch model.ExecutionPatch) (bool, error) {
	ok, err := e.executions.Transition(ctx, exec.ID, exec.Status, exec.Version, patch)
	if err != nil {
		logger.WithTrace(ctx, e.logger).Error("Execution transition failed",
			zap.String("execution_id", exec.ID),
			zap.String("from", string(exec.Status)),
			zap.Error(err),
		)
		return false, fmt.Errorf("transition execution %s: %w", exec.ID, err)
	}
	if !ok {
		e.logger.Debug("Execution changed concurrently",
			zap.String("execution_id", exec.ID),
			zap.String("expected_status", string(exec.Status)),
			zap.Int("expected_version", exec.Version),
		)
		return false, nil
	}
	patch.Apply(exec, e.now())
	if patch.Status != nil {
		metrics.IncrementExecutionTransition(string(*patch.Status))
	}
	return true, nil
}

func (e *Engine) fail(ctx context.Context, exec *model.AutomationExecution, msg string) error {
	ok, err := e.transition(ctx, exec, model.ExecutionPatch{
		Status:          model.Ptr(model.ExecutionFailed),
		ExecutionResult: model.Ptr(model.ResultFailed),
		ErrorMessage:    &msg,
	})
	if err != nil || !ok {
		return err
	}
	logger.WithTrace(ctx, e.logger).Warn("Execution failed",
		zap.String("execution_id", exec.ID),
		zap.String("error", msg),
	)
	e.emit(ctx, mq.RoutingExecutionFailed, exec, nil)
	return nil
}

func (e *Engine) skip(ctx context.Context, exec *model.AutomationExecution, reason string) error {
	ok, err := e.transition(ctx, exec, model.ExecutionPatch{
		Status:          model.Ptr(model.ExecutionSkipped),
		ExecutionResult: model.Ptr(model.ResultSkipped),
		ErrorMessage:    &reason,
	})
	if err != nil || !ok {
		return err
	}
	e.logger.Info("Execution skipped",
		zap.String("execution_id", exec.ID),
		zap.String("reason", reason),
	)
	e.emit(ctx, mq.RoutingExecutionSkipped, exec, nil)
	return nil
}

func (e *Engine) emit(ctx context.Context, routingKey string, exec *model.AutomationExecution, approvers []string) {
	events.Emit(ctx, e.events, e.logger, routingKey, exec.ID, mq.ExecutionEventPayload{
		ExecutionID:  exec.ID,
		RuleID:       exec.RuleID,
		FollowupID:   exec.FollowupID,
		UserID:       exec.UserID,
		Status:       string(exec.Status),
		ErrorMessage: exec.ErrorMessage,
		Approvers:    approvers,
		OccurredAt:   e.now(),
		TraceID:      trace.FromContext(ctx),
	})
}

// GetExecution returns id when it belongs to userID.
func (e *Engine) GetExecution(ctx context.Context, userID, id string) (*model.AutomationExecution, error) {
	exec, err := e.executions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && exec.UserID != userID {
		return nil, ErrNotFound
	}
	return exec, nil
}

// ListExecutions returns every execution of a followup, oldest first.
func (e *Engine) ListExecutions(ctx context.Context, followupID string) ([]model.AutomationExecution, error) {
	return e.executions.ListByFollowup(ctx, followupID)
}

func stampApproval(patch *model.ExecutionPatch, rule *model.AutomationRule, now time.Time) {
	deadline := now.Add(rule.ApprovalWorkflow.Timeout())
	patch.ApprovalRequestedAt = &now
	patch.ApprovalDeadline = &deadline
}

func approversOf(rule *model.AutomationRule) []string {
	if rule.ApprovalWorkflow == nil {
		return nil
	}
	return rule.ApprovalWorkflow.Approvers
}
