package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/service/followup"
	"mailfollowup/internal/service/sender"
	"mailfollowup/pkg/logger"
	"mailfollowup/pkg/metrics"
	"mailfollowup/pkg/otel"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const noDraftContent = "no draft content available"

// SendAutomatedFollowup dispatches an execution on request. Approved
// executions can always be sent; pending or awaiting ones only when their
// rule does not require approval.
func (e *Engine) SendAutomatedFollowup(ctx context.Context, executionID string) (*model.AutomationExecution, error) {
	exec, err := e.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	rule, err := e.rules.GetByID(ctx, exec.RuleID)
	if err != nil {
		return exec, fmt.Errorf("load rule %s: %w", exec.RuleID, err)
	}
	if !dispatchable(exec, rule) {
		return exec, fmt.Errorf("%w: status is %s", ErrInvalidTransition, exec.Status)
	}
	if _, claimed := exec.Metadata[model.MetaDispatchClaimedAt]; claimed {
		return exec, fmt.Errorf("%w: dispatch already started", ErrInvalidTransition)
	}

	f, err := e.followups.GetByID(ctx, exec.FollowupID)
	if err != nil {
		return exec, fmt.Errorf("load followup %s: %w", exec.FollowupID, err)
	}
	return exec, e.dispatch(ctx, rule, f, exec)
}

func dispatchable(exec *model.AutomationExecution, rule *model.AutomationRule) bool {
	switch exec.Status {
	case model.ExecutionApproved:
		return true
	case model.ExecutionPending, model.ExecutionAwaitingApproval:
		return !rule.AutomationSettings.RequireApproval
	}
	return false
}

// dispatch claims the execution with a version bump, sends, and records the
// outcome. The claim stays in metadata so a crash between send and record
// can never lead to a second send.
func (e *Engine) dispatch(ctx context.Context, rule *model.AutomationRule, f *model.Followup, exec *model.AutomationExecution) error {
	if f.Status.IsTerminal() {
		return e.skip(ctx, exec, "followup already "+string(f.Status))
	}
	if _, claimed := exec.Metadata[model.MetaDispatchClaimedAt]; claimed {
		return nil
	}

	ok, err := e.transition(ctx, exec, model.ExecutionPatch{
		Metadata: map[string]any{model.MetaDispatchClaimedAt: e.now()},
	})
	if err != nil || !ok {
		return err
	}

	d, found := draftFor(exec, f)
	if !found {
		return e.fail(ctx, exec, noDraftContent)
	}

	sendErr := e.send(ctx, rule, f, exec, d)
	if sendErr != nil {
		metrics.IncrementEmailSend("failed")
		return e.fail(ctx, exec, "send failed: "+sendErr.Error())
	}
	metrics.IncrementEmailSend("sent")

	executedAt := e.now()
	d.Approved = d.Approved || exec.Status == model.ExecutionApproved
	ok, err = e.transition(ctx, exec, model.ExecutionPatch{
		Status:          model.Ptr(model.ExecutionSent),
		Draft:           &d,
		ExecutedAt:      &executedAt,
		ExecutionResult: model.Ptr(model.ResultSent),
	})
	if err != nil {
		return err
	}
	if !ok {
		logger.WithTrace(ctx, e.logger).Error("Message sent but execution changed before it was recorded",
			zap.String("execution_id", exec.ID),
		)
		return nil
	}

	logger.WithTrace(ctx, e.logger).Info("Follow-up sent",
		zap.String("execution_id", exec.ID),
		zap.String("followup_id", f.ID),
		zap.Int("recipients", len(f.Recipients)),
	)
	e.emit(ctx, mq.RoutingExecutionSent, exec, nil)

	if e.lifecycle != nil {
		if _, err := e.lifecycle.MarkSent(ctx, f.ID, &executedAt); err != nil && !errors.Is(err, followup.ErrTerminal) {
			logger.WithTrace(ctx, e.logger).Error("Failed to mark followup sent",
				zap.String("followup_id", f.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (e *Engine) send(ctx context.Context, rule *model.AutomationRule, f *model.Followup, exec *model.AutomationExecution, d model.AIDraft) error {
	if e.sender == nil {
		return errors.New("no sender configured")
	}
	ctx, span := otel.StartSpan(ctx, "followup.send",
		attribute.String("execution.id", exec.ID),
		attribute.String("rule.id", rule.ID),
		attribute.Int("recipients", len(f.Recipients)),
	)
	err := e.sendBreaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return e.sender.Send(ctx, sender.Message{
			To:        f.Recipients,
			Subject:   d.Subject,
			Body:      d.Content,
			ThreadID:  f.ThreadID,
			InReplyTo: f.EmailID,
		})
	})
	otel.EndSpan(span, err)
	return err
}

// draftFor picks the execution's draft, else the followup's own draft.
func draftFor(exec *model.AutomationExecution, f *model.Followup) (model.AIDraft, bool) {
	d := exec.Draft
	if d.Empty() {
		d = f.Draft
	}
	if strings.TrimSpace(d.Content) == "" {
		return model.AIDraft{}, false
	}
	if strings.TrimSpace(d.Subject) == "" {
		d.Subject = "Following up: " + f.Subject
	}
	return d, true
}

// RecordResponse fills the response fields of the followup's sent
// executions and skips its active ones. It returns how many sent
// executions were updated.
func (e *Engine) RecordResponse(ctx context.Context, followupID string, receivedAt time.Time) (int, error) {
	execs, err := e.executions.ListByFollowup(ctx, followupID)
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}

	updated := 0
	var errs []error
	for i := range execs {
		exec := &execs[i]
		switch {
		case exec.Status == model.ExecutionSent && !exec.ResponseReceived:
			patch := model.ExecutionPatch{ResponseReceivedAt: &receivedAt}
			if exec.ExecutedAt != nil {
				hours := receivedAt.Sub(*exec.ExecutedAt).Hours()
				patch.ResponseTimeHours = &hours
			}
			ok, err := e.transition(ctx, exec, patch)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				updated++
			}
		case exec.Status.IsActive():
			if err := e.skip(ctx, exec, "response received"); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return updated, errors.Join(errs...)
}
