package automation

import (
	"context"
	"fmt"
	"slices"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/pkg/logger"

	"go.uber.org/zap"
)

// maxVoteAttempts bounds re-reads when concurrent votes race on the version.
const maxVoteAttempts = 3

type ApprovalInput struct {
	ExecutionID string
	ApproverID  string
	Approved    bool
	Comment     string
}

// ProcessApproval appends one vote to an execution awaiting approval and
// resolves it. Any rejection is final. With require_all the execution is
// approved once every listed approver has approved at least once; otherwise
// one approval is enough. Repeat votes are recorded as new entries.
func (e *Engine) ProcessApproval(ctx context.Context, in ApprovalInput) (*model.AutomationExecution, error) {
	if in.ExecutionID == "" || in.ApproverID == "" {
		return nil, fmt.Errorf("%w: execution id and approver id are required", ErrValidation)
	}

	for attempt := 0; attempt < maxVoteAttempts; attempt++ {
		exec, err := e.executions.GetByID(ctx, in.ExecutionID)
		if err != nil {
			return nil, err
		}
		if exec.Status != model.ExecutionAwaitingApproval {
			return exec, fmt.Errorf("%w: status is %s", ErrInvalidTransition, exec.Status)
		}

		rule, err := e.rules.GetByID(ctx, exec.RuleID)
		if err != nil {
			return exec, fmt.Errorf("load rule %s: %w", exec.RuleID, err)
		}
		wf := rule.ApprovalWorkflow
		if wf != nil && len(wf.Approvers) > 0 && !slices.Contains(wf.Approvers, in.ApproverID) {
			return exec, ErrNotApprover
		}

		record := model.ApprovalRecord{
			ApproverID: in.ApproverID,
			Approved:   in.Approved,
			Timestamp:  e.now(),
			Comment:    in.Comment,
		}
		next := resolveVote(exec, wf, record)

		patch := model.ExecutionPatch{AppendApproval: &record}
		if next != exec.Status {
			patch.Status = &next
		}
		if next == model.ExecutionApproved && !exec.Draft.Empty() {
			d := exec.Draft
			d.Approved = true
			patch.Draft = &d
		}

		ok, err := e.transition(ctx, exec, patch)
		if err != nil {
			return exec, err
		}
		if !ok {
			continue
		}

		logger.WithTrace(ctx, e.logger).Info("Approval recorded",
			zap.String("execution_id", exec.ID),
			zap.String("approver_id", in.ApproverID),
			zap.Bool("approved", in.Approved),
			zap.String("status", string(exec.Status)),
		)

		switch exec.Status {
		case model.ExecutionRejected:
			e.emit(ctx, mq.RoutingExecutionRejected, exec, nil)
		case model.ExecutionApproved:
			if rule.AutomationSettings.AutoSend {
				f, err := e.followups.GetByID(ctx, exec.FollowupID)
				if err != nil {
					return exec, fmt.Errorf("load followup %s: %w", exec.FollowupID, err)
				}
				if err := e.dispatch(ctx, rule, f, exec); err != nil {
					return exec, err
				}
			}
		}
		return exec, nil
	}
	return nil, repository.ErrConflict
}

// resolveVote returns the status exec moves to once rec is appended.
func resolveVote(exec *model.AutomationExecution, wf *model.ApprovalWorkflow, rec model.ApprovalRecord) model.ExecutionStatus {
	if !rec.Approved {
		return model.ExecutionRejected
	}
	if wf == nil || !wf.RequireAll {
		return model.ExecutionApproved
	}

	voters := exec.ApprovingVoters()
	voters[rec.ApproverID] = struct{}{}
	for _, required := range wf.Approvers {
		if _, ok := voters[required]; !ok {
			return model.ExecutionAwaitingApproval
		}
	}
	return model.ExecutionApproved
}
