package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/service/automation"
	"mailfollowup/pkg/logger"
	"mailfollowup/pkg/util"

	"go.uber.org/zap"
)

// Approver is the part of *automation.Engine that takes votes.
type Approver interface {
	ProcessApproval(ctx context.Context, in automation.ApprovalInput) (*model.AutomationExecution, error)
}

type ApprovalHandler struct {
	approver Approver
	logger   *zap.Logger
}

func NewApprovalHandler(approver Approver, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{approver: approver, logger: logger}
}

// HandleApprovalSubmitted applies one vote. Votes that can never apply
// (unknown execution, closed execution, outsider) are permanent failures.
func (h *ApprovalHandler) HandleApprovalSubmitted(ctx context.Context, raw json.RawMessage) (string, error) {
	var p mq.ApprovalSubmittedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode approval.submitted: %w", err)
	}
	id := p.ExecutionID + "|" + p.ApproverID

	exec, err := h.approver.ProcessApproval(ctx, automation.ApprovalInput{
		ExecutionID: p.ExecutionID,
		ApproverID:  p.ApproverID,
		Approved:    p.Approved,
		Comment:     p.Comment,
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrConflict):
		return id, err
	case errors.Is(err, automation.ErrValidation),
		errors.Is(err, automation.ErrNotApprover),
		errors.Is(err, automation.ErrInvalidTransition),
		errors.Is(err, repository.ErrNotFound):
		return id, util.Permanent(err)
	default:
		return id, err
	}

	logger.WithTrace(ctx, h.logger).Info("Approval applied",
		zap.String("execution_id", exec.ID),
		zap.String("approver_id", p.ApproverID),
		zap.String("status", string(exec.Status)),
	)
	return id, nil
}
