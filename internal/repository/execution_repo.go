package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailfollowup/internal/model"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const executionColumns = `
    id, rule_id, followup_id, user_id, triggered_at, status,
    ai_draft_subject, ai_draft_content, ai_draft_generated_at, ai_draft_approved,
    ai_confidence, ai_reasoning, approval_requested_at, approval_deadline, approvals,
    executed_at, execution_result, error_message,
    response_received, response_received_at, response_time_hours,
    metadata, version, created_at, updated_at`

type ExecutionRepository struct {
	db     DB
	logger *zap.Logger
}

func NewExecutionRepository(db DB, logger *zap.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// InsertIfNoActive relies on the partial unique index over active statuses,
// so concurrent triggers for the same pair resolve to exactly one row.
func (r *ExecutionRepository) InsertIfNoActive(ctx context.Context, e *model.AutomationExecution) (bool, error) {
	query := `
        INSERT INTO automation_executions (` + executionColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
                $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
        ON CONFLICT (rule_id, followup_id)
            WHERE status IN ('pending', 'generating', 'awaiting_approval')
        DO NOTHING
    `
	approvals := e.Approvals
	if approvals == nil {
		approvals = []model.ApprovalRecord{}
	}
	tag, err := r.db.Exec(ctx, query,
		e.ID, e.RuleID, e.FollowupID, e.UserID, e.TriggeredAt, string(e.Status),
		e.Draft.Subject, e.Draft.Content, e.Draft.GeneratedAt, e.Draft.Approved,
		e.AIConfidence, e.AIReasoning, e.ApprovalRequestedAt, e.ApprovalDeadline, approvals,
		e.ExecutedAt, string(e.ExecutionResult), e.ErrorMessage,
		e.ResponseReceived, e.ResponseReceivedAt, e.ResponseTimeHours,
		nonNilMap(e.Metadata), e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert execution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*model.AutomationExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM automation_executions WHERE id = $1`
	e, err := scanExecution(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *ExecutionRepository) FindActive(ctx context.Context, ruleID, followupID string) (*model.AutomationExecution, error) {
	query := `
        SELECT ` + executionColumns + `
        FROM automation_executions
        WHERE rule_id = $1 AND followup_id = $2
          AND status IN ('pending', 'generating', 'awaiting_approval')
    `
	e, err := scanExecution(r.db.QueryRow(ctx, query, ruleID, followupID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *ExecutionRepository) ListByFollowup(ctx context.Context, followupID string) ([]model.AutomationExecution, error) {
	query := `
        SELECT ` + executionColumns + `
        FROM automation_executions
        WHERE followup_id = $1
        ORDER BY triggered_at ASC
    `
	return r.query(ctx, query, followupID)
}

// ListExpiredApprovals returns executions still awaiting approval past their
// deadline that have been neither escalated nor noted as having no fallback.
func (r *ExecutionRepository) ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]model.AutomationExecution, error) {
	query := `
        SELECT ` + executionColumns + `
        FROM automation_executions
        WHERE status = 'awaiting_approval' AND approval_deadline < $1
          AND NOT (metadata ?| ARRAY['escalated_at', 'expiry_noted_at'])
        ORDER BY approval_deadline ASC
        LIMIT $2
    `
	return r.query(ctx, query, now, limit)
}

// Transition applies patch when the row still has expectedStatus and expectedVersion.
func (r *ExecutionRepository) Transition(ctx context.Context, id string, expectedStatus model.ExecutionStatus, expectedVersion int, patch model.ExecutionPatch) (bool, error) {
	b := &setBuilder{}
	if patch.Status != nil {
		b.set("status", string(*patch.Status))
	}
	if patch.Draft != nil {
		b.set("ai_draft_subject", patch.Draft.Subject)
		b.set("ai_draft_content", patch.Draft.Content)
		b.set("ai_draft_generated_at", patch.Draft.GeneratedAt)
		b.set("ai_draft_approved", patch.Draft.Approved)
	}
	if patch.AIConfidence != nil {
		b.set("ai_confidence", *patch.AIConfidence)
	}
	if patch.AIReasoning != nil {
		b.set("ai_reasoning", *patch.AIReasoning)
	}
	if patch.ApprovalRequestedAt != nil {
		b.set("approval_requested_at", *patch.ApprovalRequestedAt)
	}
	if patch.ApprovalDeadline != nil {
		b.set("approval_deadline", *patch.ApprovalDeadline)
	}
	if patch.AppendApproval != nil {
		b.raw("approvals = approvals || " + b.arg([]model.ApprovalRecord{*patch.AppendApproval}) + "::jsonb")
	}
	if patch.ExecutedAt != nil {
		b.set("executed_at", *patch.ExecutedAt)
	}
	if patch.ExecutionResult != nil {
		b.set("execution_result", string(*patch.ExecutionResult))
	}
	if patch.ErrorMessage != nil {
		b.set("error_message", *patch.ErrorMessage)
	}
	if patch.ResponseReceivedAt != nil {
		b.raw("response_received = TRUE")
		b.set("response_received_at", *patch.ResponseReceivedAt)
	}
	if patch.ResponseTimeHours != nil {
		b.set("response_time_hours", *patch.ResponseTimeHours)
	}
	if len(patch.Metadata) > 0 {
		b.raw("metadata = metadata || " + b.arg(patch.Metadata) + "::jsonb")
	}
	b.raw("version = version + 1")
	b.raw("updated_at = NOW()")

	query := fmt.Sprintf(
		`UPDATE automation_executions SET %s WHERE id = %s AND status = %s AND version = %s`,
		b.clause(), b.arg(id), b.arg(string(expectedStatus)), b.arg(expectedVersion),
	)
	tag, err := r.db.Exec(ctx, query, b.args...)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		r.logger.Debug("execution transition lost race",
			zap.String("execution_id", id),
			zap.String("expected_status", string(expectedStatus)),
			zap.Int("expected_version", expectedVersion))
		return false, nil
	}
	return true, nil
}

func (r *ExecutionRepository) query(ctx context.Context, query string, args ...any) ([]model.AutomationExecution, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.AutomationExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanExecution(row pgx.Row) (*model.AutomationExecution, error) {
	var (
		e      model.AutomationExecution
		result string
	)
	err := row.Scan(
		&e.ID, &e.RuleID, &e.FollowupID, &e.UserID, &e.TriggeredAt, &e.Status,
		&e.Draft.Subject, &e.Draft.Content, &e.Draft.GeneratedAt, &e.Draft.Approved,
		&e.AIConfidence, &e.AIReasoning, &e.ApprovalRequestedAt, &e.ApprovalDeadline, &e.Approvals,
		&e.ExecutedAt, &result, &e.ErrorMessage,
		&e.ResponseReceived, &e.ResponseReceivedAt, &e.ResponseTimeHours,
		&e.Metadata, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ExecutionResult = model.ExecutionResult(result)
	return &e, nil
}
