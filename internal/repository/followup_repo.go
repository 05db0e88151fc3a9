package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailfollowup/internal/model"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const followupColumns = `
    id, user_id, organization_id, email_id, thread_id,
    original_sent_at, follow_up_due_at, follow_up_sent_at, response_received_at,
    status, type, priority, subject, recipients, context_summary, reason,
    ai_draft_subject, ai_draft_content, ai_draft_generated_at, ai_draft_approved,
    reminder_count, last_reminder_at, metadata, created_at, updated_at`

type FollowupRepository struct {
	db     DB
	logger *zap.Logger
}

func NewFollowupRepository(db DB, logger *zap.Logger) *FollowupRepository {
	return &FollowupRepository{db: db, logger: logger}
}

// CreateWithReminder inserts the followup and its initial reminder in one transaction.
func (r *FollowupRepository) CreateWithReminder(ctx context.Context, f *model.Followup, rem *model.Reminder) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO followups (` + followupColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
                $17, $18, $19, $20, $21, $22, $23, $24, $25)
    `
	_, err = tx.Exec(ctx, query,
		f.ID, f.UserID, f.OrganizationID, f.EmailID, f.ThreadID,
		f.OriginalSentAt, f.FollowUpDueAt, f.FollowUpSentAt, f.ResponseReceivedAt,
		string(f.Status), string(f.Type), string(f.Priority), f.Subject, nonNilStrings(f.Recipients),
		f.ContextSummary, f.Reason,
		f.Draft.Subject, f.Draft.Content, f.Draft.GeneratedAt, f.Draft.Approved,
		f.ReminderCount, f.LastReminderAt, nonNilMap(f.Metadata), f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert followup: %w", err)
	}

	if rem != nil {
		if err := insertReminder(ctx, tx, rem); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *FollowupRepository) GetByID(ctx context.Context, id string) (*model.Followup, error) {
	query := `SELECT ` + followupColumns + ` FROM followups WHERE id = $1`
	f, err := scanFollowup(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// List returns followups matching filter ordered by due date.
func (r *FollowupRepository) List(ctx context.Context, filter FollowupFilter) ([]model.Followup, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if len(filter.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(filter.Statuses))
	}
	if len(filter.Priorities) > 0 {
		add("priority = ANY($%d)", statusStrings(filter.Priorities))
	}
	if filter.EmailID != "" {
		add("email_id = $%d", filter.EmailID)
	}
	if filter.ThreadID != "" {
		add("thread_id = $%d", filter.ThreadID)
	}
	if filter.DueBefore != nil {
		add("follow_up_due_at <= $%d", *filter.DueBefore)
	}
	if len(filter.IDs) > 0 {
		add("id = ANY($%d)", filter.IDs)
	}

	query := `SELECT ` + followupColumns + ` FROM followups`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY follow_up_due_at ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Followup{}
	for rows.Next() {
		f, err := scanFollowup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// UpdateIf applies patch only while the stored status is one of expected.
func (r *FollowupRepository) UpdateIf(ctx context.Context, id string, expected []model.FollowupStatus, patch model.FollowupPatch) (bool, error) {
	b := &setBuilder{}
	if patch.Status != nil {
		b.set("status", string(*patch.Status))
	}
	if patch.Priority != nil {
		b.set("priority", string(*patch.Priority))
	}
	if patch.FollowUpDueAt != nil {
		b.set("follow_up_due_at", *patch.FollowUpDueAt)
	}
	if patch.FollowUpSentAt != nil {
		b.set("follow_up_sent_at", *patch.FollowUpSentAt)
	}
	if patch.ResponseReceivedAt != nil {
		b.set("response_received_at", *patch.ResponseReceivedAt)
	}
	if patch.Reason != nil {
		b.set("reason", *patch.Reason)
	}
	if patch.ContextSummary != nil {
		b.set("context_summary", *patch.ContextSummary)
	}
	if patch.Draft != nil {
		b.set("ai_draft_subject", patch.Draft.Subject)
		b.set("ai_draft_content", patch.Draft.Content)
		b.set("ai_draft_generated_at", patch.Draft.GeneratedAt)
		b.set("ai_draft_approved", patch.Draft.Approved)
	}
	if patch.ResetReminders {
		b.raw("reminder_count = 0")
		b.raw("last_reminder_at = NULL")
	}
	if patch.BumpReminder != nil {
		b.raw("reminder_count = reminder_count + 1")
		b.set("last_reminder_at", *patch.BumpReminder)
	}
	if len(patch.Metadata) > 0 {
		b.raw("metadata = metadata || " + b.arg(patch.Metadata) + "::jsonb")
	}
	b.raw("updated_at = NOW()")

	query := fmt.Sprintf(
		`UPDATE followups SET %s WHERE id = %s AND status = ANY(%s)`,
		b.clause(), b.arg(id), b.arg(statusStrings(expected)),
	)
	tag, err := r.db.Exec(ctx, query, b.args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDue moves pending followups whose due time has passed to due.
func (r *FollowupRepository) MarkDue(ctx context.Context, now time.Time) ([]string, error) {
	query := `
        UPDATE followups SET status = 'due', updated_at = NOW()
        WHERE status = 'pending' AND follow_up_due_at <= $1
        RETURNING id
    `
	return r.collectIDs(ctx, query, now)
}

// MarkOverdue moves pending or due followups whose due time is before cutoff to overdue.
func (r *FollowupRepository) MarkOverdue(ctx context.Context, cutoff time.Time) ([]string, error) {
	query := `
        UPDATE followups SET status = 'overdue', updated_at = NOW()
        WHERE status IN ('pending', 'due') AND follow_up_due_at <= $1
        RETURNING id
    `
	return r.collectIDs(ctx, query, cutoff)
}

func (r *FollowupRepository) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.logger.Debug("followup statuses derived", zap.Int("count", len(ids)))
	}
	return ids, nil
}

func scanFollowup(row pgx.Row) (*model.Followup, error) {
	var f model.Followup
	err := row.Scan(
		&f.ID, &f.UserID, &f.OrganizationID, &f.EmailID, &f.ThreadID,
		&f.OriginalSentAt, &f.FollowUpDueAt, &f.FollowUpSentAt, &f.ResponseReceivedAt,
		&f.Status, &f.Type, &f.Priority, &f.Subject, &f.Recipients, &f.ContextSummary, &f.Reason,
		&f.Draft.Subject, &f.Draft.Content, &f.Draft.GeneratedAt, &f.Draft.Approved,
		&f.ReminderCount, &f.LastReminderAt, &f.Metadata, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
