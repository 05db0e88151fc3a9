package repository

import (
	"context"
	"fmt"
	"time"

	"mailfollowup/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const reminderColumns = `
    id, followup_id, user_id, reminder_type, reminder_time, status,
    sent_at, error_message, title, message, created_at`

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type ReminderRepository struct {
	db     DB
	logger *zap.Logger
}

func NewReminderRepository(db DB, logger *zap.Logger) *ReminderRepository {
	return &ReminderRepository{db: db, logger: logger}
}

func (r *ReminderRepository) Insert(ctx context.Context, rem *model.Reminder) error {
	return insertReminder(ctx, r.db, rem)
}

func insertReminder(ctx context.Context, db execer, rem *model.Reminder) error {
	query := `
        INSERT INTO followup_reminders (` + reminderColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `
	_, err := db.Exec(ctx, query,
		rem.ID, rem.FollowupID, rem.UserID, string(rem.ReminderType), rem.ReminderTime,
		string(rem.Status), rem.SentAt, rem.ErrorMessage, rem.Title, rem.Message, rem.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

// ListDue returns pending reminders whose time has come, oldest first.
func (r *ReminderRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	query := `
        SELECT ` + reminderColumns + `
        FROM followup_reminders
        WHERE status = 'pending' AND reminder_time <= $1
        ORDER BY reminder_time ASC
        LIMIT $2
    `
	return r.query(ctx, query, now, limit)
}

func (r *ReminderRepository) ListByFollowup(ctx context.Context, followupID string) ([]model.Reminder, error) {
	query := `
        SELECT ` + reminderColumns + `
        FROM followup_reminders
        WHERE followup_id = $1
        ORDER BY reminder_time ASC
    `
	return r.query(ctx, query, followupID)
}

// UpdateStatusIf moves a reminder from one status to another when it is still in from.
func (r *ReminderRepository) UpdateStatusIf(ctx context.Context, id string, from, to model.ReminderStatus, sentAt *time.Time, errMsg string) (bool, error) {
	query := `
        UPDATE followup_reminders
        SET status = $3, sent_at = COALESCE($4, sent_at), error_message = $5
        WHERE id = $1 AND status = $2
    `
	tag, err := r.db.Exec(ctx, query, id, string(from), string(to), sentAt, errMsg)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelPending cancels every pending reminder of a followup.
func (r *ReminderRepository) CancelPending(ctx context.Context, followupID string) (int, error) {
	query := `
        UPDATE followup_reminders SET status = 'cancelled'
        WHERE followup_id = $1 AND status = 'pending'
    `
	tag, err := r.db.Exec(ctx, query, followupID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *ReminderRepository) query(ctx context.Context, query string, args ...any) ([]model.Reminder, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Reminder{}
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rem)
	}
	return out, rows.Err()
}

func scanReminder(row pgx.Row) (*model.Reminder, error) {
	var rem model.Reminder
	err := row.Scan(
		&rem.ID, &rem.FollowupID, &rem.UserID, &rem.ReminderType, &rem.ReminderTime, &rem.Status,
		&rem.SentAt, &rem.ErrorMessage, &rem.Title, &rem.Message, &rem.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rem, nil
}
