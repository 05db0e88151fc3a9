package repository

import (
	"context"
	"errors"
	"time"

	"mailfollowup/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict marks a conditional write that lost to a concurrent writer.
	ErrConflict = errors.New("record changed concurrently")
)

// FollowupFilter narrows a followup query. Zero values impose no constraint.
type FollowupFilter struct {
	UserID         string
	OrganizationID string
	Statuses       []model.FollowupStatus
	Priorities     []model.Priority
	EmailID        string
	ThreadID       string
	DueBefore      *time.Time
	IDs            []string
	Limit          int
}

// FollowupStore persists followups. UpdateIf only writes when the stored
// status is one of expected and reports false otherwise.
type FollowupStore interface {
	CreateWithReminder(ctx context.Context, f *model.Followup, r *model.Reminder) error
	GetByID(ctx context.Context, id string) (*model.Followup, error)
	List(ctx context.Context, filter FollowupFilter) ([]model.Followup, error)
	UpdateIf(ctx context.Context, id string, expected []model.FollowupStatus, patch model.FollowupPatch) (bool, error)
	MarkDue(ctx context.Context, now time.Time) ([]string, error)
	MarkOverdue(ctx context.Context, cutoff time.Time) ([]string, error)
}

type ReminderStore interface {
	Insert(ctx context.Context, r *model.Reminder) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	ListByFollowup(ctx context.Context, followupID string) ([]model.Reminder, error)
	UpdateStatusIf(ctx context.Context, id string, from, to model.ReminderStatus, sentAt *time.Time, errMsg string) (bool, error)
	CancelPending(ctx context.Context, followupID string) (int, error)
}

type RuleFilter struct {
	UserID         string
	OrganizationID string
	ActiveOnly     bool
}

type RuleStore interface {
	Insert(ctx context.Context, r *model.AutomationRule) error
	GetByID(ctx context.Context, id string) (*model.AutomationRule, error)
	List(ctx context.Context, filter RuleFilter) ([]model.AutomationRule, error)
	SetActive(ctx context.Context, id string, active bool) (bool, error)
}

// ExecutionStore persists automation executions.
//
// InsertIfNoActive is a single check-then-act step: it inserts e only when no
// execution in an active status exists for (e.RuleID, e.FollowupID).
// Transition writes only when both status and version still match and bumps
// the version on success.
type ExecutionStore interface {
	InsertIfNoActive(ctx context.Context, e *model.AutomationExecution) (bool, error)
	GetByID(ctx context.Context, id string) (*model.AutomationExecution, error)
	FindActive(ctx context.Context, ruleID, followupID string) (*model.AutomationExecution, error)
	ListByFollowup(ctx context.Context, followupID string) ([]model.AutomationExecution, error)
	// ListExpiredApprovals skips executions whose metadata carries
	// model.MetaEscalatedAt or model.MetaExpiryNotedAt.
	ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]model.AutomationExecution, error)
	Transition(ctx context.Context, id string, expectedStatus model.ExecutionStatus, expectedVersion int, patch model.ExecutionPatch) (bool, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Stores bundles every record store the engine needs.
type Stores struct {
	Followups  FollowupStore
	Reminders  ReminderStore
	Rules      RuleStore
	Executions ExecutionStore
	Health     Pinger
}
