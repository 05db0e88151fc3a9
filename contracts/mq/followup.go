package mq

import "time"

// FollowupEventPayload is the body of every followup.* event.
type FollowupEventPayload struct {
	FollowupID     string    `json:"followup_id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	EmailID        string    `json:"email_id"`
	Status         string    `json:"status"`
	FollowUpDueAt  time.Time `json:"follow_up_due_at"`
	OccurredAt     time.Time `json:"occurred_at"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// ReminderDuePayload asks the notification side to surface a reminder to its owner.
type ReminderDuePayload struct {
	ReminderID   string    `json:"reminder_id"`
	FollowupID   string    `json:"followup_id"`
	UserID       string    `json:"user_id"`
	ReminderType string    `json:"reminder_type"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	DueAt        time.Time `json:"due_at"`
	TraceID      string    `json:"trace_id,omitempty"`
}
