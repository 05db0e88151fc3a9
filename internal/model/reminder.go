package model

import "time"

type ReminderType string

const (
	ReminderNotification ReminderType = "notification"
	ReminderEmail        ReminderType = "email"
	ReminderDashboard    ReminderType = "dashboard"
)

type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCancelled ReminderStatus = "cancelled"
)

// Reminder is a scheduled nudge surfaced to the owner of a followup
type Reminder struct {
	ID           string         `json:"id"`
	FollowupID   string         `json:"followup_id"`
	UserID       string         `json:"user_id"`
	ReminderType ReminderType   `json:"reminder_type"`
	ReminderTime time.Time      `json:"reminder_time"`
	Status       ReminderStatus `json:"status"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	CreatedAt    time.Time      `json:"created_at"`
}
