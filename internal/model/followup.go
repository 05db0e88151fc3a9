package model

import (
	"strings"
	"time"
)

// FollowupStatus represents where a tracked message is in its lifecycle
type FollowupStatus string

const (
	FollowupPending   FollowupStatus = "pending"
	FollowupDue       FollowupStatus = "due"
	FollowupOverdue   FollowupStatus = "overdue"
	FollowupCompleted FollowupStatus = "completed"
	FollowupCancelled FollowupStatus = "cancelled"
)

// ActiveFollowupStatuses are the statuses that still accept writes.
var ActiveFollowupStatuses = []FollowupStatus{FollowupPending, FollowupDue, FollowupOverdue}

// IsTerminal reports whether no further mutation is allowed.
func (s FollowupStatus) IsTerminal() bool {
	return s == FollowupCompleted || s == FollowupCancelled
}

func (s FollowupStatus) Valid() bool {
	switch s {
	case FollowupPending, FollowupDue, FollowupOverdue, FollowupCompleted, FollowupCancelled:
		return true
	}
	return false
}

// FollowupType tells how a followup came into existence
type FollowupType string

const (
	FollowupManual    FollowupType = "manual"
	FollowupAuto      FollowupType = "auto"
	FollowupScheduled FollowupType = "scheduled"
)

func (t FollowupType) Valid() bool {
	return t == FollowupManual || t == FollowupAuto || t == FollowupScheduled
}

// Priority of a followup
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AIDraft holds a generated follow-up message candidate.
type AIDraft struct {
	Subject     string     `json:"subject,omitempty"`
	Content     string     `json:"content,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
	Approved    bool       `json:"approved"`
}

// Empty reports whether the draft carries no sendable content.
func (d AIDraft) Empty() bool {
	return strings.TrimSpace(d.Subject) == "" && strings.TrimSpace(d.Content) == ""
}

// Followup tracks one sent message that is waiting for a response.
type Followup struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	OrganizationID     string         `json:"organization_id,omitempty"`
	EmailID            string         `json:"email_id"`
	ThreadID           string         `json:"thread_id,omitempty"`
	OriginalSentAt     time.Time      `json:"original_sent_at"`
	FollowUpDueAt      time.Time      `json:"follow_up_due_at"`
	FollowUpSentAt     *time.Time     `json:"follow_up_sent_at,omitempty"`
	ResponseReceivedAt *time.Time     `json:"response_received_at,omitempty"`
	Status             FollowupStatus `json:"status"`
	Type               FollowupType   `json:"type"`
	Priority           Priority       `json:"priority"`
	Subject            string         `json:"subject"`
	Recipients         []string       `json:"recipients"`
	ContextSummary     string         `json:"context_summary,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	Draft              AIDraft        `json:"ai_draft"`
	ReminderCount      int            `json:"reminder_count"`
	LastReminderAt     *time.Time     `json:"last_reminder_at,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// EffectiveStatus derives due/overdue from the clock instead of the stored value.
// Terminal statuses are returned as stored.
func (f *Followup) EffectiveStatus(now time.Time, overdueAfter time.Duration) FollowupStatus {
	if f.Status.IsTerminal() {
		return f.Status
	}
	if !f.FollowUpDueAt.After(now.Add(-overdueAfter)) {
		return FollowupOverdue
	}
	if !f.FollowUpDueAt.After(now) {
		if f.Status == FollowupOverdue {
			return FollowupOverdue
		}
		return FollowupDue
	}
	return f.Status
}

// DaysOverdue returns whole days elapsed since the due date, negative when not yet due.
func (f *Followup) DaysOverdue(now time.Time) int {
	return FloorDays(now.Sub(f.FollowUpDueAt))
}

// FloorDays converts a duration to whole days rounding toward negative infinity.
func FloorDays(d time.Duration) int {
	days := d / (24 * time.Hour)
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return int(days)
}

// FollowupPatch is a partial update. Nil fields are left untouched.
type FollowupPatch struct {
	Status             *FollowupStatus
	Priority           *Priority
	FollowUpDueAt      *time.Time
	FollowUpSentAt     *time.Time
	ResponseReceivedAt *time.Time
	Reason             *string
	ContextSummary     *string
	Draft              *AIDraft
	ResetReminders     bool
	BumpReminder       *time.Time
	Metadata           map[string]any
}

// Apply mutates f in place.
func (p FollowupPatch) Apply(f *Followup, now time.Time) {
	if p.Status != nil {
		f.Status = *p.Status
	}
	if p.Priority != nil {
		f.Priority = *p.Priority
	}
	if p.FollowUpDueAt != nil {
		f.FollowUpDueAt = *p.FollowUpDueAt
	}
	if p.FollowUpSentAt != nil {
		t := *p.FollowUpSentAt
		f.FollowUpSentAt = &t
	}
	if p.ResponseReceivedAt != nil {
		t := *p.ResponseReceivedAt
		f.ResponseReceivedAt = &t
	}
	if p.Reason != nil {
		f.Reason = *p.Reason
	}
	if p.ContextSummary != nil {
		f.ContextSummary = *p.ContextSummary
	}
	if p.Draft != nil {
		f.Draft = *p.Draft
	}
	if p.ResetReminders {
		f.ReminderCount = 0
		f.LastReminderAt = nil
	}
	if p.BumpReminder != nil {
		t := *p.BumpReminder
		f.ReminderCount++
		f.LastReminderAt = &t
	}
	if len(p.Metadata) > 0 {
		if f.Metadata == nil {
			f.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			f.Metadata[k] = v
		}
	}
	f.UpdatedAt = now
}
