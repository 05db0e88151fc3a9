package model

import "time"

// FallbackAction decides what happens when an approval window expires
type FallbackAction string

const (
	FallbackSend     FallbackAction = "send"
	FallbackSkip     FallbackAction = "skip"
	FallbackEscalate FallbackAction = "escalate"
)

func (a FallbackAction) Valid() bool {
	return a == "" || a == FallbackSend || a == FallbackSkip || a == FallbackEscalate
}

// DefaultApprovalTimeout applies when a workflow does not set TimeoutHours.
const DefaultApprovalTimeout = 24 * time.Hour

// TriggerConditions select followups. Every field is optional; a nil or empty
// field imposes no constraint.
type TriggerConditions struct {
	DaysOverdue       *int             `json:"days_overdue,omitempty"`
	PriorityLevels    []Priority       `json:"priority_levels,omitempty"`
	StatusTypes       []FollowupStatus `json:"status_types,omitempty"`
	RecipientPatterns []string         `json:"recipient_patterns,omitempty"`
	TimeOfDay         string           `json:"time_of_day,omitempty"`
	DaysOfWeek        []int            `json:"days_of_week,omitempty"`
}

// AutomationSettings control what an execution does after matching.
// MaxAttempts and EscalationDelayHours are stored but not acted upon.
type AutomationSettings struct {
	AutoGenerateDraft    bool     `json:"auto_generate_draft"`
	AutoSend             bool     `json:"auto_send"`
	RequireApproval      bool     `json:"require_approval"`
	ApprovalThreshold    *float64 `json:"approval_threshold,omitempty"`
	MaxAttempts          *int     `json:"max_attempts,omitempty"`
	EscalationDelayHours *int     `json:"escalation_delay_hours,omitempty"`
}

type AIPreferences struct {
	Tone               string `json:"tone,omitempty"`
	Approach           string `json:"approach,omitempty"`
	MaxLength          int    `json:"max_length,omitempty"`
	Language           string `json:"language,omitempty"`
	CustomInstructions string `json:"custom_instructions,omitempty"`
}

type ApprovalWorkflow struct {
	Approvers      []string       `json:"approvers"`
	RequireAll     bool           `json:"require_all"`
	TimeoutHours   int            `json:"timeout_hours,omitempty"`
	FallbackAction FallbackAction `json:"fallback_action,omitempty"`
}

// Timeout returns the approval window length.
func (w *ApprovalWorkflow) Timeout() time.Duration {
	if w == nil || w.TimeoutHours <= 0 {
		return DefaultApprovalTimeout
	}
	return time.Duration(w.TimeoutHours) * time.Hour
}

// AutomationRule is a standing policy that selects followups and acts on them.
type AutomationRule struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	OrganizationID     string             `json:"organization_id,omitempty"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	TriggerConditions  TriggerConditions  `json:"trigger_conditions"`
	AutomationSettings AutomationSettings `json:"automation_settings"`
	AIPreferences      AIPreferences      `json:"ai_preferences"`
	ApprovalWorkflow   *ApprovalWorkflow  `json:"approval_workflow,omitempty"`
	IsActive           bool               `json:"is_active"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}
