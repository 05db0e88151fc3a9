package mq

import "time"

// ExecutionEventPayload is the body of every execution.* event.
type ExecutionEventPayload struct {
	ExecutionID  string    `json:"execution_id"`
	RuleID       string    `json:"rule_id"`
	FollowupID   string    `json:"followup_id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Approvers    []string  `json:"approvers,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
	TraceID      string    `json:"trace_id,omitempty"`
}

// ApprovalSubmittedPayload carries one approver vote.
type ApprovalSubmittedPayload struct {
	ExecutionID string `json:"execution_id"`
	ApproverID  string `json:"approver_id"`
	Approved    bool   `json:"approved"`
	Comment     string `json:"comment,omitempty"`
	TraceID     string `json:"trace_id,omitempty"`
}
