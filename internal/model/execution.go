package model

import "time"

// ExecutionStatus is the state of a single automation attempt
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionGenerating       ExecutionStatus = "generating"
	ExecutionAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionApproved         ExecutionStatus = "approved"
	ExecutionRejected         ExecutionStatus = "rejected"
	ExecutionSent             ExecutionStatus = "sent"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionSkipped          ExecutionStatus = "skipped"
)

// ActiveExecutionStatuses may exist at most once per (rule, followup) pair.
var ActiveExecutionStatuses = []ExecutionStatus{
	ExecutionPending,
	ExecutionGenerating,
	ExecutionAwaitingApproval,
}

// IsActive reports whether the status counts against the per-pair uniqueness.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionPending || s == ExecutionGenerating || s == ExecutionAwaitingApproval
}

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSent, ExecutionFailed, ExecutionSkipped, ExecutionRejected:
		return true
	}
	return false
}

// Metadata keys written by the engine.
const (
	MetaDispatchClaimedAt = "dispatch_claimed_at"
	MetaEscalatedAt       = "escalated_at"
	MetaFallbackAction    = "fallback_action"
	// MetaExpiryNotedAt marks an expired execution whose rule has no fallback.
	MetaExpiryNotedAt = "expiry_noted_at"
)

type ExecutionResult string

const (
	ResultSent    ExecutionResult = "sent"
	ResultFailed  ExecutionResult = "failed"
	ResultSkipped ExecutionResult = "skipped"
)

// ApprovalRecord is one vote. Records are only ever appended.
type ApprovalRecord struct {
	ApproverID string    `json:"approver_id"`
	Approved   bool      `json:"approved"`
	Timestamp  time.Time `json:"timestamp"`
	Comment    string    `json:"comment,omitempty"`
}

// AutomationExecution is one attempt to act on one (rule, followup) pair.
type AutomationExecution struct {
	ID                  string           `json:"id"`
	RuleID              string           `json:"rule_id"`
	FollowupID          string           `json:"followup_id"`
	UserID              string           `json:"user_id"`
	TriggeredAt         time.Time        `json:"triggered_at"`
	Status              ExecutionStatus  `json:"status"`
	Draft               AIDraft          `json:"ai_draft"`
	AIConfidence        *float64         `json:"ai_confidence,omitempty"`
	AIReasoning         string           `json:"ai_reasoning,omitempty"`
	ApprovalRequestedAt *time.Time       `json:"approval_requested_at,omitempty"`
	ApprovalDeadline    *time.Time       `json:"approval_deadline,omitempty"`
	Approvals           []ApprovalRecord `json:"approvals"`
	ExecutedAt          *time.Time       `json:"executed_at,omitempty"`
	ExecutionResult     ExecutionResult  `json:"execution_result,omitempty"`
	ErrorMessage        string           `json:"error_message,omitempty"`
	ResponseReceived    bool             `json:"response_received"`
	ResponseReceivedAt  *time.Time       `json:"response_received_at,omitempty"`
	ResponseTimeHours   *float64         `json:"response_time_hours,omitempty"`
	Metadata            map[string]any   `json:"metadata,omitempty"`
	Version             int              `json:"version"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// ApprovingVoters returns the set of approvers that have cast an approving vote.
func (e *AutomationExecution) ApprovingVoters() map[string]struct{} {
	set := make(map[string]struct{})
	for _, a := range e.Approvals {
		if a.Approved {
			set[a.ApproverID] = struct{}{}
		}
	}
	return set
}

// ExecutionPatch is applied by a conditional transition. Nil fields are untouched.
type ExecutionPatch struct {
	Status              *ExecutionStatus
	Draft               *AIDraft
	AIConfidence        *float64
	AIReasoning         *string
	ApprovalRequestedAt *time.Time
	ApprovalDeadline    *time.Time
	AppendApproval      *ApprovalRecord
	ExecutedAt          *time.Time
	ExecutionResult     *ExecutionResult
	ErrorMessage        *string
	ResponseReceivedAt  *time.Time
	ResponseTimeHours   *float64
	Metadata            map[string]any
}

// Apply mutates e in place. Used by in-memory stores and to mirror a
// successful write on the caller's copy.
func (p ExecutionPatch) Apply(e *AutomationExecution, now time.Time) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.Draft != nil {
		e.Draft = *p.Draft
	}
	if p.AIConfidence != nil {
		v := *p.AIConfidence
		e.AIConfidence = &v
	}
	if p.AIReasoning != nil {
		e.AIReasoning = *p.AIReasoning
	}
	if p.ApprovalRequestedAt != nil {
		t := *p.ApprovalRequestedAt
		e.ApprovalRequestedAt = &t
	}
	if p.ApprovalDeadline != nil {
		t := *p.ApprovalDeadline
		e.ApprovalDeadline = &t
	}
	if p.AppendApproval != nil {
		e.Approvals = append(e.Approvals, *p.AppendApproval)
	}
	if p.ExecutedAt != nil {
		t := *p.ExecutedAt
		e.ExecutedAt = &t
	}
	if p.ExecutionResult != nil {
		e.ExecutionResult = *p.ExecutionResult
	}
	if p.ErrorMessage != nil {
		e.ErrorMessage = *p.ErrorMessage
	}
	if p.ResponseReceivedAt != nil {
		t := *p.ResponseReceivedAt
		e.ResponseReceived = true
		e.ResponseReceivedAt = &t
	}
	if p.ResponseTimeHours != nil {
		v := *p.ResponseTimeHours
		e.ResponseTimeHours = &v
	}
	if len(p.Metadata) > 0 {
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			e.Metadata[k] = v
		}
	}
	e.Version++
	e.UpdatedAt = now
}
