package mq

// Routing keys on the events exchange.
const (
	RoutingEmailSent         = "email.sent"
	RoutingReplyReceived     = "email.reply_received"
	RoutingApprovalSubmitted = "approval.submitted"
	RoutingReminderDue       = "reminder.due"

	RoutingFollowupCreated   = "followup.created"
	RoutingFollowupCompleted = "followup.completed"
	RoutingFollowupCancelled = "followup.cancelled"
	RoutingFollowupSnoozed   = "followup.snoozed"

	RoutingExecutionCreated          = "execution.created"
	RoutingExecutionAwaitingApproval = "execution.awaiting_approval"
	RoutingExecutionSent             = "execution.sent"
	RoutingExecutionFailed           = "execution.failed"
	RoutingExecutionRejected         = "execution.rejected"
	RoutingExecutionSkipped          = "execution.skipped"
	RoutingExecutionEscalated        = "execution.escalated"
)
