package mq

import "time"

// EmailSentPayload is published by the mail transport after an outgoing message is delivered.
type EmailSentPayload struct {
	EmailID        string    `json:"email_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Subject        string    `json:"subject"`
	Recipients     []string  `json:"recipients"`
	SentAt         time.Time `json:"sent_at"`
	Priority       string    `json:"priority,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// ReplyReceivedPayload signals an inbound reply on a tracked message or thread.
type ReplyReceivedPayload struct {
	EmailID    string    `json:"email_id,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	UserID     string    `json:"user_id"`
	ReceivedAt time.Time `json:"received_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}
