// Package notifier surfaces due reminders to their owners.
package notifier

import (
	"context"
	"fmt"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/service/events"
	"mailfollowup/pkg/logger"
	"mailfollowup/pkg/trace"

	"go.uber.org/zap"
)

const dedupHandler = "reminder.deliver"

type Notifier interface {
	Deliver(ctx context.Context, r model.Reminder) error
}

// Deduper is satisfied by *util.Deduper.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
	Release(ctx context.Context, handler string, id string)
}

// MQNotifier publishes reminder.due for the notification side to render.
// With a Deduper, a reminder is published at most once per dedup TTL even
// when overlapping sweeps pick it up together.
type MQNotifier struct {
	publisher events.Publisher
	dedup     Deduper
	logger    *zap.Logger
}

func NewMQNotifier(publisher events.Publisher, dedup Deduper, logger *zap.Logger) *MQNotifier {
	return &MQNotifier{publisher: publisher, dedup: dedup, logger: logger}
}

func (n *MQNotifier) Deliver(ctx context.Context, r model.Reminder) error {
	if n.dedup != nil && !n.dedup.AcquireOnce(ctx, dedupHandler, r.ID) {
		logger.WithTrace(ctx, n.logger).Debug("Reminder already delivered",
			zap.String("reminder_id", r.ID),
		)
		return nil
	}

	payload := mq.ReminderDuePayload{
		ReminderID:   r.ID,
		FollowupID:   r.FollowupID,
		UserID:       r.UserID,
		ReminderType: string(r.ReminderType),
		Title:        r.Title,
		Message:      r.Message,
		DueAt:        r.ReminderTime,
		TraceID:      trace.FromContext(ctx),
	}
	if err := n.publisher.Publish(ctx, mq.RoutingReminderDue, r.ID, payload); err != nil {
		if n.dedup != nil {
			n.dedup.Release(ctx, dedupHandler, r.ID)
		}
		return fmt.Errorf("publish reminder %s: %w", r.ID, err)
	}
	return nil
}

// LogNotifier only logs the reminder.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Deliver(ctx context.Context, r model.Reminder) error {
	logger.WithTrace(ctx, n.logger).Info("Reminder due",
		zap.String("reminder_id", r.ID),
		zap.String("followup_id", r.FollowupID),
		zap.String("user_id", r.UserID),
		zap.String("title", r.Title),
	)
	return nil
}
