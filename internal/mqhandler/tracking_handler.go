package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/service/followup"
	"mailfollowup/pkg/logger"
	"mailfollowup/pkg/util"

	"go.uber.org/zap"
)

// Tracker is the part of *followup.Service the tracking handlers use.
type Tracker interface {
	TrackSentEmail(ctx context.Context, e followup.SentEmail) (*model.Followup, error)
	RecordReply(ctx context.Context, userID, emailID, threadID string, receivedAt time.Time) ([]model.Followup, error)
	FollowupsForMessage(ctx context.Context, userID, emailID, threadID string) ([]model.Followup, error)
}

// ResponseRecorder is the part of *automation.Engine notified about replies.
type ResponseRecorder interface {
	RecordResponse(ctx context.Context, followupID string, receivedAt time.Time) (int, error)
}

// Deduper is satisfied by *util.Deduper.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
	Release(ctx context.Context, handler string, id string)
}

const emailSentDedup = "email_sent"

type TrackingHandler struct {
	tracker   Tracker
	responses ResponseRecorder
	dedup     Deduper
	logger    *zap.Logger
}

// NewTrackingHandler builds the tracking handlers; dedup may be nil.
func NewTrackingHandler(tracker Tracker, responses ResponseRecorder, dedup Deduper, logger *zap.Logger) *TrackingHandler {
	return &TrackingHandler{tracker: tracker, responses: responses, dedup: dedup, logger: logger}
}

// HandleEmailSent starts tracking an outgoing message. Each (user, message)
// pair is claimed in the deduper before the lookup so concurrent deliveries
// cannot both create a followup; the claim is dropped when tracking fails.
func (h *TrackingHandler) HandleEmailSent(ctx context.Context, raw json.RawMessage) (_ string, err error) {
	var p mq.EmailSentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode email.sent: %w", err)
	}
	log := logger.WithTrace(ctx, h.logger)

	if h.dedup != nil {
		key := p.UserID + "|" + p.EmailID
		if !h.dedup.AcquireOnce(ctx, emailSentDedup, key) {
			log.Debug("Email already being tracked, skipping", zap.String("email_id", p.EmailID))
			return p.EmailID, nil
		}
		defer func() {
			if err != nil {
				h.dedup.Release(ctx, emailSentDedup, key)
			}
		}()
	}

	existing, err := h.tracker.FollowupsForMessage(ctx, p.UserID, p.EmailID, "")
	if err != nil {
		if errors.Is(err, followup.ErrValidation) {
			return p.EmailID, util.Permanent(err)
		}
		return p.EmailID, err
	}
	if len(existing) > 0 {
		log.Debug("Email already tracked, skipping", zap.String("email_id", p.EmailID))
		return p.EmailID, nil
	}

	f, err := h.tracker.TrackSentEmail(ctx, followup.SentEmail{
		UserID:         p.UserID,
		OrganizationID: p.OrganizationID,
		EmailID:        p.EmailID,
		ThreadID:       p.ThreadID,
		Subject:        p.Subject,
		Recipients:     p.Recipients,
		SentAt:         p.SentAt,
		Priority:       model.Priority(p.Priority),
	})
	if err != nil {
		if errors.Is(err, followup.ErrValidation) {
			return p.EmailID, util.Permanent(err)
		}
		return p.EmailID, err
	}
	if f == nil {
		log.Debug("Sent email not tracked", zap.String("email_id", p.EmailID))
		return p.EmailID, nil
	}

	log.Info("Tracking sent email",
		zap.String("email_id", p.EmailID),
		zap.String("followup_id", f.ID),
	)
	return p.EmailID, nil
}

// HandleReplyReceived completes open followups for the replied message and
// records the response on every execution that sent a follow-up for it.
func (h *TrackingHandler) HandleReplyReceived(ctx context.Context, raw json.RawMessage) (string, error) {
	var p mq.ReplyReceivedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", fmt.Errorf("decode email.reply_received: %w", err)
	}
	id := p.EmailID + "|" + p.ThreadID
	receivedAt := p.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	completed, err := h.tracker.RecordReply(ctx, p.UserID, p.EmailID, p.ThreadID, receivedAt)
	if err != nil {
		if errors.Is(err, followup.ErrValidation) {
			return id, util.Permanent(err)
		}
		return id, err
	}

	all, err := h.tracker.FollowupsForMessage(ctx, p.UserID, p.EmailID, p.ThreadID)
	if err != nil {
		return id, err
	}

	recorded := 0
	var errs []error
	for _, f := range all {
		n, err := h.responses.RecordResponse(ctx, f.ID, receivedAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recorded += n
	}

	logger.WithTrace(ctx, h.logger).Info("Reply processed",
		zap.String("email_id", p.EmailID),
		zap.String("thread_id", p.ThreadID),
		zap.Int("completed", len(completed)),
		zap.Int("responses_recorded", recorded),
	)
	return id, errors.Join(errs...)
}
