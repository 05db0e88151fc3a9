package followup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/service/events"
	"mailfollowup/pkg/logger"
	"mailfollowup/pkg/metrics"
	"mailfollowup/pkg/trace"
	"mailfollowup/pkg/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrValidation       = errors.New("invalid followup input")
	ErrAutoReplySubject = errors.New("subject looks like an automatic reply")
	ErrTerminal         = errors.New("followup is completed or cancelled")
	ErrNotFound         = repository.ErrNotFound
)

const DefaultFollowUpDays = 3

type Config struct {
	// AutoTrack turns TrackSentEmail on.
	AutoTrack           bool `yaml:"auto_track"`
	DefaultFollowUpDays int  `yaml:"default_follow_up_days"`
}

// Scope is the caller identity every read and bulk write is restricted to.
type Scope struct {
	UserID         string
	OrganizationID string
}

type CreateInput struct {
	UserID         string             `validate:"required"`
	OrganizationID string             `validate:"omitempty,max=128"`
	EmailID        string             `validate:"required"`
	ThreadID       string             `validate:"omitempty,max=256"`
	SentAt         time.Time          `validate:"required"`
	// FollowUpDays of nil takes the configured default; 0 makes the
	// followup due at SentAt.
	FollowUpDays   *int               `validate:"omitempty,gte=0,lte=365"`
	Type           model.FollowupType `validate:"omitempty,oneof=manual auto scheduled"`
	Priority       model.Priority     `validate:"omitempty,oneof=low medium high urgent"`
	Subject        string             `validate:"max=998"`
	Recipients     []string           `validate:"required,min=1,dive,email"`
	ContextSummary string
	Reason         string
	Metadata       map[string]any
}

// SentEmail is what the mail transport reports after an outgoing send.
type SentEmail struct {
	UserID         string
	OrganizationID string
	EmailID        string
	ThreadID       string
	Subject        string
	Recipients     []string
	SentAt         time.Time
	Priority       model.Priority
}

type Query struct {
	Scope
	Statuses   []model.FollowupStatus
	Priorities []model.Priority
	Limit      int
}

// BulkPatch is applied to every selected followup. Status may only move a
// followup to completed or cancelled.
type BulkPatch struct {
	Status         *model.FollowupStatus
	Priority       *model.Priority
	Reason         *string
	ContextSummary *string
}

type Service struct {
	followups repository.FollowupStore
	reminders repository.ReminderStore
	events    events.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(stores repository.Stores, publisher events.Publisher, cfg Config, logger *zap.Logger) *Service {
	if cfg.DefaultFollowUpDays <= 0 {
		cfg.DefaultFollowUpDays = DefaultFollowUpDays
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{
		followups: stores.Followups,
		reminders: stores.Reminders,
		events:    publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateFollowup validates in and stores a pending followup together with
// its dashboard reminder at the due date.
func (s *Service) CreateFollowup(ctx context.Context, in CreateInput) (*model.Followup, error) {
	if err := util.ValidateStruct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if IsAutoReplySubject(in.Subject) {
		return nil, ErrAutoReplySubject
	}

	days := s.cfg.DefaultFollowUpDays
	if in.FollowUpDays != nil {
		days = *in.FollowUpDays
	}
	if in.Type == "" {
		in.Type = model.FollowupManual
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}

	now := s.now()
	due := in.SentAt.Add(time.Duration(days) * 24 * time.Hour)
	f := &model.Followup{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		OrganizationID: in.OrganizationID,
		EmailID:        in.EmailID,
		ThreadID:       in.ThreadID,
		OriginalSentAt: in.SentAt,
		FollowUpDueAt:  due,
		Status:         model.FollowupPending,
		Type:           in.Type,
		Priority:       in.Priority,
		Subject:        in.Subject,
		Recipients:     append([]string(nil), in.Recipients...),
		ContextSummary: in.ContextSummary,
		Reason:         in.Reason,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	rem := newDashboardReminder(f, due, now)

	if err := s.followups.CreateWithReminder(ctx, f, rem); err != nil {
		return nil, fmt.Errorf("create followup: %w", err)
	}

	metrics.IncrementFollowupCreated(string(f.Type))
	logger.WithTrace(ctx, s.logger).Info("Followup created",
		zap.String("followup_id", f.ID),
		zap.String("email_id", f.EmailID),
		zap.Time("due_at", due),
	)
	s.emit(ctx, mq.RoutingFollowupCreated, f)
	return f, nil
}

// TrackSentEmail creates an auto followup for a sent message. It returns nil
// without error when tracking is off or the subject is auto-reply noise.
func (s *Service) TrackSentEmail(ctx context.Context, e SentEmail) (*model.Followup, error) {
	if !s.cfg.AutoTrack {
		return nil, nil
	}
	f, err := s.CreateFollowup(ctx, CreateInput{
		UserID:         e.UserID,
		OrganizationID: e.OrganizationID,
		EmailID:        e.EmailID,
		ThreadID:       e.ThreadID,
		SentAt:         e.SentAt,
		Type:           model.FollowupAuto,
		Priority:       e.Priority,
		Subject:        e.Subject,
		Recipients:     e.Recipients,
		Reason:         "awaiting reply",
	})
	if errors.Is(err, ErrAutoReplySubject) {
		s.logger.Debug("Skipping auto-reply subject",
			zap.String("email_id", e.EmailID),
			zap.String("subject", e.Subject),
		)
		return nil, nil
	}
	return f, err
}

// SnoozeFollowup moves a non-terminal followup back to pending with a new due
// date and starts its reminder bookkeeping over.
func (s *Service) SnoozeFollowup(ctx context.Context, id string, newDueAt time.Time) (*model.Followup, error) {
	if newDueAt.IsZero() {
		return nil, fmt.Errorf("%w: new due date is required", ErrValidation)
	}
	f, err := s.transition(ctx, id, model.FollowupPatch{
		Status:         model.Ptr(model.FollowupPending),
		FollowUpDueAt:  &newDueAt,
		ResetReminders: true,
	})
	if err != nil {
		return f, err
	}

	s.cancelReminders(ctx, id)
	if err := s.reminders.Insert(ctx, newDashboardReminder(f, newDueAt, s.now())); err != nil {
		s.logger.Error("Failed to schedule reminder after snooze",
			zap.String("followup_id", id),
			zap.Error(err),
		)
	}
	s.emit(ctx, mq.RoutingFollowupSnoozed, f)
	return f, nil
}

// MarkCompleted records that a response arrived. respondedAt defaults to now.
func (s *Service) MarkCompleted(ctx context.Context, id string, respondedAt *time.Time) (*model.Followup, error) {
	at := s.stamp(respondedAt)
	return s.close(ctx, id, model.FollowupPatch{
		Status:             model.Ptr(model.FollowupCompleted),
		ResponseReceivedAt: &at,
	}, mq.RoutingFollowupCompleted)
}

// MarkSent records that the follow-up message itself went out. sentAt defaults to now.
func (s *Service) MarkSent(ctx context.Context, id string, sentAt *time.Time) (*model.Followup, error) {
	at := s.stamp(sentAt)
	return s.close(ctx, id, model.FollowupPatch{
		Status:         model.Ptr(model.FollowupCompleted),
		FollowUpSentAt: &at,
	}, mq.RoutingFollowupCompleted)
}

func (s *Service) CancelFollowup(ctx context.Context, id string) (*model.Followup, error) {
	return s.close(ctx, id, model.FollowupPatch{
		Status: model.Ptr(model.FollowupCancelled),
	}, mq.RoutingFollowupCancelled)
}

// RecordReply completes every open followup of userID that tracks emailID or
// threadID and returns the ones this call completed.
func (s *Service) RecordReply(ctx context.Context, userID, emailID, threadID string, receivedAt time.Time) ([]model.Followup, error) {
	if emailID == "" && threadID == "" {
		return nil, fmt.Errorf("%w: email id or thread id is required", ErrValidation)
	}

	candidates, err := s.findByMessage(ctx, userID, emailID, threadID, model.ActiveFollowupStatuses)
	if err != nil {
		return nil, err
	}

	var completed []model.Followup
	for _, c := range candidates {
		f, err := s.MarkCompleted(ctx, c.ID, &receivedAt)
		if errors.Is(err, ErrTerminal) {
			continue
		}
		if err != nil {
			return completed, err
		}
		completed = append(completed, *f)
	}
	return completed, nil
}

// FollowupsForMessage returns every followup of userID, in any status, that
// tracks emailID or threadID.
func (s *Service) FollowupsForMessage(ctx context.Context, userID, emailID, threadID string) ([]model.Followup, error) {
	if emailID == "" && threadID == "" {
		return nil, fmt.Errorf("%w: email id or thread id is required", ErrValidation)
	}
	return s.findByMessage(ctx, userID, emailID, threadID, nil)
}

func (s *Service) findByMessage(ctx context.Context, userID, emailID, threadID string, statuses []model.FollowupStatus) ([]model.Followup, error) {
	var filters []repository.FollowupFilter
	if emailID != "" {
		filters = append(filters, repository.FollowupFilter{UserID: userID, EmailID: emailID, Statuses: statuses})
	}
	if threadID != "" {
		filters = append(filters, repository.FollowupFilter{UserID: userID, ThreadID: threadID, Statuses: statuses})
	}

	var out []model.Followup
	seen := make(map[string]struct{})
	for _, filter := range filters {
		found, err := s.followups.List(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("list followups for message: %w", err)
		}
		for _, f := range found {
			if _, dup := seen[f.ID]; dup {
				continue
			}
			seen[f.ID] = struct{}{}
			out = append(out, f)
		}
	}
	return out, nil
}

// GetFollowup returns id when it belongs to scope.
func (s *Service) GetFollowup(ctx context.Context, scope Scope, id string) (*model.Followup, error) {
	f, err := s.followups.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.owns(f) {
		return nil, ErrNotFound
	}
	return f, nil
}

// GetFollowups never fails: store errors are logged and yield an empty result.
func (s *Service) GetFollowups(ctx context.Context, q Query) []model.Followup {
	return s.list(ctx, repository.FollowupFilter{
		UserID:         q.UserID,
		OrganizationID: q.OrganizationID,
		Statuses:       q.Statuses,
		Priorities:     q.Priorities,
		Limit:          q.Limit,
	})
}

// GetDueFollowups returns open followups whose due date has passed.
func (s *Service) GetDueFollowups(ctx context.Context, scope Scope) []model.Followup {
	now := s.now()
	return s.list(ctx, repository.FollowupFilter{
		UserID:         scope.UserID,
		OrganizationID: scope.OrganizationID,
		Statuses:       model.ActiveFollowupStatuses,
		DueBefore:      &now,
	})
}

func (s *Service) GetFollowupsByEmailID(ctx context.Context, scope Scope, emailID string) []model.Followup {
	if emailID == "" {
		return []model.Followup{}
	}
	return s.list(ctx, repository.FollowupFilter{
		UserID:         scope.UserID,
		OrganizationID: scope.OrganizationID,
		EmailID:        emailID,
	})
}

// BulkUpdate applies patch to each id with its own conditional write. It
// returns how many records are in the requested state afterwards together
// with the joined per-record failures. Records already in the requested
// terminal status count as updated, so retrying a batch is safe.
func (s *Service) BulkUpdate(ctx context.Context, scope Scope, ids []string, patch BulkPatch) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no ids", ErrValidation)
	}
	if patch.Status != nil && !patch.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: bulk status must be completed or cancelled", ErrValidation)
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		return 0, fmt.Errorf("%w: unknown priority %q", ErrValidation, *patch.Priority)
	}

	updated := 0
	var errs []error
	for _, id := range ids {
		if err := s.bulkApply(ctx, scope, id, patch); err != nil {
			errs = append(errs, fmt.Errorf("followup %s: %w", id, err))
			continue
		}
		updated++
	}
	return updated, errors.Join(errs...)
}

func (s *Service) bulkApply(ctx context.Context, scope Scope, id string, patch BulkPatch) error {
	f, err := s.GetFollowup(ctx, scope, id)
	if err != nil {
		return err
	}
	if f.Status.IsTerminal() {
		if patch.Status != nil && *patch.Status == f.Status {
			return nil
		}
		return ErrTerminal
	}

	fp := model.FollowupPatch{
		Status:         patch.Status,
		Priority:       patch.Priority,
		Reason:         patch.Reason,
		ContextSummary: patch.ContextSummary,
	}
	if patch.Status != nil && *patch.Status == model.FollowupCompleted {
		at := s.now()
		fp.ResponseReceivedAt = &at
	}

	ok, err := s.followups.UpdateIf(ctx, id, model.ActiveFollowupStatuses, fp)
	if err != nil {
		return err
	}
	if !ok {
		current, err := s.followups.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if patch.Status != nil && current.Status == *patch.Status {
			return nil
		}
		return ErrTerminal
	}

	if patch.Status != nil {
		s.cancelReminders(ctx, id)
		f.Status = *patch.Status
		key := mq.RoutingFollowupCompleted
		if *patch.Status == model.FollowupCancelled {
			key = mq.RoutingFollowupCancelled
		}
		s.emit(ctx, key, f)
	}
	return nil
}

func (s *Service) close(ctx context.Context, id string, patch model.FollowupPatch, routingKey string) (*model.Followup, error) {
	f, err := s.transition(ctx, id, patch)
	if err != nil {
		return f, err
	}
	s.cancelReminders(ctx, id)
	s.emit(ctx, routingKey, f)
	return f, nil
}

// transition writes patch only while the followup is non-terminal.
func (s *Service) transition(ctx context.Context, id string, patch model.FollowupPatch) (*model.Followup, error) {
	ok, err := s.followups.UpdateIf(ctx, id, model.ActiveFollowupStatuses, patch)
	if err != nil {
		return nil, fmt.Errorf("update followup %s: %w", id, err)
	}
	f, err := s.followups.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return f, ErrTerminal
	}
	return f, nil
}

func (s *Service) cancelReminders(ctx context.Context, followupID string) {
	n, err := s.reminders.CancelPending(ctx, followupID)
	if err != nil {
		s.logger.Error("Failed to cancel pending reminders",
			zap.String("followup_id", followupID),
			zap.Error(err),
		)
		return
	}
	if n > 0 {
		s.logger.Debug("Cancelled pending reminders",
			zap.String("followup_id", followupID),
			zap.Int("count", n),
		)
	}
}

func (s *Service) list(ctx context.Context, filter repository.FollowupFilter) []model.Followup {
	out, err := s.followups.List(ctx, filter)
	if err != nil {
		logger.WithTrace(ctx, s.logger).Error("Failed to list followups",
			zap.String("user_id", filter.UserID),
			zap.Error(err),
		)
		return []model.Followup{}
	}
	return out
}

func (s *Service) emit(ctx context.Context, routingKey string, f *model.Followup) {
	events.Emit(ctx, s.events, s.logger, routingKey, f.ID, mq.FollowupEventPayload{
		FollowupID:     f.ID,
		UserID:         f.UserID,
		OrganizationID: f.OrganizationID,
		EmailID:        f.EmailID,
		Status:         string(f.Status),
		FollowUpDueAt:  f.FollowUpDueAt,
		OccurredAt:     s.now(),
		TraceID:        trace.FromContext(ctx),
	})
}

func (s *Service) stamp(t *time.Time) time.Time {
	if t != nil && !t.IsZero() {
		return *t
	}
	return s.now()
}

func (sc Scope) owns(f *model.Followup) bool {
	if sc.UserID != "" && f.UserID != sc.UserID {
		return false
	}
	if sc.OrganizationID != "" && f.OrganizationID != sc.OrganizationID {
		return false
	}
	return true
}

func newDashboardReminder(f *model.Followup, at, now time.Time) *model.Reminder {
	return &model.Reminder{
		ID:           uuid.NewString(),
		FollowupID:   f.ID,
		UserID:       f.UserID,
		ReminderType: model.ReminderDashboard,
		ReminderTime: at,
		Status:       model.ReminderPending,
		Title:        "Follow up: " + f.Subject,
		Message:      fmt.Sprintf("No reply from %s yet.", strings.Join(f.Recipients, ", ")),
		CreatedAt:    now,
	}
}
