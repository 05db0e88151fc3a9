// Package scheduler runs the periodic sweep: status derivation, reminder
// delivery, rule evaluation and approval expiry. Each phase isolates item
// failures so one bad record never stops the rest of the sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/service/automation"
	"mailfollowup/internal/service/matcher"
	"mailfollowup/internal/service/notifier"
	"mailfollowup/pkg/logger"
	"mailfollowup/pkg/metrics"
	"mailfollowup/pkg/trace"

	"go.uber.org/zap"
)

// ErrStoreUnavailable aborts a sweep iteration before any phase runs.
var ErrStoreUnavailable = errors.New("record store unavailable")

type Config struct {
	Interval      time.Duration `yaml:"interval"`
	OverdueAfter  time.Duration `yaml:"overdue_after"`
	ReminderBatch int           `yaml:"reminder_batch"`
	ExpiryBatch   int           `yaml:"expiry_batch"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.OverdueAfter <= 0 {
		c.OverdueAfter = 24 * time.Hour
	}
	if c.ReminderBatch <= 0 {
		c.ReminderBatch = 200
	}
	if c.ExpiryBatch <= 0 {
		c.ExpiryBatch = 100
	}
	return c
}

// Locker is satisfied by *util.Lease.
type Locker interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Report summarizes one sweep iteration.
type Report struct {
	MarkedDue         int
	MarkedOverdue     int
	RemindersSent     int
	RemindersFailed   int
	RulesEvaluated    int
	Matched           int
	ExecutionsCreated int
	Expired           map[automation.ExpiryOutcome]int
	ItemErrors        int
	// LeaseHeld is set when another instance owned the sweep lease.
	LeaseHeld bool
}

type Sweeper struct {
	stores   repository.Stores
	matcher  *matcher.Matcher
	engine   *automation.Engine
	notifier notifier.Notifier
	lock     Locker
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

func NewSweeper(stores repository.Stores, m *matcher.Matcher, engine *automation.Engine, n notifier.Notifier, cfg Config, logger *zap.Logger) *Sweeper {
	if n == nil {
		n = notifier.NewLogNotifier(logger)
	}
	return &Sweeper{
		stores:   stores,
		matcher:  m,
		engine:   engine,
		notifier: n,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// WithLock makes each iteration try to take l first and skip when another
// instance holds it.
func (s *Sweeper) WithLock(l Locker) *Sweeper {
	s.lock = l
	return s
}

// Start runs a sweep immediately and then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting scheduler sweep",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("overdue_after", s.cfg.OverdueAfter),
	)

	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler sweep stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	ctx, _ = trace.Ensure(ctx)
	report, err := s.RunOnce(ctx)
	if err != nil {
		logger.WithTrace(ctx, s.logger).Error("Sweep aborted", zap.Error(err))
		return
	}
	if report.LeaseHeld {
		return
	}
	logger.WithTrace(ctx, s.logger).Info("Sweep finished",
		zap.Int("marked_due", report.MarkedDue),
		zap.Int("marked_overdue", report.MarkedOverdue),
		zap.Int("reminders_sent", report.RemindersSent),
		zap.Int("reminders_failed", report.RemindersFailed),
		zap.Int("rules", report.RulesEvaluated),
		zap.Int("executions_created", report.ExecutionsCreated),
		zap.Int("item_errors", report.ItemErrors),
	)
}

// RunOnce performs one full sweep. It only returns an error when the
// iteration could not start; per-item failures are counted in the report.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{Expired: map[automation.ExpiryOutcome]int{}}

	if s.stores.Health != nil {
		if err := s.stores.Health.Ping(ctx); err != nil {
			metrics.RecordSweep("store_unavailable", time.Since(start))
			return report, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	if s.lock != nil {
		release, ok, err := s.lock.TryAcquire(ctx)
		if err != nil {
			// a lease outage must not stop the sweep
			s.logger.Warn("Sweep lease unavailable, running anyway", zap.Error(err))
		} else if !ok {
			report.LeaseHeld = true
			metrics.RecordSweep("lease_held", time.Since(start))
			return report, nil
		}
		defer release()
	}

	now := s.now()
	s.deriveStatuses(ctx, now, &report)
	s.deliverReminders(ctx, now, &report)
	s.evaluateRules(ctx, &report)
	s.resolveExpired(ctx, now, &report)

	metrics.RecordSweep("ok", time.Since(start))
	return report, nil
}

func (s *Sweeper) deriveStatuses(ctx context.Context, now time.Time, report *Report) {
	due, err := s.stores.Followups.MarkDue(ctx, now)
	if err != nil {
		s.itemError(ctx, report, "mark_due", err)
	}
	report.MarkedDue = len(due)

	overdue, err := s.stores.Followups.MarkOverdue(ctx, now.Add(-s.cfg.OverdueAfter))
	if err != nil {
		s.itemError(ctx, report, "mark_overdue", err)
	}
	report.MarkedOverdue = len(overdue)
}

func (s *Sweeper) deliverReminders(ctx context.Context, now time.Time, report *Report) {
	reminders, err := s.stores.Reminders.ListDue(ctx, now, s.cfg.ReminderBatch)
	if err != nil {
		s.itemError(ctx, report, "list_reminders", err)
		return
	}

	for _, r := range reminders {
		if err := s.notifier.Deliver(ctx, r); err != nil {
			ok, uerr := s.stores.Reminders.UpdateStatusIf(ctx, r.ID, model.ReminderPending, model.ReminderFailed, nil, err.Error())
			if uerr != nil {
				s.itemError(ctx, report, "reminder_status", uerr)
				continue
			}
			if ok {
				report.RemindersFailed++
				metrics.IncrementReminderDelivered("failed")
			}
			logger.WithTrace(ctx, s.logger).Warn("Reminder delivery failed",
				zap.String("reminder_id", r.ID),
				zap.Error(err),
			)
			continue
		}

		sentAt := s.now()
		ok, err := s.stores.Reminders.UpdateStatusIf(ctx, r.ID, model.ReminderPending, model.ReminderSent, &sentAt, "")
		if err != nil {
			s.itemError(ctx, report, "reminder_status", err)
			continue
		}
		if !ok {
			continue
		}
		report.RemindersSent++
		metrics.IncrementReminderDelivered("sent")

		if _, err := s.stores.Followups.UpdateIf(ctx, r.FollowupID, model.ActiveFollowupStatuses,
			model.FollowupPatch{BumpReminder: &sentAt}); err != nil {
			s.itemError(ctx, report, "reminder_bump", err)
		}
	}
}

func (s *Sweeper) evaluateRules(ctx context.Context, report *Report) {
	rules, err := s.stores.Rules.List(ctx, repository.RuleFilter{ActiveOnly: true})
	if err != nil {
		s.itemError(ctx, report, "list_rules", err)
		return
	}

	for i := range rules {
		created, matched, err := s.runRule(ctx, &rules[i])
		report.RulesEvaluated++
		report.Matched += matched
		report.ExecutionsCreated += created
		if err != nil {
			s.itemError(ctx, report, "rule", err)
		}
	}
}

// RunRule evaluates one rule immediately, regardless of its active flag,
// and returns how many executions it created.
func (s *Sweeper) RunRule(ctx context.Context, ruleID string) (int, error) {
	rule, err := s.stores.Rules.GetByID(ctx, ruleID)
	if err != nil {
		return 0, err
	}
	created, _, err := s.runRule(ctx, rule)
	return created, err
}

func (s *Sweeper) runRule(ctx context.Context, rule *model.AutomationRule) (created, matched int, err error) {
	followups, err := s.matcher.FindMatchingFollowups(ctx, rule)
	if err != nil {
		return 0, 0, fmt.Errorf("match rule %s: %w", rule.ID, err)
	}

	var errs []error
	for i := range followups {
		exec, err := s.engine.Trigger(ctx, rule, &followups[i])
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger rule %s on %s: %w", rule.ID, followups[i].ID, err))
			continue
		}
		if exec != nil {
			created++
		}
	}
	return created, len(followups), errors.Join(errs...)
}

func (s *Sweeper) resolveExpired(ctx context.Context, now time.Time, report *Report) {
	expired, err := s.stores.Executions.ListExpiredApprovals(ctx, now, s.cfg.ExpiryBatch)
	if err != nil {
		s.itemError(ctx, report, "list_expired", err)
		return
	}

	for i := range expired {
		outcome, err := s.engine.ResolveExpired(ctx, &expired[i])
		if err != nil {
			s.itemError(ctx, report, "expiry", err)
			continue
		}
		report.Expired[outcome]++
	}
}

func (s *Sweeper) itemError(ctx context.Context, report *Report, phase string, err error) {
	report.ItemErrors++
	metrics.IncrementSweepItemError(phase)
	logger.WithTrace(ctx, s.logger).Error("Sweep item failed",
		zap.String("phase", phase),
		zap.Error(err),
	)
}
