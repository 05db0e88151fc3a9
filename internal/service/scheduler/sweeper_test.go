package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/repository/memstore"
	"mailfollowup/internal/service/automation"
	"mailfollowup/internal/service/events"
	"mailfollowup/internal/service/followup"
	"mailfollowup/internal/service/matcher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Monday 09:30 UTC
var testNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu        sync.Mutex
	err       error
	delivered []string
}

func (n *recordingNotifier) Deliver(_ context.Context, r model.Reminder) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.delivered = append(n.delivered, r.ID)
	return nil
}

type fakeLock struct {
	ok       bool
	err      error
	released bool
}

func (l *fakeLock) TryAcquire(context.Context) (func(), bool, error) {
	return func() { l.released = true }, l.ok, l.err
}

type fixture struct {
	sweeper   *Sweeper
	store     *memstore.Store
	stores    repository.Stores
	followups *followup.Service
	notifier  *recordingNotifier
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{now: testNow, notifier: &recordingNotifier{}}
	clock := func() time.Time { return fx.now }

	fx.store = memstore.New(clock)
	fx.stores = fx.store.Stores()
	log := zap.NewNop()
	rec := &events.Recorder{}
	fx.followups = followup.NewService(fx.stores, rec, followup.Config{}, log).WithClock(clock)
	engine := automation.NewEngine(automation.Deps{
		Stores:    fx.stores,
		Lifecycle: fx.followups,
		Events:    rec,
		Logger:    log,
	}).WithClock(clock)
	m := matcher.New(fx.stores.Followups, log).WithClock(clock)
	fx.sweeper = NewSweeper(fx.stores, m, engine, fx.notifier, Config{}, log).WithClock(clock)
	return fx
}

func (fx *fixture) track(t *testing.T, emailID string, sentAt time.Time) *model.Followup {
	t.Helper()
	f, err := fx.followups.CreateFollowup(context.Background(), followup.CreateInput{
		UserID:       "u-1",
		EmailID:      emailID,
		SentAt:       sentAt,
		FollowUpDays: model.Ptr(3),
		Subject:      "Contract " + emailID,
		Recipients:   []string{"bob@example.com"},
	})
	require.NoError(t, err)
	return f
}

func (fx *fixture) status(t *testing.T, id string) model.FollowupStatus {
	t.Helper()
	f, err := fx.stores.Followups.GetByID(context.Background(), id)
	require.NoError(t, err)
	return f.Status
}

func TestRunOnceDerivesStatusesAndDeliversReminders(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	overdue := fx.track(t, "m-overdue", testNow.Add(-5*24*time.Hour))
	due := fx.track(t, "m-due", testNow.Add(-3*24*time.Hour-time.Hour))
	future := fx.track(t, "m-future", testNow)

	report, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.MarkedDue)
	assert.Equal(t, 1, report.MarkedOverdue)
	assert.Equal(t, model.FollowupOverdue, fx.status(t, overdue.ID))
	assert.Equal(t, model.FollowupDue, fx.status(t, due.ID))
	assert.Equal(t, model.FollowupPending, fx.status(t, future.ID))

	assert.Equal(t, 2, report.RemindersSent)
	assert.Len(t, fx.notifier.delivered, 2)

	f, err := fx.stores.Followups.GetByID(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ReminderCount)
	require.NotNil(t, f.LastReminderAt)
	assert.Equal(t, testNow, *f.LastReminderAt)

	rems, err := fx.stores.Reminders.ListByFollowup(ctx, overdue.ID)
	require.NoError(t, err)
	require.Len(t, rems, 1)
	assert.Equal(t, model.ReminderSent, rems[0].Status)

	// a second pass changes nothing
	report, err = fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.MarkedDue)
	assert.Zero(t, report.MarkedOverdue)
	assert.Zero(t, report.RemindersSent)
	assert.Len(t, fx.notifier.delivered, 2)
}

func TestRunOnceRecordsFailedReminder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.notifier.err = errors.New("broker down")
	f := fx.track(t, "m-1", testNow.Add(-4*24*time.Hour))

	report, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RemindersFailed)

	rems, err := fx.stores.Reminders.ListByFollowup(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, rems, 1)
	assert.Equal(t, model.ReminderFailed, rems[0].Status)
	assert.Equal(t, "broker down", rems[0].ErrorMessage)

	got, err := fx.stores.Followups.GetByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ReminderCount)
}

func TestRunOnceTriggersMatchingRulesOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	overdue := fx.track(t, "m-overdue", testNow.Add(-5*24*time.Hour))
	fx.track(t, "m-due", testNow.Add(-3*24*time.Hour-time.Hour))

	rule := &model.AutomationRule{
		ID:                "r-1",
		UserID:            "u-1",
		Name:              "two days late",
		TriggerConditions: model.TriggerConditions{DaysOverdue: model.Ptr(1)},
		IsActive:          true,
	}
	require.NoError(t, fx.stores.Rules.Insert(ctx, rule))
	paused := *rule
	paused.ID = "r-paused"
	paused.IsActive = false
	require.NoError(t, fx.stores.Rules.Insert(ctx, &paused))

	report, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RulesEvaluated)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, 1, report.ExecutionsCreated)

	execs, err := fx.stores.Executions.ListByFollowup(ctx, overdue.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "r-1", execs[0].RuleID)

	report, err = fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Matched)
	assert.Zero(t, report.ExecutionsCreated)

	created, err := fx.sweeper.RunRule(ctx, "r-paused")
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestRunOnceResolvesExpiredApprovals(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f := fx.track(t, "m-1", testNow.Add(-5*24*time.Hour))
	require.NoError(t, fx.stores.Rules.Insert(ctx, &model.AutomationRule{
		ID:                 "r-1",
		UserID:             "u-1",
		Name:               "approve first",
		AutomationSettings: model.AutomationSettings{RequireApproval: true},
		ApprovalWorkflow: &model.ApprovalWorkflow{
			Approvers:      []string{"lead"},
			TimeoutHours:   1,
			FallbackAction: model.FallbackSkip,
		},
		IsActive: true,
	}))

	_, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)

	fx.now = fx.now.Add(2 * time.Hour)
	report, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired[automation.ExpirySkipped])

	execs, err := fx.stores.Executions.ListByFollowup(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.ExecutionSkipped, execs[0].Status)

	// the skipped execution frees the pair for the next sweep
	report, err = fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExecutionsCreated)
}

func TestRunOnceRetriggersAfterRejection(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f := fx.track(t, "m-1", testNow.Add(-5*24*time.Hour))
	require.NoError(t, fx.stores.Rules.Insert(ctx, &model.AutomationRule{
		ID:                 "r-1",
		UserID:             "u-1",
		Name:               "approve first",
		AutomationSettings: model.AutomationSettings{RequireApproval: true},
		ApprovalWorkflow:   &model.ApprovalWorkflow{Approvers: []string{"lead"}},
		IsActive:           true,
	}))

	_, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	execs, err := fx.stores.Executions.ListByFollowup(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)

	_, err = fx.sweeper.engine.ProcessApproval(ctx, automation.ApprovalInput{
		ExecutionID: execs[0].ID,
		ApproverID:  "lead",
		Approved:    false,
	})
	require.NoError(t, err)

	report, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExecutionsCreated)

	execs, err = fx.stores.Executions.ListByFollowup(ctx, f.ID)
	require.NoError(t, err)
	statuses := []model.ExecutionStatus{}
	for _, e := range execs {
		statuses = append(statuses, e.Status)
	}
	assert.ElementsMatch(t, []model.ExecutionStatus{model.ExecutionRejected, model.ExecutionAwaitingApproval}, statuses)
}

func TestRunOnceAbortsWhenStoreIsDown(t *testing.T) {
	fx := newFixture(t)
	f := fx.track(t, "m-1", testNow.Add(-5*24*time.Hour))
	fx.store.PingErr = errors.New("connection refused")

	_, err := fx.sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, model.FollowupPending, fx.status(t, f.ID))
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	fx := newFixture(t)
	f := fx.track(t, "m-1", testNow.Add(-5*24*time.Hour))
	lock := &fakeLock{ok: false}
	fx.sweeper.WithLock(lock)

	report, err := fx.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.LeaseHeld)
	assert.Equal(t, model.FollowupPending, fx.status(t, f.ID))

	lock.ok = true
	report, err = fx.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.LeaseHeld)
	assert.True(t, lock.released)
	assert.Equal(t, model.FollowupOverdue, fx.status(t, f.ID))
}

func TestExpiryWithoutFallbackDoesNotBlockLaterBatches(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.sweeper = NewSweeper(fx.stores, fx.sweeper.matcher, fx.sweeper.engine, fx.notifier,
		Config{ExpiryBatch: 1}, zap.NewNop()).WithClock(func() time.Time { return fx.now })

	f := fx.track(t, "m-1", testNow.Add(-5*24*time.Hour))
	for _, r := range []struct {
		id       string
		timeout  int
		fallback model.FallbackAction
	}{
		{"r-nofallback", 1, ""},
		{"r-skip", 2, model.FallbackSkip},
	} {
		require.NoError(t, fx.stores.Rules.Insert(ctx, &model.AutomationRule{
			ID:                 r.id,
			UserID:             "u-1",
			Name:               r.id,
			AutomationSettings: model.AutomationSettings{RequireApproval: true},
			ApprovalWorkflow: &model.ApprovalWorkflow{
				Approvers:      []string{"lead"},
				TimeoutHours:   r.timeout,
				FallbackAction: r.fallback,
			},
			IsActive: true,
		}))
	}

	report, err := fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.ExecutionsCreated)

	fx.now = fx.now.Add(3 * time.Hour)
	report, err = fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired[automation.ExpiryLeft])

	report, err = fx.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired[automation.ExpirySkipped])

	execs, err := fx.stores.Executions.ListByFollowup(ctx, f.ID)
	require.NoError(t, err)
	byStatus := map[string][]model.ExecutionStatus{}
	for _, e := range execs {
		byStatus[e.RuleID] = append(byStatus[e.RuleID], e.Status)
	}
	assert.Equal(t, []model.ExecutionStatus{model.ExecutionAwaitingApproval}, byStatus["r-nofallback"])
	skipped := 0
	for _, st := range byStatus["r-skip"] {
		if st == model.ExecutionSkipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}
