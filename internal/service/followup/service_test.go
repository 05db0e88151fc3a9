package followup

import (
	"context"
	"testing"
	"time"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/repository/memstore"
	"mailfollowup/internal/service/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	store  *memstore.Store
	stores repository.Stores
	events *events.Recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memstore.New(func() time.Time { return testNow })
	rec := &events.Recorder{}
	svc := NewService(store.Stores(), rec, cfg, zap.NewNop()).WithClock(func() time.Time { return testNow })
	return &fixture{svc: svc, store: store, stores: store.Stores(), events: rec}
}

func validInput() CreateInput {
	return CreateInput{
		UserID:     "u-1",
		EmailID:    "msg-1",
		SentAt:     testNow.Add(-2 * time.Hour),
		Subject:    "Proposal for Q2 roadmap",
		Recipients: []string{"alice@example.com"},
	}
}

func TestCreateFollowupComputesDueDateAndReminder(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	for _, days := range []int{1, 3, 7} {
		in := validInput()
		in.FollowUpDays = model.Ptr(days)
		f, err := fx.svc.CreateFollowup(ctx, in)
		require.NoError(t, err)

		assert.Equal(t, in.SentAt.Add(time.Duration(days)*24*time.Hour), f.FollowUpDueAt)
		assert.Equal(t, model.FollowupPending, f.Status)
		assert.Equal(t, model.FollowupManual, f.Type)
		assert.Equal(t, model.PriorityMedium, f.Priority)

		rems, err := fx.stores.Reminders.ListByFollowup(ctx, f.ID)
		require.NoError(t, err)
		require.Len(t, rems, 1)
		assert.Equal(t, f.FollowUpDueAt, rems[0].ReminderTime)
		assert.Equal(t, model.ReminderDashboard, rems[0].ReminderType)
		assert.Equal(t, model.ReminderPending, rems[0].Status)
	}
}

func TestCreateFollowupDefaultsToThreeDays(t *testing.T) {
	fx := newFixture(t, Config{})
	in := validInput()

	f, err := fx.svc.CreateFollowup(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.SentAt.Add(72*time.Hour), f.FollowUpDueAt)
	assert.Equal(t, []string{mq.RoutingFollowupCreated}, fx.events.Keys())
}

func TestCreateFollowupWithZeroDaysIsDueAtSend(t *testing.T) {
	fx := newFixture(t, Config{DefaultFollowUpDays: 5})
	ctx := context.Background()
	in := validInput()
	in.FollowUpDays = model.Ptr(0)

	f, err := fx.svc.CreateFollowup(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in.SentAt, f.FollowUpDueAt)

	rems, err := fx.stores.Reminders.ListByFollowup(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, rems, 1)
	assert.Equal(t, in.SentAt, rems[0].ReminderTime)
}

func TestCreateFollowupRejectsInvalidInput(t *testing.T) {
	fx := newFixture(t, Config{})

	cases := map[string]func(*CreateInput){
		"missing user":     func(in *CreateInput) { in.UserID = "" },
		"missing sent at":  func(in *CreateInput) { in.SentAt = time.Time{} },
		"no recipients":    func(in *CreateInput) { in.Recipients = nil },
		"bad recipient":    func(in *CreateInput) { in.Recipients = []string{"not-an-address"} },
		"unknown priority": func(in *CreateInput) { in.Priority = "whenever" },
		"negative days":    func(in *CreateInput) { in.FollowUpDays = model.Ptr(-1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			f, err := fx.svc.CreateFollowup(context.Background(), in)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Nil(t, f)
		})
	}

	all, err := fx.stores.Followups.List(context.Background(), repository.FollowupFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAutoReplySubjectCreatesNothing(t *testing.T) {
	fx := newFixture(t, Config{AutoTrack: true})
	ctx := context.Background()

	f, err := fx.svc.TrackSentEmail(ctx, SentEmail{
		UserID:     "u-1",
		EmailID:    "msg-9",
		Subject:    "Out of Office: back Monday",
		Recipients: []string{"bob@example.com"},
		SentAt:     testNow,
	})
	require.NoError(t, err)
	assert.Nil(t, f)

	in := validInput()
	in.Subject = "RE: lunch?"
	_, err = fx.svc.CreateFollowup(ctx, in)
	assert.ErrorIs(t, err, ErrAutoReplySubject)

	all, err := fx.stores.Followups.List(ctx, repository.FollowupFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTrackSentEmailRespectsConfig(t *testing.T) {
	sent := SentEmail{
		UserID:     "u-1",
		EmailID:    "msg-2",
		Subject:    "Contract draft",
		Recipients: []string{"carol@example.com"},
		SentAt:     testNow,
	}

	off := newFixture(t, Config{AutoTrack: false})
	f, err := off.svc.TrackSentEmail(context.Background(), sent)
	require.NoError(t, err)
	assert.Nil(t, f)

	on := newFixture(t, Config{AutoTrack: true, DefaultFollowUpDays: 5})
	f, err = on.svc.TrackSentEmail(context.Background(), sent)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, model.FollowupAuto, f.Type)
	assert.Equal(t, testNow.Add(5*24*time.Hour), f.FollowUpDueAt)
}

func TestSnoozeResetsReminderBookkeeping(t *testing.T) {
	ctx := context.Background()

	for _, status := range []model.FollowupStatus{model.FollowupPending, model.FollowupDue, model.FollowupOverdue} {
		t.Run(string(status), func(t *testing.T) {
			fx := newFixture(t, Config{})
			f, err := fx.svc.CreateFollowup(ctx, validInput())
			require.NoError(t, err)

			_, err = fx.stores.Followups.UpdateIf(ctx, f.ID, model.ActiveFollowupStatuses, model.FollowupPatch{
				Status:       &status,
				BumpReminder: &testNow,
			})
			require.NoError(t, err)

			newDue := testNow.Add(48 * time.Hour)
			got, err := fx.svc.SnoozeFollowup(ctx, f.ID, newDue)
			require.NoError(t, err)
			assert.Equal(t, model.FollowupPending, got.Status)
			assert.Equal(t, newDue, got.FollowUpDueAt)
			assert.Equal(t, 0, got.ReminderCount)
			assert.Nil(t, got.LastReminderAt)

			rems, err := fx.stores.Reminders.ListByFollowup(ctx, f.ID)
			require.NoError(t, err)
			require.Len(t, rems, 2)
			var pending []model.Reminder
			for _, r := range rems {
				if r.Status == model.ReminderPending {
					pending = append(pending, r)
				}
			}
			require.Len(t, pending, 1)
			assert.Equal(t, newDue, pending[0].ReminderTime)
		})
	}
}

func TestTerminalFollowupRejectsWrites(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	f, err := fx.svc.CreateFollowup(ctx, validInput())
	require.NoError(t, err)
	_, err = fx.svc.CancelFollowup(ctx, f.ID)
	require.NoError(t, err)

	_, err = fx.svc.SnoozeFollowup(ctx, f.ID, testNow.Add(time.Hour))
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = fx.svc.MarkCompleted(ctx, f.ID, nil)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = fx.svc.MarkSent(ctx, f.ID, nil)
	assert.ErrorIs(t, err, ErrTerminal)

	got, err := fx.stores.Followups.GetByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FollowupCancelled, got.Status)
	assert.Equal(t, f.FollowUpDueAt, got.FollowUpDueAt)
	assert.Nil(t, got.ResponseReceivedAt)
}

func TestCompletionCausesUseDistinctTimestamps(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	a, err := fx.svc.CreateFollowup(ctx, validInput())
	require.NoError(t, err)
	b, err := fx.svc.CreateFollowup(ctx, validInput())
	require.NoError(t, err)

	replied := testNow.Add(-time.Hour)
	a, err = fx.svc.MarkCompleted(ctx, a.ID, &replied)
	require.NoError(t, err)
	b, err = fx.svc.MarkSent(ctx, b.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, model.FollowupCompleted, a.Status)
	require.NotNil(t, a.ResponseReceivedAt)
	assert.Equal(t, replied, *a.ResponseReceivedAt)
	assert.Nil(t, a.FollowUpSentAt)

	assert.Equal(t, model.FollowupCompleted, b.Status)
	require.NotNil(t, b.FollowUpSentAt)
	assert.Equal(t, testNow, *b.FollowUpSentAt)
	assert.Nil(t, b.ResponseReceivedAt)

	rems, err := fx.stores.Reminders.ListByFollowup(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rems, 1)
	assert.Equal(t, model.ReminderCancelled, rems[0].Status)
}

func TestReadsFilterAndScope(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	in := validInput()
	in.OrganizationID = "org-1"
	in.Priority = model.PriorityHigh
	in.SentAt = testNow.Add(-5 * 24 * time.Hour)
	overdue, err := fx.svc.CreateFollowup(ctx, in)
	require.NoError(t, err)

	in = validInput()
	in.OrganizationID = "org-1"
	in.EmailID = "msg-2"
	_, err = fx.svc.CreateFollowup(ctx, in)
	require.NoError(t, err)

	in = validInput()
	in.UserID = "u-2"
	_, err = fx.svc.CreateFollowup(ctx, in)
	require.NoError(t, err)

	scope := Scope{UserID: "u-1", OrganizationID: "org-1"}
	assert.Len(t, fx.svc.GetFollowups(ctx, Query{Scope: scope}), 2)

	high := fx.svc.GetFollowups(ctx, Query{Scope: scope, Priorities: []model.Priority{model.PriorityHigh}})
	require.Len(t, high, 1)
	assert.Equal(t, overdue.ID, high[0].ID)

	due := fx.svc.GetDueFollowups(ctx, scope)
	require.Len(t, due, 1)
	assert.Equal(t, overdue.ID, due[0].ID)

	assert.Len(t, fx.svc.GetFollowupsByEmailID(ctx, Scope{UserID: "u-1"}, "msg-1"), 1)
	assert.Empty(t, fx.svc.GetFollowupsByEmailID(ctx, scope, ""))

	_, err = fx.svc.GetFollowup(ctx, Scope{UserID: "u-2"}, overdue.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBulkUpdateIsIdempotent(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()
	scope := Scope{UserID: "u-1"}

	var ids []string
	for i := 0; i < 3; i++ {
		f, err := fx.svc.CreateFollowup(ctx, validInput())
		require.NoError(t, err)
		ids = append(ids, f.ID)
	}
	_, err := fx.svc.CancelFollowup(ctx, ids[2])
	require.NoError(t, err)

	patch := BulkPatch{Status: model.Ptr(model.FollowupCompleted)}
	n, err := fx.svc.BulkUpdate(ctx, scope, append(ids, "missing"), patch)
	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = fx.svc.BulkUpdate(ctx, scope, ids[:2], patch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range ids[:2] {
		f, err := fx.stores.Followups.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.FollowupCompleted, f.Status)
	}
}

func TestBulkUpdateValidatesPatch(t *testing.T) {
	fx := newFixture(t, Config{})

	_, err := fx.svc.BulkUpdate(context.Background(), Scope{UserID: "u-1"}, []string{"x"},
		BulkPatch{Status: model.Ptr(model.FollowupDue)})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = fx.svc.BulkUpdate(context.Background(), Scope{UserID: "u-1"}, nil, BulkPatch{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRecordReplyCompletesByThread(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()

	in := validInput()
	in.ThreadID = "thread-7"
	f, err := fx.svc.CreateFollowup(ctx, in)
	require.NoError(t, err)

	done, err := fx.svc.RecordReply(ctx, "u-1", "", "thread-7", testNow)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, f.ID, done[0].ID)
	assert.Equal(t, model.FollowupCompleted, done[0].Status)

	again, err := fx.svc.RecordReply(ctx, "u-1", "msg-1", "thread-7", testNow)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestIsAutoReplySubject(t *testing.T) {
	noise := []string{
		"Re: budget", "FWD: slides", "fw: notes", "Automatic reply: hi",
		"Auto-Reply", "On vacation until May", "I am away", "Unsubscribe confirmation",
	}
	for _, s := range noise {
		assert.True(t, IsAutoReplySubject(s), s)
	}
	for _, s := range []string{"Quarterly review", "Invoice #42", "Regarding the offer"} {
		assert.False(t, IsAutoReplySubject(s), s)
	}
}
