package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newStore() repository.Stores {
	return New(func() time.Time { return now }).Stores()
}

func seedFollowup(t *testing.T, st repository.Stores, id string, status model.FollowupStatus, due time.Time) {
	t.Helper()
	require.NoError(t, st.Followups.CreateWithReminder(context.Background(), &model.Followup{
		ID: id, UserID: "u1", EmailID: "m-" + id, Status: status, FollowUpDueAt: due,
	}, &model.Reminder{
		ID: "r-" + id, FollowupID: id, UserID: "u1", ReminderTime: due, Status: model.ReminderPending,
	}))
}

func TestFollowupUpdateIfGuardsStatus(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedFollowup(t, st, "f1", model.FollowupPending, now)

	ok, err := st.Followups.UpdateIf(ctx, "f1", []model.FollowupStatus{model.FollowupDue}, model.FollowupPatch{
		Status: model.Ptr(model.FollowupCompleted),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.Followups.UpdateIf(ctx, "f1", model.ActiveFollowupStatuses, model.FollowupPatch{
		Status: model.Ptr(model.FollowupCompleted),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Followups.UpdateIf(ctx, "missing", model.ActiveFollowupStatuses, model.FollowupPatch{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.Followups.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedFollowup(t, st, "f1", model.FollowupPending, now)

	got, err := st.Followups.GetByID(ctx, "f1")
	require.NoError(t, err)
	got.Status = model.FollowupCancelled

	again, err := st.Followups.GetByID(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, model.FollowupPending, again.Status)
}

func TestMarkDueAndOverdue(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedFollowup(t, st, "future", model.FollowupPending, now.Add(time.Hour))
	seedFollowup(t, st, "due", model.FollowupPending, now.Add(-time.Hour))
	seedFollowup(t, st, "old", model.FollowupPending, now.Add(-48*time.Hour))
	seedFollowup(t, st, "done", model.FollowupCompleted, now.Add(-48*time.Hour))

	overdue, err := st.Followups.MarkOverdue(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, overdue)

	dueIDs, err := st.Followups.MarkDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, dueIDs)

	list, err := st.Followups.List(ctx, repository.FollowupFilter{UserID: "u1", Statuses: model.ActiveFollowupStatuses})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "old", list[0].ID, "ordered by due date")
}

func TestReminderLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	seedFollowup(t, st, "f1", model.FollowupPending, now.Add(-time.Minute))
	seedFollowup(t, st, "f2", model.FollowupPending, now.Add(time.Hour))

	due, err := st.Reminders.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "r-f1", due[0].ID)

	ok, err := st.Reminders.UpdateStatusIf(ctx, "r-f1", model.ReminderPending, model.ReminderSent, &now, "")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.Reminders.UpdateStatusIf(ctx, "r-f1", model.ReminderPending, model.ReminderSent, &now, "")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := st.Reminders.CancelPending(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rems, err := st.Reminders.ListByFollowup(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, model.ReminderCancelled, rems[0].Status)
}

func TestInsertIfNoActiveIsAtomic(t *testing.T) {
	ctx := context.Background()
	st := newStore()

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := st.Executions.InsertIfNoActive(ctx, &model.AutomationExecution{
				ID: fmt.Sprintf("e%d", i), RuleID: "r1", FollowupID: "f1", Status: model.ExecutionPending,
			})
			assert.NoError(t, err)
			if ok {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, created.Load())

	active, err := st.Executions.FindActive(ctx, "r1", "f1")
	require.NoError(t, err)

	ok, err := st.Executions.Transition(ctx, active.ID, model.ExecutionPending, active.Version, model.ExecutionPatch{
		Status: model.Ptr(model.ExecutionFailed),
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.Executions.InsertIfNoActive(ctx, &model.AutomationExecution{
		ID: "next", RuleID: "r1", FollowupID: "f1", Status: model.ExecutionPending,
	})
	require.NoError(t, err)
	assert.True(t, ok, "a terminal execution frees the pair")
}

func TestTransitionRequiresStatusAndVersion(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	_, err := st.Executions.InsertIfNoActive(ctx, &model.AutomationExecution{
		ID: "e1", RuleID: "r1", FollowupID: "f1", Status: model.ExecutionAwaitingApproval,
	})
	require.NoError(t, err)

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.Executions.Transition(ctx, "e1", model.ExecutionAwaitingApproval, 0, model.ExecutionPatch{
				Status: model.Ptr(model.ExecutionApproved),
			})
			assert.NoError(t, err)
			if ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, won.Load())

	got, err := st.Executions.GetByID(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionApproved, got.Status)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, now, got.UpdatedAt)
}

func TestListExpiredApprovalsSkipsEscalated(t *testing.T) {
	ctx := context.Background()
	st := newStore()
	past := now.Add(-time.Hour)
	older := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)

	for _, e := range []*model.AutomationExecution{
		{ID: "late", RuleID: "r1", FollowupID: "f1", Status: model.ExecutionAwaitingApproval, ApprovalDeadline: &past},
		{ID: "later", RuleID: "r1", FollowupID: "f2", Status: model.ExecutionAwaitingApproval, ApprovalDeadline: &older},
		{ID: "open", RuleID: "r1", FollowupID: "f3", Status: model.ExecutionAwaitingApproval, ApprovalDeadline: &future},
		{ID: "escalated", RuleID: "r1", FollowupID: "f4", Status: model.ExecutionAwaitingApproval, ApprovalDeadline: &past,
			Metadata: map[string]any{model.MetaEscalatedAt: past}},
	} {
		_, err := st.Executions.InsertIfNoActive(ctx, e)
		require.NoError(t, err)
	}

	got, err := st.Executions.ListExpiredApprovals(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "later", got[0].ID)
	assert.Equal(t, "late", got[1].ID)
}

func TestPing(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Ping(context.Background()))
	s.PingErr = errors.New("down")
	assert.Error(t, s.Stores().Health.Ping(context.Background()))
}
