package matcher

import (
	"context"
	"testing"
	"time"

	"mailfollowup/internal/model"
	"mailfollowup/internal/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Monday 14:20 UTC
var testNow = time.Date(2025, 3, 10, 14, 20, 0, 0, time.UTC)

func followup(id string, status model.FollowupStatus, due time.Time) *model.Followup {
	return &model.Followup{
		ID:            id,
		UserID:        "u-1",
		EmailID:       "msg-" + id,
		FollowUpDueAt: due,
		Status:        status,
		Priority:      model.PriorityMedium,
		Recipients:    []string{"Alice@Example.com"},
	}
}

func setup(t *testing.T, fs ...*model.Followup) *Matcher {
	t.Helper()
	store := memstore.New(func() time.Time { return testNow })
	for _, f := range fs {
		require.NoError(t, store.Stores().Followups.CreateWithReminder(context.Background(), f, nil))
	}
	return New(store.Stores().Followups, zap.NewNop()).WithClock(func() time.Time { return testNow })
}

func ids(fs []model.Followup) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ID
	}
	return out
}

func TestDaysOverdueWithStatus(t *testing.T) {
	m := setup(t,
		followup("three-days", model.FollowupOverdue, testNow.Add(-72*time.Hour)),
		followup("one-day", model.FollowupOverdue, testNow.Add(-24*time.Hour)),
		followup("due-three-days", model.FollowupDue, testNow.Add(-72*time.Hour)),
	)
	rule := &model.AutomationRule{
		ID:     "r-1",
		UserID: "u-1",
		TriggerConditions: model.TriggerConditions{
			DaysOverdue: model.Ptr(2),
			StatusTypes: []model.FollowupStatus{model.FollowupOverdue},
		},
	}

	got, err := m.FindMatchingFollowups(context.Background(), rule)
	require.NoError(t, err)
	assert.Equal(t, []string{"three-days"}, ids(got))
}

func TestNotYetDueFailsDaysOverdue(t *testing.T) {
	f := followup("future", model.FollowupPending, testNow.Add(2*time.Hour))
	prog, err := Compile(model.TriggerConditions{DaysOverdue: model.Ptr(0)})
	require.NoError(t, err)
	assert.False(t, prog.Match(f, testNow))
}

func TestEmptyConditionsMatchEveryOpenFollowup(t *testing.T) {
	m := setup(t,
		followup("a", model.FollowupPending, testNow),
		followup("b", model.FollowupOverdue, testNow.Add(-time.Hour)),
		followup("done", model.FollowupCompleted, testNow),
	)
	got, err := m.FindMatchingFollowups(context.Background(), &model.AutomationRule{ID: "r", UserID: "u-1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(got))
}

func TestTerminalOnlyStatusTypesMatchNothing(t *testing.T) {
	m := setup(t, followup("done", model.FollowupCompleted, testNow))
	rule := &model.AutomationRule{
		ID:                "r",
		UserID:            "u-1",
		TriggerConditions: model.TriggerConditions{StatusTypes: []model.FollowupStatus{model.FollowupCompleted}},
	}
	got, err := m.FindMatchingFollowups(context.Background(), rule)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecipientPatternsAreCaseInsensitive(t *testing.T) {
	f := followup("x", model.FollowupDue, testNow)
	f.Recipients = []string{"ops@internal.test", "Alice@Example.com"}

	prog, err := Compile(model.TriggerConditions{RecipientPatterns: []string{`@example\.com$`, `^nobody@`}})
	require.NoError(t, err)
	assert.True(t, prog.Match(f, testNow))

	prog, err = Compile(model.TriggerConditions{RecipientPatterns: []string{`@other\.org$`}})
	require.NoError(t, err)
	assert.False(t, prog.Match(f, testNow))
}

func TestTimeOfDayTolerance(t *testing.T) {
	f := followup("x", model.FollowupDue, testNow)
	cases := map[string]bool{
		"14:00": true,
		"13:59": true,
		"15:45": true,
		"12:00": false,
		"16:00": false,
	}
	for target, want := range cases {
		prog, err := Compile(model.TriggerConditions{TimeOfDay: target})
		require.NoError(t, err)
		assert.Equal(t, want, prog.Match(f, testNow), target)
	}
}

func TestDaysOfWeek(t *testing.T) {
	f := followup("x", model.FollowupDue, testNow)

	prog, err := Compile(model.TriggerConditions{DaysOfWeek: []int{1, 3, 5}})
	require.NoError(t, err)
	assert.True(t, prog.Match(f, testNow))

	prog, err = Compile(model.TriggerConditions{DaysOfWeek: []int{0, 6}})
	require.NoError(t, err)
	assert.False(t, prog.Match(f, testNow))
}

func TestLocationShiftsWallClock(t *testing.T) {
	m := setup(t, followup("x", model.FollowupDue, testNow))
	// 14:20 UTC is 23:20 in Tokyo
	m.WithLocation(time.FixedZone("JST", 9*3600))

	rule := &model.AutomationRule{
		ID:                "r",
		UserID:            "u-1",
		TriggerConditions: model.TriggerConditions{TimeOfDay: "23:00"},
	}
	got, err := m.FindMatchingFollowups(context.Background(), rule)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestConditionsAreConjunctive(t *testing.T) {
	f := followup("x", model.FollowupOverdue, testNow.Add(-96*time.Hour))
	f.Priority = model.PriorityHigh

	tc := model.TriggerConditions{
		DaysOverdue:       model.Ptr(3),
		PriorityLevels:    []model.Priority{model.PriorityHigh, model.PriorityUrgent},
		StatusTypes:       []model.FollowupStatus{model.FollowupOverdue},
		RecipientPatterns: []string{"example"},
		DaysOfWeek:        []int{1},
	}
	prog, err := Compile(tc)
	require.NoError(t, err)
	assert.Len(t, prog, 5)
	assert.True(t, prog.Match(f, testNow))

	tc.PriorityLevels = []model.Priority{model.PriorityLow}
	prog, err = Compile(tc)
	require.NoError(t, err)
	assert.False(t, prog.Match(f, testNow))
}

func TestCompileRejectsBadConditions(t *testing.T) {
	bad := []model.TriggerConditions{
		{RecipientPatterns: []string{"("}},
		{TimeOfDay: "25:99"},
		{TimeOfDay: "noon"},
		{DaysOfWeek: []int{7}},
		{StatusTypes: []model.FollowupStatus{"stale"}},
		{PriorityLevels: []model.Priority{"critical"}},
	}
	for _, tc := range bad {
		_, err := Compile(tc)
		assert.Error(t, err, "%+v", tc)
	}
}

func TestFindMatchingFollowupsSurfacesCompileError(t *testing.T) {
	m := setup(t, followup("x", model.FollowupDue, testNow))
	rule := &model.AutomationRule{
		ID:                "r-bad",
		UserID:            "u-1",
		TriggerConditions: model.TriggerConditions{RecipientPatterns: []string{"[unclosed"}},
	}
	got, err := m.FindMatchingFollowups(context.Background(), rule)
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestOrganizationScope(t *testing.T) {
	inOrg := followup("in", model.FollowupDue, testNow)
	inOrg.OrganizationID = "org-1"
	other := followup("out", model.FollowupDue, testNow)
	other.OrganizationID = "org-2"
	m := setup(t, inOrg, other)

	got, err := m.FindMatchingFollowups(context.Background(), &model.AutomationRule{ID: "r", UserID: "u-1", OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"in"}, ids(got))
}
