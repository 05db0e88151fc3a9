package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/repository"
	"mailfollowup/internal/repository/memstore"
	"mailfollowup/internal/service/automation"
	"mailfollowup/internal/service/events"
	"mailfollowup/internal/service/followup"
	"mailfollowup/pkg/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

type memCounter struct{ counts map[string]int64 }

func (c *memCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memCounter) Reset(_ context.Context, key string) error {
	delete(c.counts, key)
	return nil
}

type dlqRecorder struct{ keys []string }

func (d *dlqRecorder) PublishToDLQ(routingKey string, _ []byte, _ string) error {
	d.keys = append(d.keys, routingKey)
	return nil
}

func TestGuardRetriesThenDeadLetters(t *testing.T) {
	counter := &memCounter{counts: map[string]int64{}}
	dlq := &dlqRecorder{}
	g := NewGuard(counter, dlq, zap.NewNop()).WithMaxRetries(2)
	boom := errors.New("upstream flaky")
	h := g.Wrap("test", "email.sent", func(context.Context, json.RawMessage) (string, error) { return "42", boom })

	assert.ErrorIs(t, h(context.Background(), json.RawMessage(`{}`)), boom)
	assert.ErrorIs(t, h(context.Background(), json.RawMessage(`{}`)), boom)
	assert.NoError(t, h(context.Background(), json.RawMessage(`{}`)))
	assert.Equal(t, []string{"email.sent"}, dlq.keys)
}

func TestGuardDeadLettersPermanentErrors(t *testing.T) {
	dlq := &dlqRecorder{}
	g := NewGuard(&memCounter{counts: map[string]int64{}}, dlq, zap.NewNop())
	h := g.Wrap("test", "approval.submitted", func(context.Context, json.RawMessage) (string, error) {
		return "x", util.Permanent(errors.New("bad vote"))
	})

	assert.NoError(t, h(context.Background(), json.RawMessage(`{}`)))
	assert.Len(t, dlq.keys, 1)
}

func TestGuardResetsCounterOnSuccess(t *testing.T) {
	counter := &memCounter{counts: map[string]int64{util.FormatRetryKey("test", "7"): 3}}
	g := NewGuard(counter, &dlqRecorder{}, zap.NewNop())
	h := g.Wrap("test", "email.sent", func(context.Context, json.RawMessage) (string, error) { return "7", nil })

	require.NoError(t, h(context.Background(), json.RawMessage(`{}`)))
	assert.Empty(t, counter.counts)
}

type memDeduper struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemDeduper() *memDeduper { return &memDeduper{held: map[string]bool{}} }

func (d *memDeduper) AcquireOnce(_ context.Context, handler, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held[handler+":"+id] {
		return false
	}
	d.held[handler+":"+id] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, handler, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.held, handler+":"+id)
}

// flakyTracker fails the first TrackSentEmail call.
type flakyTracker struct {
	Tracker
	failed bool
}

func (f *flakyTracker) TrackSentEmail(ctx context.Context, e followup.SentEmail) (*model.Followup, error) {
	if !f.failed {
		f.failed = true
		return nil, errors.New("db timeout")
	}
	return f.Tracker.TrackSentEmail(ctx, e)
}

type fixture struct {
	tracking *TrackingHandler
	approval *ApprovalHandler
	svc      *followup.Service
	engine   *automation.Engine
	stores   repository.Stores
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return testNow }
	store := memstore.New(clock)
	stores := store.Stores()
	log := zap.NewNop()
	svc := followup.NewService(stores, events.Nop{}, followup.Config{AutoTrack: true}, log).WithClock(clock)
	engine := automation.NewEngine(automation.Deps{Stores: stores, Lifecycle: svc, Logger: log}).WithClock(clock)
	return &fixture{
		tracking: NewTrackingHandler(svc, engine, newMemDeduper(), log),
		approval: NewApprovalHandler(engine, log),
		svc:      svc,
		engine:   engine,
		stores:   stores,
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHandleEmailSentTracksOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	raw := mustJSON(t, mq.EmailSentPayload{
		EmailID:    "msg-1",
		ThreadID:   "th-1",
		UserID:     "u-1",
		Subject:    "Invoice 1042",
		Recipients: []string{"ap@example.com"},
		SentAt:     testNow.Add(-time.Hour),
	})

	id, err := fx.tracking.HandleEmailSent(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	_, err = fx.tracking.HandleEmailSent(ctx, raw)
	require.NoError(t, err)

	found, err := fx.svc.FollowupsForMessage(ctx, "u-1", "msg-1", "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, model.FollowupAuto, found[0].Type)
}

func sentPayload(t *testing.T) json.RawMessage {
	t.Helper()
	return mustJSON(t, mq.EmailSentPayload{
		EmailID:    "msg-1",
		UserID:     "u-1",
		Subject:    "Invoice 1042",
		Recipients: []string{"ap@example.com"},
		SentAt:     testNow.Add(-time.Hour),
	})
}

func TestHandleEmailSentConcurrentDeliveriesTrackOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	raw := sentPayload(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = fx.tracking.HandleEmailSent(ctx, raw)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	found, err := fx.svc.FollowupsForMessage(ctx, "u-1", "msg-1", "")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestHandleEmailSentReleasesClaimOnFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	dedup := newMemDeduper()
	h := NewTrackingHandler(&flakyTracker{Tracker: fx.svc}, fx.engine, dedup, zap.NewNop())
	raw := sentPayload(t)

	_, err := h.HandleEmailSent(ctx, raw)
	require.Error(t, err)
	assert.Empty(t, dedup.held)

	_, err = h.HandleEmailSent(ctx, raw)
	require.NoError(t, err)
	found, err := fx.svc.FollowupsForMessage(ctx, "u-1", "msg-1", "")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestHandleEmailSentRejectsGarbage(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.tracking.HandleEmailSent(context.Background(), json.RawMessage(`{"email_id":`))
	require.Error(t, err)
	retryable, _ := util.IsRetryableError(err)
	assert.False(t, retryable)
}

func TestHandleReplyCompletesAndRecordsResponse(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	f, err := fx.svc.CreateFollowup(ctx, followup.CreateInput{
		UserID:     "u-1",
		EmailID:    "msg-1",
		ThreadID:   "th-1",
		SentAt:     testNow.Add(-5 * 24 * time.Hour),
		Subject:    "Invoice 1042",
		Recipients: []string{"ap@example.com"},
	})
	require.NoError(t, err)
	rule := &model.AutomationRule{ID: "r-1", UserID: "u-1", Name: "wait", IsActive: true,
		AutomationSettings: model.AutomationSettings{RequireApproval: true}}
	require.NoError(t, fx.stores.Rules.Insert(ctx, rule))
	exec, err := fx.engine.Trigger(ctx, rule, f)
	require.NoError(t, err)

	_, err = fx.tracking.HandleReplyReceived(ctx, mustJSON(t, mq.ReplyReceivedPayload{
		ThreadID:   "th-1",
		UserID:     "u-1",
		ReceivedAt: testNow,
	}))
	require.NoError(t, err)

	got, err := fx.stores.Followups.GetByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FollowupCompleted, got.Status)

	stored, err := fx.stores.Executions.GetByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionSkipped, stored.Status)
}

func TestHandleApprovalSubmitted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	f, err := fx.svc.CreateFollowup(ctx, followup.CreateInput{
		UserID:     "u-1",
		EmailID:    "msg-1",
		SentAt:     testNow.Add(-5 * 24 * time.Hour),
		Subject:    "Invoice 1042",
		Recipients: []string{"ap@example.com"},
	})
	require.NoError(t, err)
	rule := &model.AutomationRule{ID: "r-1", UserID: "u-1", Name: "approve", IsActive: true,
		AutomationSettings: model.AutomationSettings{RequireApproval: true},
		ApprovalWorkflow:   &model.ApprovalWorkflow{Approvers: []string{"lead"}}}
	require.NoError(t, fx.stores.Rules.Insert(ctx, rule))
	exec, err := fx.engine.Trigger(ctx, rule, f)
	require.NoError(t, err)

	_, err = fx.approval.HandleApprovalSubmitted(ctx, mustJSON(t, mq.ApprovalSubmittedPayload{
		ExecutionID: exec.ID, ApproverID: "intruder", Approved: true,
	}))
	require.Error(t, err)
	retryable, _ := util.IsRetryableError(err)
	assert.False(t, retryable)

	_, err = fx.approval.HandleApprovalSubmitted(ctx, mustJSON(t, mq.ApprovalSubmittedPayload{
		ExecutionID: exec.ID, ApproverID: "lead", Approved: true,
	}))
	require.NoError(t, err)

	stored, err := fx.stores.Executions.GetByID(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionApproved, stored.Status)
}
