package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailfollowup/contracts/mq"
	"mailfollowup/internal/model"
	"mailfollowup/internal/service/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) AcquireOnce(_ context.Context, handler, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[handler+id] {
		return false
	}
	d.seen[handler+id] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, handler, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, handler+id)
}

var reminder = model.Reminder{
	ID:           "rem-1",
	FollowupID:   "f-1",
	UserID:       "u-1",
	ReminderType: model.ReminderDashboard,
	ReminderTime: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	Title:        "Follow up: budget",
}

func TestDeliverPublishesOnce(t *testing.T) {
	rec := &events.Recorder{}
	n := NewMQNotifier(rec, &memDeduper{}, zap.NewNop())

	require.NoError(t, n.Deliver(context.Background(), reminder))
	require.NoError(t, n.Deliver(context.Background(), reminder))

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, mq.RoutingReminderDue, evs[0].RoutingKey)
	payload, ok := evs[0].Payload.(mq.ReminderDuePayload)
	require.True(t, ok)
	assert.Equal(t, "f-1", payload.FollowupID)
	assert.Equal(t, "dashboard", payload.ReminderType)
}

func TestDeliverReleasesDedupOnFailure(t *testing.T) {
	rec := &events.Recorder{Err: errors.New("channel closed")}
	dedup := &memDeduper{}
	n := NewMQNotifier(rec, dedup, zap.NewNop())

	assert.Error(t, n.Deliver(context.Background(), reminder))

	rec.Err = nil
	require.NoError(t, n.Deliver(context.Background(), reminder))
	assert.Len(t, rec.Events(), 1)
}

func TestDeliverWithoutDeduper(t *testing.T) {
	rec := &events.Recorder{}
	n := NewMQNotifier(rec, nil, zap.NewNop())
	require.NoError(t, n.Deliver(context.Background(), reminder))
	require.NoError(t, n.Deliver(context.Background(), reminder))
	assert.Len(t, rec.Events(), 2)
}
