package events

import (
	"context"
	"strings"
	"sync"

	"mailfollowup/pkg/outbox"
	"mailfollowup/pkg/trace"

	"go.uber.org/zap"
)

// Publisher emits lifecycle events. Services treat publication as best-effort:
// a failure is logged by the caller and never rolls back a state transition.
type Publisher interface {
	Publish(ctx context.Context, routingKey, aggregateID string, payload any) error
}

// OutboxPublisher stores events in outbox_events; the dispatcher in
// cmd/scheduler forwards them to RabbitMQ.
type OutboxPublisher struct {
	repo *outbox.Repository
}

func NewOutboxPublisher(repo *outbox.Repository) *OutboxPublisher {
	return &OutboxPublisher{repo: repo}
}

func (p *OutboxPublisher) Publish(ctx context.Context, routingKey, aggregateID string, payload any) error {
	return outbox.InsertEventInTx(ctx, nil, p.repo, AggregateType(routingKey), aggregateID, routingKey, payload)
}

// MQPublisher publishes straight to the exchange without the outbox.
type MQPublisher struct {
	publisher outbox.Publisher
}

func NewMQPublisher(publisher outbox.Publisher) *MQPublisher {
	return &MQPublisher{publisher: publisher}
}

func (p *MQPublisher) Publish(ctx context.Context, routingKey, _ string, payload any) error {
	return p.publisher.PublishWithContext(ctx, routingKey, payload)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }

// AggregateType is the routing key prefix, e.g. "followup" for "followup.created".
func AggregateType(routingKey string) string {
	if i := strings.IndexByte(routingKey, '.'); i > 0 {
		return routingKey[:i]
	}
	return routingKey
}

// Event is one publication captured by Recorder.
type Event struct {
	RoutingKey  string
	AggregateID string
	Payload     any
	TraceID     string
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Publish(ctx context.Context, routingKey, aggregateID string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, Event{
		RoutingKey:  routingKey,
		AggregateID: aggregateID,
		Payload:     payload,
		TraceID:     trace.FromContext(ctx),
	})
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Keys returns the routing keys in publication order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.events))
	for i, e := range r.events {
		keys[i] = e.RoutingKey
	}
	return keys
}

// Emit publishes and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, routingKey, aggregateID string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, routingKey, aggregateID, payload); err != nil {
		logger.Warn("Failed to publish event",
			zap.String("routing_key", routingKey),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err),
		)
	}
}
