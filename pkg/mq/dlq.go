package mq

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchangeName receives messages the worker gave up on, keyed by their
// original routing key.
const DLQExchangeName = "events.dlq"

// DLQQueueName is where dead letters for routingKey are parked.
func DLQQueueName(routingKey string) string {
	return "followup." + routingKey + ".dlq"
}

func declareDLQQueue(ch *amqp091.Channel, routingKey string) error {
	q, err := ch.QueueDeclare(DLQQueueName(routingKey), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return nil
}

func dlqHeaders(routingKey, reason string, at time.Time) amqp091.Table {
	return amqp091.Table{
		"x-original-routing-key": routingKey,
		"x-original-error":       reason,
		"x-failed-at":            at.UTC().Format(time.RFC3339),
	}
}

// PublishToDLQ parks payload under its original routing key with the
// failure reason in the headers.
func (p *Publisher) PublishToDLQ(routingKey string, payload []byte, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Publish(DLQExchangeName, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Headers:      dlqHeaders(routingKey, reason, time.Now()),
	})
}
