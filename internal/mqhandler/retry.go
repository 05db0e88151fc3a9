package mqhandler

import (
	"context"
	"encoding/json"

	"mailfollowup/pkg/mq"
	"mailfollowup/pkg/util"

	"go.uber.org/zap"
)

const defaultMaxRetries = 5

// RetryCounter is satisfied by *util.RetryCounter.
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// DeadLetters is satisfied by *mq.Publisher.
type DeadLetters interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

// Handler processes one message and returns the id used for retry bookkeeping.
type Handler func(ctx context.Context, raw json.RawMessage) (id string, err error)

// Guard turns handler errors into ack/nack decisions. Retryable errors are
// nacked until the retry budget is spent; everything else goes to the DLQ
// and is acked.
type Guard struct {
	counter    RetryCounter
	dlq        DeadLetters
	maxRetries int64
	logger     *zap.Logger
}

func NewGuard(counter RetryCounter, dlq DeadLetters, logger *zap.Logger) *Guard {
	return &Guard{counter: counter, dlq: dlq, maxRetries: defaultMaxRetries, logger: logger}
}

func (g *Guard) WithMaxRetries(n int64) *Guard {
	if n > 0 {
		g.maxRetries = n
	}
	return g
}

// Wrap adapts h to a consumer handler for routingKey.
func (g *Guard) Wrap(name, routingKey string, h Handler) mq.MessageHandler {
	return func(ctx context.Context, raw json.RawMessage) error {
		id, err := h(ctx, raw)
		if err == nil {
			if id != "" && g.counter != nil {
				_ = g.counter.Reset(ctx, util.FormatRetryKey(name, id))
			}
			return nil
		}

		retryable, errType := util.IsRetryableError(err)
		if retryable && id != "" && g.counter != nil {
			count, cerr := g.counter.IncrementAndGet(ctx, util.FormatRetryKey(name, id))
			if cerr != nil {
				// Redis 不可用时继续重试
				g.logger.Warn("Failed to get retry count, requeueing",
					zap.String("handler", name),
					zap.Error(cerr),
				)
				return err
			}
			retryable = util.ShouldRetry(count, g.maxRetries, true)
			g.logger.Info("Retry count check",
				zap.String("handler", name),
				zap.String("id", id),
				zap.Int64("retry_count", count),
				zap.Int64("max_retries", g.maxRetries),
			)
		}
		if retryable {
			return err
		}

		g.logger.Error("Sending message to DLQ",
			zap.String("handler", name),
			zap.String("routing_key", routingKey),
			zap.String("error_type", errType),
			zap.Error(err),
		)
		if g.dlq != nil {
			if dlqErr := g.dlq.PublishToDLQ(routingKey, raw, err.Error()); dlqErr != nil {
				g.logger.Error("Failed to publish to DLQ", zap.Error(dlqErr))
				return err
			}
		}
		return nil
	}
}
