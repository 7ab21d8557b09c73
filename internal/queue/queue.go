package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
)

// Sink delivers a completion notification to the user.
type Sink interface {
	Deliver(ctx context.Context, n domain.Notification) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(ctx context.Context, n domain.Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n domain.Notification) error {
	return f(ctx, n)
}

// Publisher publishes completion messages under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg CompletionMessage) error
	Close() error
}

const (
	// EventsExchange is the topic exchange completion messages go to.
	EventsExchange = "docbatch.events"

	// CompletionQueue receives one message per finished batch, whatever its level.
	CompletionQueue = "batch.completed"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the completion queue.
	queueMaxPriority int32 = 3
)

// DLQName returns the dead-letter queue name of a queue, e.g. dlq.batch.completed.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// CompletionRoutingKey routes a completion by level, e.g.
// batch.completed.error, so consumers can bind to failures only.
func CompletionRoutingKey(level domain.Level) string {
	if level == "" {
		level = domain.LevelInfo
	}
	return CompletionQueue + "." + level.String()
}

// PriorityValue maps notification level to RabbitMQ message priority so
// failures are read first.
func PriorityValue(level domain.Level) uint8 {
	switch level {
	case domain.LevelError:
		return 3
	case domain.LevelWarning:
		return 2
	case domain.LevelInfo:
		return 1
	default:
		return 0
	}
}
