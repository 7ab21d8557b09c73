package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName = "docbatch.dlx"
	dialTimeout     = 15 * time.Second
	redialMin       = time.Second
	redialMax       = 30 * time.Second
)

// RabbitMQ owns one broker connection, redialled on demand. The events
// exchange, the completion queue and its dead-letter queue are declared once
// per connection.
type RabbitMQ struct {
	url  string
	dial func(url string) (*amqp.Connection, error)

	mu       sync.Mutex
	conn     *amqp.Connection
	declared bool
	closed   bool
}

func NewRabbitMQ(ctx context.Context, url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url, dial: amqp.Dial}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if _, err := r.connection(dialCtx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	conn := r.conn
	r.conn = nil
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// connection returns a live connection, redialling with exponential backoff
// until ctx ends.
func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("rabbitmq client is closed")
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	wait := redialMin
	for {
		conn, err := r.dial(r.url)
		if err == nil {
			r.conn = conn
			r.declared = false
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq dial canceled after %v: %w", err, ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, redialMax)
	}
}

// confirmChannel opens a channel in publisher-confirm mode.
func (r *RabbitMQ) confirmChannel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := r.declareOnce(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return ch, nil
}

func (r *RabbitMQ) declareOnce(ch *amqp.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.declared {
		return nil
	}
	if err := declareTopology(ch); err != nil {
		return err
	}
	r.declared = true
	return nil
}

// declareTopology declares the topic exchange completions are published to,
// the completion queue bound to every level, and its dead-letter queue.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", EventsExchange, err)
	}
	if err := ch.ExchangeDeclare(dlxExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	dlqName := DLQName(CompletionQueue)
	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlq %q: %w", dlqName, err)
	}
	if err := ch.QueueBind(dlqName, CompletionQueue, dlxExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind dlq %q: %w", dlqName, err)
	}

	if _, err := ch.QueueDeclare(CompletionQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    dlxExchangeName,
		"x-dead-letter-routing-key": CompletionQueue,
		"x-max-priority":            queueMaxPriority,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", CompletionQueue, err)
	}
	if err := ch.QueueBind(CompletionQueue, CompletionQueue+".*", EventsExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %q: %w", CompletionQueue, err)
	}

	return nil
}
