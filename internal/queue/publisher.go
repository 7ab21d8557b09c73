package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kursadbilgin/docbatch-engine/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

// Publish sends msg to the events exchange and waits for the broker to
// confirm it. A nack or an unroutable message is reported as an error so the
// caller can keep the notification pending.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, msg CompletionMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if routingKey == "" {
		return fmt.Errorf("routing key is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid completion message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal completion message: %w", err)
	}

	ch, err := p.client.confirmChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, EventsExchange, routingKey, true, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     msg.NotificationID,
		CorrelationId: msg.BatchID,
		Priority:      PriorityValue(msg.Level),
		Body:          payload,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %q: %w", routingKey, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %q not confirmed: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("publish %q nacked by broker", routingKey)
	}

	select {
	case ret := <-returns:
		return fmt.Errorf("publish %q returned: %s", routingKey, ret.ReplyText)
	default:
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// PublisherSink delivers notifications by publishing them with a
// level-specific routing key.
type PublisherSink struct {
	publisher Publisher
}

func NewPublisherSink(publisher Publisher) *PublisherSink {
	return &PublisherSink{publisher: publisher}
}

func (s *PublisherSink) Deliver(ctx context.Context, n domain.Notification) error {
	return s.publisher.Publish(ctx, CompletionRoutingKey(n.Level), NewCompletionMessage(n))
}

func (s *PublisherSink) Close() error {
	return s.publisher.Close()
}
