package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cachesync-go/internal/metrics"
	"github.com/glimte/cachesync-go/internal/rabbitmq"
	"github.com/glimte/cachesync-go/internal/tracing"
)

// Subscriber is the queue subscription capability; *rabbitmq.Consumer
// implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error
	Unsubscribe(queue string) error
	Done(queue string) <-chan struct{}
}

// RetryHandler takes ownership of a failed delivery; *reliability.RetryHandler
// implements it.
type RetryHandler interface {
	HandleRetry(ctx context.Context, queue string, delivery amqp.Delivery, cause error) error
}

// ConsumeMetrics records consume outcomes.
type ConsumeMetrics interface {
	RecordConsume(queue, eventType, outcome string)
}

// EventConsumer applies the events arriving on one inbox queue
type EventConsumer struct {
	queue      string
	subscriber Subscriber
	dispatcher *Dispatcher
	retry      RetryHandler
	logger     *slog.Logger
	metrics    ConsumeMetrics
}

// EventConsumerOption configures the event consumer
type EventConsumerOption func(*EventConsumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) EventConsumerOption {
	return func(c *EventConsumer) {
		c.logger = logger
	}
}

// WithConsumeMetrics sets the metrics sink
func WithConsumeMetrics(m ConsumeMetrics) EventConsumerOption {
	return func(c *EventConsumer) {
		c.metrics = m
	}
}

// NewEventConsumer creates a consumer for queue
func NewEventConsumer(queue string, subscriber Subscriber, dispatcher *Dispatcher, retry RetryHandler, options ...EventConsumerOption) *EventConsumer {
	c := &EventConsumer{
		queue:      queue,
		subscriber: subscriber,
		dispatcher: dispatcher,
		retry:      retry,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Queue returns the inbox queue name
func (c *EventConsumer) Queue() string {
	return c.queue
}

// Start subscribes to the inbox queue. Deliveries are handled one at a time
// in queue order.
func (c *EventConsumer) Start(ctx context.Context) error {
	if err := c.subscriber.Subscribe(ctx, c.queue, c.handle); err != nil {
		return fmt.Errorf("start consumer on %s: %w", c.queue, err)
	}
	c.logger.Info("event consumer started", "queue", c.queue, "domains", c.dispatcher.Domains())
	return nil
}

// Wait blocks until the subscription ends or ctx is done
func (c *EventConsumer) Wait(ctx context.Context) error {
	done := c.subscriber.Done(c.queue)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the subscription is still receiving deliveries
func (c *EventConsumer) Running() bool {
	done := c.subscriber.Done(c.queue)
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Stop cancels the subscription and waits for the in-flight delivery
func (c *EventConsumer) Stop() error {
	return c.subscriber.Unsubscribe(c.queue)
}

func (c *EventConsumer) handle(ctx context.Context, delivery amqp.Delivery) (err error) {
	ctx, span := tracing.StartConsumeSpan(ctx, c.queue, delivery)
	defer func() { tracing.EndSpan(span, err) }()

	env, err := c.dispatcher.Dispatch(ctx, delivery.Body)
	eventType := env.Event.String()
	if eventType == "" {
		eventType = delivery.RoutingKey
	}

	switch {
	case err == nil:
		c.record(eventType, metrics.OutcomeSuccess)
		return delivery.Ack(false)

	case errors.Is(err, ErrIgnored):
		c.logger.Warn("event ignored",
			"queue", c.queue,
			"messageId", delivery.MessageId,
			"routingKey", delivery.RoutingKey,
			"reason", err)
		c.record(eventType, metrics.OutcomeIgnored)
		return delivery.Ack(false)

	default:
		c.logger.Error("failed to apply event",
			"queue", c.queue,
			"messageId", delivery.MessageId,
			"eventType", eventType,
			"error", err)
		c.record(eventType, metrics.OutcomeFailure)
		return c.retry.HandleRetry(ctx, c.queue, delivery, err)
	}
}

func (c *EventConsumer) record(eventType, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordConsume(c.queue, eventType, outcome)
	}
}
