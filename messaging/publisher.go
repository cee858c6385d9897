package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cachesync-go/contracts"
	"github.com/glimte/cachesync-go/internal/ids"
	"github.com/glimte/cachesync-go/internal/metrics"
	"github.com/glimte/cachesync-go/internal/tracing"
)

// Publisher sends a raw message; *rabbitmq.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// PublishMetrics records publish outcomes.
type PublishMetrics interface {
	RecordPublish(exchange, eventType, outcome string)
}

// EventPublisher publishes entity snapshots as domain events
type EventPublisher struct {
	publisher Publisher
	appID     string
	logger    *slog.Logger
	metrics   PublishMetrics
	now       func() time.Time
}

// EventPublisherOption configures the event publisher
type EventPublisherOption func(*EventPublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) EventPublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// WithPublishMetrics sets the metrics sink
func WithPublishMetrics(m PublishMetrics) EventPublisherOption {
	return func(p *EventPublisher) {
		p.metrics = m
	}
}

// WithAppID stamps published messages with the emitting service name
func WithAppID(appID string) EventPublisherOption {
	return func(p *EventPublisher) {
		p.appID = appID
	}
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(publisher Publisher, options ...EventPublisherOption) *EventPublisher {
	p := &EventPublisher{
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends entity as event to the exchange of its domain, with the
// event type as routing key. It returns once the broker has confirmed the
// message, or with the first error. There is no retry and no outbox: a
// failure after the caller's primary write leaves the caches stale until
// the next event for the same entity.
func (p *EventPublisher) Publish(ctx context.Context, event contracts.EventType, entity contracts.Entity) (err error) {
	exchange, ok := contracts.ExchangeFor(event)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	if entity == nil || entity.Domain() != event.Domain() {
		return fmt.Errorf("%w: %s", ErrDomainMismatch, event)
	}
	if err := contracts.Validate(entity); err != nil {
		return err
	}

	ctx, span := tracing.StartPublishSpan(ctx, exchange, event.String(), entity.EntityID())
	defer func() { tracing.EndSpan(span, err) }()

	env, err := contracts.NewEnvelope(event, entity, p.now())
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		Headers:     tracing.InjectHeaders(ctx, amqp.Table{}),
		ContentType: "application/json",
		MessageId:   ids.NewMessageID(),
		Timestamp:   env.Timestamp,
		Type:        event.String(),
		AppId:       p.appID,
		Body:        body,
	}

	if err = p.publisher.Publish(ctx, exchange, event.String(), msg); err != nil {
		p.logger.Error("failed to publish event",
			"eventType", event,
			"entityId", entity.EntityID(),
			"exchange", exchange,
			"error", err)
		p.record(exchange, event, metrics.OutcomeFailure)
		return fmt.Errorf("publish %s for %s %s: %w", event, entity.Domain(), entity.EntityID(), err)
	}

	p.logger.Info("event published",
		"eventType", event,
		"entityId", entity.EntityID(),
		"messageId", msg.MessageId)
	p.record(exchange, event, metrics.OutcomeSuccess)
	return nil
}

// PublishBestEffort publishes like Publish but never returns the error: the
// write that produced the event has already happened and must not fail
// because the broker is unavailable. It reports whether the event went out.
func (p *EventPublisher) PublishBestEffort(ctx context.Context, event contracts.EventType, entity contracts.Entity) bool {
	if err := p.Publish(ctx, event, entity); err != nil {
		p.logger.Warn("event dropped, caches will be stale until the next change",
			"eventType", event,
			"error", err)
		return false
	}
	return true
}

func (p *EventPublisher) record(exchange string, event contracts.EventType, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordPublish(exchange, event.String(), outcome)
	}
}
