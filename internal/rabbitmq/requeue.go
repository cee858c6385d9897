package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names carried on requeued copies.
const (
	HeaderRetryCount = "x-retry-count"
	HeaderLastError  = "x-last-error"
)

const maxLastErrorLen = 512

// Republisher moves a failed delivery to the tail of its queue with an
// incremented retry counter: it publishes a copy through the default
// exchange, then acks the original.
type Republisher struct {
	publisher *Publisher
	logger    *slog.Logger
}

// NewRepublisher creates a republisher on top of publisher
func NewRepublisher(publisher *Publisher, logger *slog.Logger) *Republisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Republisher{publisher: publisher, logger: logger}
}

// Requeue republishes delivery to queue carrying retryCount. If the publish
// fails the original is left unacknowledged and the error returned; the
// caller settles it. If the channel the delivery arrived on is already gone,
// nothing is done: the broker has requeued the unacked original itself.
func (r *Republisher) Requeue(ctx context.Context, queue string, delivery amqp.Delivery, retryCount int, cause error) error {
	if ch, ok := delivery.Acknowledger.(Channel); ok && ch.IsClosed() {
		r.logger.Warn("delivery channel closed before retry, leaving redelivery to the broker",
			"queue", queue,
			"messageId", delivery.MessageId)
		return nil
	}

	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(retryCount)
	if cause != nil {
		msg := cause.Error()
		if len(msg) > maxLastErrorLen {
			msg = msg[:maxLastErrorLen]
		}
		headers[HeaderLastError] = msg
	}

	copyMsg := amqp.Publishing{
		Headers:         headers,
		ContentType:     delivery.ContentType,
		ContentEncoding: delivery.ContentEncoding,
		CorrelationId:   delivery.CorrelationId,
		MessageId:       delivery.MessageId,
		Timestamp:       delivery.Timestamp,
		Type:            delivery.Type,
		AppId:           delivery.AppId,
		Body:            delivery.Body,
	}

	// default exchange routes by queue name
	if err := r.publisher.Publish(ctx, "", queue, copyMsg); err != nil {
		return fmt.Errorf("requeue to %s: %w", queue, err)
	}

	if err := delivery.Ack(false); err != nil {
		// the copy is already queued; the original will be redelivered too
		return fmt.Errorf("ack original after requeue to %s: %w", queue, err)
	}

	return nil
}
