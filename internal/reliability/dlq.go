package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/cachesync-go/internal/jsoncodec"
)

// Requeuer puts a delivery back on its queue carrying a new retry count
type Requeuer interface {
	Requeue(ctx context.Context, queue string, delivery amqp.Delivery, retryCount int, cause error) error
}

// Timer is a scheduled callback that can be cancelled
type Timer interface {
	Stop() bool
}

// Scheduler runs fn after delay without blocking the caller
type Scheduler func(delay time.Duration, fn func()) Timer

// AfterFunc is the default Scheduler
func AfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// MetricsCollector interface for collecting retry metrics
type MetricsCollector interface {
	RecordRetryScheduled(queue string, delay time.Duration)
	RecordDeadLetter(queue string)
}

// RetryHandler applies the bounded retry policy to failed deliveries
type RetryHandler struct {
	policy           RetryPolicy
	requeuer         Requeuer
	schedule         Scheduler
	requeueTimeout   time.Duration
	logger           *slog.Logger
	deadLetterLogger *slog.Logger
	store            DeadLetterStore
	metricsCollector MetricsCollector
	now              func() time.Time

	mu              sync.Mutex
	pending         map[*pendingRetry]struct{}
	requeueFailures map[string]int
	closed          bool
}

type pendingRetry struct {
	timer Timer
}

// RetryOption configures the retry handler
type RetryOption func(*RetryHandler)

// WithRetryPolicy sets the policy; the default is 5s incremental backoff
// with two retries
func WithRetryPolicy(policy RetryPolicy) RetryOption {
	return func(h *RetryHandler) {
		h.policy = policy
	}
}

// WithScheduler replaces time.AfterFunc
func WithScheduler(schedule Scheduler) RetryOption {
	return func(h *RetryHandler) {
		h.schedule = schedule
	}
}

// WithRetryLogger sets the operational logger
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(h *RetryHandler) {
		h.logger = logger
	}
}

// WithDeadLetterLogger sets the dedicated dead-letter sink
func WithDeadLetterLogger(logger *slog.Logger) RetryOption {
	return func(h *RetryHandler) {
		h.deadLetterLogger = logger
	}
}

// WithDeadLetterStore keeps dead letters for later inspection
func WithDeadLetterStore(store DeadLetterStore) RetryOption {
	return func(h *RetryHandler) {
		h.store = store
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(collector MetricsCollector) RetryOption {
	return func(h *RetryHandler) {
		h.metricsCollector = collector
	}
}

// NewRetryHandler creates a retry handler requeueing through requeuer
func NewRetryHandler(requeuer Requeuer, options ...RetryOption) *RetryHandler {
	h := &RetryHandler{
		policy:          NewIncrementalBackoff(5*time.Second, 2),
		requeuer:        requeuer,
		schedule:        AfterFunc,
		requeueTimeout:  10 * time.Second,
		logger:          slog.Default(),
		now:             time.Now,
		pending:         make(map[*pendingRetry]struct{}),
		requeueFailures: make(map[string]int),
	}

	for _, opt := range options {
		opt(h)
	}

	if h.deadLetterLogger == nil {
		h.deadLetterLogger = h.logger.With("component", "dead-letter")
	}

	return h
}

// HandleRetry takes ownership of a delivery whose handler returned cause.
// Below the retry ceiling it schedules a requeue after the policy delay and
// returns at once; the delivery stays unacked until the timer fires. At the
// ceiling, or for a permanent error, the message is dead-lettered and acked.
func (h *RetryHandler) HandleRetry(ctx context.Context, queue string, delivery amqp.Delivery, cause error) error {
	retryCount := RetryCount(delivery.Headers)

	if retry, delay := h.policy.ShouldRetry(retryCount, cause); retry {
		return h.scheduleRequeue(ctx, queue, delivery, retryCount, delay, cause)
	}

	return h.deadLetter(ctx, queue, delivery, retryCount, cause)
}

func (h *RetryHandler) scheduleRequeue(ctx context.Context, queue string, delivery amqp.Delivery, retryCount int, delay time.Duration, cause error) error {
	entry := &pendingRetry{}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrRetryHandlerClosed
	}
	h.pending[entry] = struct{}{}
	h.mu.Unlock()

	h.logger.Warn(fmt.Sprintf("retry %d/%d scheduled", retryCount+1, h.policy.MaxRetries()+1),
		"queue", queue,
		"messageId", delivery.MessageId,
		"retryCount", retryCount,
		"delay", delay,
		"error", cause)

	if h.metricsCollector != nil {
		h.metricsCollector.RecordRetryScheduled(queue, delay)
	}

	detached := context.WithoutCancel(ctx)
	timer := h.schedule(delay, func() {
		h.mu.Lock()
		_, live := h.pending[entry]
		delete(h.pending, entry)
		h.mu.Unlock()
		if !live {
			return
		}

		requeueCtx, cancel := context.WithTimeout(detached, h.requeueTimeout)
		defer cancel()

		if err := h.requeuer.Requeue(requeueCtx, queue, delivery, retryCount+1, cause); err != nil {
			h.requeueFailed(requeueCtx, queue, delivery, retryCount, cause, err)
			return
		}
		h.forgetFailures(queue, delivery)
	})

	h.mu.Lock()
	if _, live := h.pending[entry]; live {
		entry.timer = timer
	}
	h.mu.Unlock()

	return nil
}

// requeueFailed settles a delivery whose republish failed. A nack puts it
// back with an unchanged retry count, so failures are counted per message
// and past the retry ceiling the message is dead-lettered instead.
func (h *RetryHandler) requeueFailed(ctx context.Context, queue string, delivery amqp.Delivery, retryCount int, cause, err error) {
	key := failureKey(queue, delivery)

	h.mu.Lock()
	h.requeueFailures[key]++
	failures := h.requeueFailures[key]
	h.mu.Unlock()

	if failures > h.policy.MaxRetries() {
		h.logger.Error("requeue keeps failing, dead-lettering message",
			"queue", queue,
			"messageId", delivery.MessageId,
			"failures", failures,
			"error", err)
		cause = fmt.Errorf("%w; requeue failed %d times: %v", cause, failures, err)
		if dlErr := h.deadLetter(ctx, queue, delivery, retryCount, cause); dlErr != nil {
			h.logger.Error("failed to dead-letter message", "queue", queue, "messageId", delivery.MessageId, "error", dlErr)
		}
		return
	}

	h.logger.Error("failed to requeue message",
		"queue", queue,
		"messageId", delivery.MessageId,
		"retryCount", retryCount+1,
		"failures", failures,
		"error", err)
	if nackErr := delivery.Nack(false, true); nackErr != nil {
		h.logger.Error("failed to nack message after requeue failure",
			"queue", queue,
			"messageId", delivery.MessageId,
			"error", nackErr)
	}
}

func (h *RetryHandler) forgetFailures(queue string, delivery amqp.Delivery) {
	h.mu.Lock()
	delete(h.requeueFailures, failureKey(queue, delivery))
	h.mu.Unlock()
}

func failureKey(queue string, delivery amqp.Delivery) string {
	if delivery.MessageId != "" {
		return queue + "\x00" + delivery.MessageId
	}
	return queue + "\x00" + string(delivery.Body)
}

func (h *RetryHandler) deadLetter(ctx context.Context, queue string, delivery amqp.Delivery, retryCount int, cause error) error {
	h.forgetFailures(queue, delivery)

	errText := "unknown error"
	if cause != nil {
		errText = cause.Error()
	}

	entry := DeadLetter{
		ID:              uuid.NewString(),
		MessageID:       delivery.MessageId,
		Queue:           queue,
		RoutingKey:      delivery.RoutingKey,
		Error:           errText,
		RetryCount:      retryCount,
		MaxRetries:      h.policy.MaxRetries(),
		OriginalMessage: originalMessage(delivery.Body),
		DeadLetteredAt:  h.now().UTC(),
	}

	h.deadLetterLogger.Error("message dead-lettered",
		"error", entry.Error,
		"retryCount", entry.RetryCount,
		"maxRetries", entry.MaxRetries,
		"messageId", entry.MessageID,
		"queue", entry.Queue,
		"routingKey", entry.RoutingKey,
		"timestamp", entry.DeadLetteredAt.Format(time.RFC3339Nano),
		"originalMessage", entry.OriginalMessage)

	if h.store != nil {
		if err := h.store.Store(ctx, entry); err != nil {
			h.logger.Error("failed to store dead letter",
				"error", err,
				"messageId", entry.MessageID,
				"queue", queue)
		}
	}

	if h.metricsCollector != nil {
		h.metricsCollector.RecordDeadLetter(queue)
	}

	if err := delivery.Ack(false); err != nil {
		return fmt.Errorf("ack dead-lettered message: %w", err)
	}
	return nil
}

// Pending returns the number of scheduled requeues that have not fired
func (h *RetryHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close cancels scheduled requeues. Their deliveries stay unacked and are
// redelivered by the broker once the channel closes.
func (h *RetryHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for entry := range h.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	clear(h.pending)
	clear(h.requeueFailures)
}

// originalMessage keeps valid JSON bodies as-is and quotes anything else.
func originalMessage(body []byte) json.RawMessage {
	if len(body) > 0 && jsoncodec.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := jsoncodec.Marshal(string(body))
	if err != nil {
		return json.RawMessage(`""`)
	}
	return quoted
}
