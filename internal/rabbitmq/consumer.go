package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. The handler owns acknowledgment;
// a returned error is only logged.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer subscribes to inbox queues with manual acknowledgment
type Consumer struct {
	provider       ChannelProvider
	prefetchCount  int
	handlerTimeout time.Duration
	tagPrefix      string
	logger         *slog.Logger

	mu     sync.Mutex
	active map[string]*subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithHandlerTimeout bounds the context passed to each handler call
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(provider ChannelProvider, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		provider:       provider,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		tagPrefix:      "cachesync",
		logger:         slog.Default(),
		active:         make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

type subscription struct {
	queue       string
	consumerTag string
	channel     Channel
	cancel      context.CancelFunc
	done        chan struct{}
}

// Subscribe re-declares queue as durable, applies QoS and starts a single
// goroutine handling deliveries one at a time, so a queue is processed in
// broker order.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler) error {
	c.mu.Lock()
	if _, exists := c.active[queue]; exists {
		c.mu.Unlock()
		return c.consumerError(queue, "", "subscribe", ErrAlreadySubscribed)
	}
	c.mu.Unlock()

	ch, err := c.provider.Connect(ctx)
	if err != nil {
		return c.consumerError(queue, "", "subscribe", err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return c.consumerError(queue, "", "declare queue", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return c.consumerError(queue, "", "set qos", err)
	}

	tag := fmt.Sprintf("%s-%s-%s", c.tagPrefix, queue, uuid.NewString())
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return c.consumerError(queue, tag, "consume", err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		queue:       queue,
		consumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.active[queue] = sub
	c.mu.Unlock()

	go c.processMessages(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.mu.Lock()
		if c.active[sub.queue] == sub {
			delete(c.active, sub.queue)
		}
		c.mu.Unlock()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", sub.queue,
					"messageId", delivery.MessageId)
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	return handler(msgCtx, delivery)
}

// Done is closed when the subscription on queue ends, either through
// Unsubscribe or because the broker closed the delivery stream. It returns
// nil when queue has no subscription.
func (c *Consumer) Done(queue string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.active[queue]; ok {
		return sub.done
	}
	return nil
}

// Unsubscribe cancels the broker consumer and waits for the in-progress
// message, if any, to finish
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return c.consumerError(queue, "", "unsubscribe", ErrNotSubscribed)
	}

	var cancelErr error
	if !sub.channel.IsClosed() {
		cancelErr = sub.channel.Cancel(sub.consumerTag, false)
	}
	sub.cancel()
	<-sub.done

	if cancelErr != nil {
		return c.consumerError(queue, sub.consumerTag, "cancel", cancelErr)
	}
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	c.mu.Lock()
	queues := make([]string, 0, len(c.active))
	for queue := range c.active {
		queues = append(queues, queue)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, queue := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(queue)
	}
	wg.Wait()

	return nil
}

// ActiveQueues returns the queues with a running subscription
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for queue := range c.active {
		queues = append(queues, queue)
	}
	return queues
}

func (c *Consumer) consumerError(queue, tag, op string, err error) error {
	return &ConsumerError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
