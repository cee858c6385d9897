package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"

	"github.com/glimte/cachesync-go/internal/rabbitmq"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

type mockRetryHandler struct {
	mock.Mock
}

func (m *mockRetryHandler) HandleRetry(ctx context.Context, queue string, delivery amqp.Delivery, cause error) error {
	args := m.Called(queue, delivery.DeliveryTag, cause)
	return args.Error(0)
}

type recordingMetrics struct {
	mu        sync.Mutex
	published []string
	consumed  []string
}

func (r *recordingMetrics) RecordPublish(exchange, eventType, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, exchange+"|"+eventType+"|"+outcome)
}

func (r *recordingMetrics) RecordConsume(queue, eventType, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumed = append(r.consumed, queue+"|"+eventType+"|"+outcome)
}

// fakeSubscriber hands the registered handler back to the test.
type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]rabbitmq.MessageHandler
	done     map[string]chan struct{}
	err      error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		handlers: make(map[string]rabbitmq.MessageHandler),
		done:     make(map[string]chan struct{}),
	}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, queue string, handler rabbitmq.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.handlers[queue] = handler
	f.done[queue] = make(chan struct{})
	return nil
}

func (f *fakeSubscriber) Unsubscribe(queue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	done, ok := f.done[queue]
	if !ok {
		return rabbitmq.ErrNotSubscribed
	}
	close(done)
	delete(f.done, queue)
	delete(f.handlers, queue)
	return nil
}

func (f *fakeSubscriber) Done(queue string) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if done, ok := f.done[queue]; ok {
		return done
	}
	return nil
}

func (f *fakeSubscriber) deliver(ctx context.Context, queue string, delivery amqp.Delivery) error {
	f.mu.Lock()
	handler := f.handlers[queue]
	f.mu.Unlock()
	return handler(ctx, delivery)
}
