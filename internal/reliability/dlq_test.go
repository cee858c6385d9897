package reliability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

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

type mockRequeuer struct {
	mock.Mock
}

func (m *mockRequeuer) Requeue(ctx context.Context, queue string, delivery amqp.Delivery, retryCount int, cause error) error {
	args := m.Called(queue, delivery.DeliveryTag, retryCount)
	return args.Error(0)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) RecordRetryScheduled(queue string, delay time.Duration) {
	m.Called(queue, delay)
}

func (m *mockMetricsCollector) RecordDeadLetter(queue string) {
	m.Called(queue)
}

// manualScheduler records scheduled callbacks and runs them on demand.
type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

func (s *manualScheduler) Schedule(delay time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{fn: fn}
	s.delays = append(s.delays, delay)
	s.timers = append(s.timers, timer)
	return timer
}

func (s *manualScheduler) fire(i int) {
	s.mu.Lock()
	timer := s.timers[i]
	s.mu.Unlock()
	if !timer.stopped {
		timer.fn()
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetryHandler(t *testing.T) {
	body := []byte(`{"event":"product.updated","product":{"id":"P1","stock":3}}`)

	delivery := func(ack amqp.Acknowledger, retryCount int) amqp.Delivery {
		d := amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  uint64(retryCount + 1),
			MessageId:    "msg-1",
			RoutingKey:   "product.updated",
			Body:         body,
		}
		if retryCount > 0 {
			d.Headers = amqp.Table{HeaderRetryCount: int32(retryCount)}
		}
		return d
	}

	t.Run("a handler that always fails is retried twice then dead-lettered", func(t *testing.T) {
		scheduler := &manualScheduler{}
		requeuer := &mockRequeuer{}
		requeuer.On("Requeue", "order-events-queue", uint64(1), 1).Return(nil).Once()
		requeuer.On("Requeue", "order-events-queue", uint64(2), 2).Return(nil).Once()

		sink := &bytes.Buffer{}
		store := NewInMemoryDeadLetterStore(10)
		h := NewRetryHandler(requeuer,
			WithScheduler(scheduler.Schedule),
			WithRetryLogger(quietLogger()),
			WithDeadLetterLogger(slog.New(slog.NewJSONHandler(sink, nil))),
			WithDeadLetterStore(store),
		)
		cause := errors.New("store unavailable")

		require.NoError(t, h.HandleRetry(context.Background(), "order-events-queue", delivery(&mockAcknowledger{}, 0), cause))
		scheduler.fire(0)
		require.NoError(t, h.HandleRetry(context.Background(), "order-events-queue", delivery(&mockAcknowledger{}, 1), cause))
		scheduler.fire(1)

		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(3), false).Return(nil)
		require.NoError(t, h.HandleRetry(context.Background(), "order-events-queue", delivery(ack, 2), cause))

		assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, scheduler.delays)
		requeuer.AssertExpectations(t)
		ack.AssertExpectations(t)
		assert.Equal(t, 0, h.Pending())

		var logged map[string]any
		require.NoError(t, json.Unmarshal(sink.Bytes(), &logged))
		assert.Equal(t, "store unavailable", logged["error"])
		assert.Equal(t, float64(2), logged["retryCount"])
		assert.Equal(t, "msg-1", logged["messageId"])
		assert.Equal(t, "order-events-queue", logged["queue"])
		assert.NotEmpty(t, logged["timestamp"])
		original, ok := logged["originalMessage"].(map[string]any)
		require.True(t, ok, "original message is logged as JSON")
		assert.Equal(t, "product.updated", original["event"])

		entries, err := store.List(context.Background(), DeadLetterFilter{Queue: "order-events-queue"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 2, entries[0].RetryCount)
		assert.JSONEq(t, string(body), string(entries[0].OriginalMessage))
	})

	t.Run("scheduling does not ack or block", func(t *testing.T) {
		scheduler := &manualScheduler{}
		ack := &mockAcknowledger{}
		h := NewRetryHandler(&mockRequeuer{}, WithScheduler(scheduler.Schedule), WithRetryLogger(quietLogger()))

		require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(ack, 0), errors.New("boom")))

		assert.Equal(t, 1, h.Pending())
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("permanent errors skip retries", func(t *testing.T) {
		scheduler := &manualScheduler{}
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil)
		h := NewRetryHandler(&mockRequeuer{},
			WithScheduler(scheduler.Schedule),
			WithRetryLogger(quietLogger()),
			WithDeadLetterLogger(quietLogger()))

		require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(ack, 0), Permanent(errors.New("bad"))))

		assert.Empty(t, scheduler.delays)
		ack.AssertExpectations(t)
	})

	t.Run("non-JSON bodies are logged as strings", func(t *testing.T) {
		sink := &bytes.Buffer{}
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil)
		h := NewRetryHandler(&mockRequeuer{},
			WithRetryPolicy(NewIncrementalBackoff(time.Second, 0)),
			WithRetryLogger(quietLogger()),
			WithDeadLetterLogger(slog.New(slog.NewJSONHandler(sink, nil))))

		d := delivery(ack, 0)
		d.Body = []byte("not json")
		require.NoError(t, h.HandleRetry(context.Background(), "q", d, errors.New("decode envelope")))

		var logged map[string]any
		require.NoError(t, json.Unmarshal(sink.Bytes(), &logged))
		assert.Equal(t, "not json", logged["originalMessage"])
	})

	t.Run("metrics record retries and dead letters", func(t *testing.T) {
		scheduler := &manualScheduler{}
		metrics := &mockMetricsCollector{}
		metrics.On("RecordRetryScheduled", "q", 5*time.Second).Once()
		metrics.On("RecordDeadLetter", "q").Once()

		ack := &mockAcknowledger{}
		ack.On("Ack", mock.Anything, false).Return(nil)
		h := NewRetryHandler(&mockRequeuer{},
			WithScheduler(scheduler.Schedule),
			WithMetricsCollector(metrics),
			WithRetryLogger(quietLogger()),
			WithDeadLetterLogger(quietLogger()))

		require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(ack, 0), errors.New("x")))
		require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(ack, 2), errors.New("x")))
		metrics.AssertExpectations(t)
	})

	t.Run("Close cancels pending requeues and refuses new ones", func(t *testing.T) {
		scheduler := &manualScheduler{}
		requeuer := &mockRequeuer{}
		h := NewRetryHandler(requeuer, WithScheduler(scheduler.Schedule), WithRetryLogger(quietLogger()))

		require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(&mockAcknowledger{}, 0), errors.New("x")))
		h.Close()

		assert.True(t, scheduler.timers[0].stopped)
		assert.Equal(t, 0, h.Pending())
		scheduler.fire(0)
		requeuer.AssertNotCalled(t, "Requeue", mock.Anything, mock.Anything, mock.Anything)

		err := h.HandleRetry(context.Background(), "q", delivery(&mockAcknowledger{}, 0), errors.New("x"))
		assert.ErrorIs(t, err, ErrRetryHandlerClosed)
	})

	t.Run("a failed requeue nacks the original back onto the queue", func(t *testing.T) {
		scheduler := &manualScheduler{}
		requeuer := &mockRequeuer{}
		requeuer.On("Requeue", "q", uint64(1), 1).Return(errors.New("broker down"))
		h := NewRetryHandler(requeuer, WithScheduler(scheduler.Schedule), WithRetryLogger(quietLogger()))

		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, true).Return(nil).Once()

		require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(ack, 0), errors.New("x")))
		scheduler.fire(0)
		requeuer.AssertExpectations(t)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("a message whose requeue keeps failing is dead-lettered", func(t *testing.T) {
		scheduler := &manualScheduler{}
		requeuer := &mockRequeuer{}
		requeuer.On("Requeue", "q", uint64(1), 1).Return(errors.New("broker down"))
		store := NewInMemoryDeadLetterStore(10)
		h := NewRetryHandler(requeuer,
			WithScheduler(scheduler.Schedule),
			WithRetryLogger(quietLogger()),
			WithDeadLetterLogger(quietLogger()),
			WithDeadLetterStore(store))

		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, true).Return(nil).Twice()
		ack.On("Ack", uint64(1), false).Return(nil).Once()

		// each nack redelivers the message with the same retry count
		for i := range 3 {
			require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(ack, 0), errors.New("store unavailable")))
			scheduler.fire(i)
		}

		ack.AssertExpectations(t)
		entries, err := store.List(context.Background(), DeadLetterFilter{Queue: "q"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].Error, "store unavailable")
		assert.Contains(t, entries[0].Error, "requeue failed 3 times")
		assert.Equal(t, 0, entries[0].RetryCount)
	})

	t.Run("a successful requeue resets the failure count", func(t *testing.T) {
		scheduler := &manualScheduler{}
		requeuer := &mockRequeuer{}
		requeuer.On("Requeue", "q", uint64(1), 1).Return(errors.New("broker down")).Twice()
		requeuer.On("Requeue", "q", uint64(1), 1).Return(nil).Once()
		requeuer.On("Requeue", "q", uint64(1), 1).Return(errors.New("broker down")).Once()
		h := NewRetryHandler(requeuer,
			WithScheduler(scheduler.Schedule),
			WithRetryLogger(quietLogger()),
			WithDeadLetterLogger(quietLogger()))

		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(1), false, true).Return(nil).Times(3)

		for i := range 4 {
			require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(ack, 0), errors.New("x")))
			scheduler.fire(i)
		}

		requeuer.AssertExpectations(t)
		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("default scheduler fires asynchronously", func(t *testing.T) {
		requeued := make(chan int, 1)
		requeuer := requeueFunc(func(ctx context.Context, queue string, d amqp.Delivery, retryCount int, cause error) error {
			requeued <- retryCount
			return nil
		})
		h := NewRetryHandler(requeuer,
			WithRetryPolicy(NewIncrementalBackoff(time.Millisecond, 2)),
			WithRetryLogger(quietLogger()))

		require.NoError(t, h.HandleRetry(context.Background(), "q", delivery(&mockAcknowledger{}, 1), errors.New("x")))

		select {
		case n := <-requeued:
			assert.Equal(t, 2, n)
		case <-time.After(time.Second):
			t.Fatal("requeue did not fire")
		}
	})
}

type requeueFunc func(ctx context.Context, queue string, d amqp.Delivery, retryCount int, cause error) error

func (f requeueFunc) Requeue(ctx context.Context, queue string, d amqp.Delivery, retryCount int, cause error) error {
	return f(ctx, queue, d, retryCount, cause)
}
