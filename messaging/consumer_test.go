package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cachesync-go/cache"
	"github.com/glimte/cachesync-go/contracts"
)

func newOrderInbox(t *testing.T) (*EventConsumer, *fakeSubscriber, *mockRetryHandler, *recordingMetrics, *cache.MemoryStore[cache.ProductRecord]) {
	t.Helper()

	products := cache.NewMemoryStore[cache.ProductRecord]()
	d := NewDispatcher(WithDispatcherLogger(discardLogger()))
	require.NoError(t, d.Register(contracts.DomainUser, NewUserCacheReconciler(cache.NewMemoryStore[cache.UserRecord](), discardLogger())))
	require.NoError(t, d.Register(contracts.DomainProduct, NewProductCacheReconciler(products, discardLogger())))

	sub := newFakeSubscriber()
	retry := &mockRetryHandler{}
	m := &recordingMetrics{}
	c := NewEventConsumer(contracts.OrderEventsQueue, sub, d, retry,
		WithConsumerLogger(discardLogger()),
		WithConsumeMetrics(m))
	require.NoError(t, c.Start(context.Background()))

	return c, sub, retry, m, products
}

func TestEventConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("acks after the cache is updated", func(t *testing.T) {
		_, sub, retry, m, products := newOrderInbox(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(1), false).Return(nil)

		err := sub.deliver(ctx, contracts.OrderEventsQueue, amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  1,
			RoutingKey:   "product.created",
			Body:         []byte(`{"event":"product.created","product":{"id":"p1","stock":2}}`),
		})
		require.NoError(t, err)

		ack.AssertExpectations(t)
		retry.AssertNotCalled(t, "HandleRetry", mock.Anything, mock.Anything, mock.Anything)
		_, err = products.FindByID(ctx, "p1")
		assert.NoError(t, err)
		assert.Equal(t, []string{"order-events-queue|product.created|success"}, m.consumed)
	})

	t.Run("acks order events nobody reconciles", func(t *testing.T) {
		_, sub, _, m, _ := newOrderInbox(t)
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(2), false).Return(nil)

		err := sub.deliver(ctx, contracts.OrderEventsQueue, amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  2,
			Body:         []byte(`{"event":"order.created","order":{"id":"o1"}}`),
		})
		require.NoError(t, err)

		ack.AssertExpectations(t)
		assert.Equal(t, []string{"order-events-queue|order.created|ignored"}, m.consumed)
	})

	t.Run("hands failures to the retry handler without acking", func(t *testing.T) {
		_, sub, retry, m, _ := newOrderInbox(t)
		ack := &mockAcknowledger{}
		retry.On("HandleRetry", contracts.OrderEventsQueue, uint64(3), mock.MatchedBy(func(err error) bool {
			return errors.Is(err, ErrProductNotCached)
		})).Return(nil)

		err := sub.deliver(ctx, contracts.OrderEventsQueue, amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  3,
			RoutingKey:   "inventory.changed",
			Body:         []byte(`{"event":"inventory.changed","product":{"id":"missing","stock":1}}`),
		})
		require.NoError(t, err)

		retry.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		assert.Equal(t, []string{"order-events-queue|inventory.changed|failure"}, m.consumed)
	})

	t.Run("falls back to the routing key for undecodable bodies", func(t *testing.T) {
		_, sub, retry, m, _ := newOrderInbox(t)
		retry.On("HandleRetry", contracts.OrderEventsQueue, uint64(4), mock.Anything).Return(nil)

		require.NoError(t, sub.deliver(ctx, contracts.OrderEventsQueue, amqp.Delivery{
			Acknowledger: &mockAcknowledger{},
			DeliveryTag:  4,
			RoutingKey:   "user.updated",
			Body:         []byte(`{broken`),
		}))

		retry.AssertExpectations(t)
		assert.Equal(t, []string{"order-events-queue|user.updated|failure"}, m.consumed)
	})

	t.Run("reports running until stopped", func(t *testing.T) {
		c, _, _, _, _ := newOrderInbox(t)
		assert.True(t, c.Running())

		waitErr := make(chan error, 1)
		go func() { waitErr <- c.Wait(context.Background()) }()

		require.NoError(t, c.Stop())
		select {
		case err := <-waitErr:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Wait did not return after Stop")
		}
		assert.False(t, c.Running())
	})

	t.Run("surfaces subscribe failures", func(t *testing.T) {
		sub := newFakeSubscriber()
		sub.err = errors.New("channel closed")
		c := NewEventConsumer(contracts.UserEventsQueue, sub, NewDispatcher(WithDispatcherLogger(discardLogger())), &mockRetryHandler{},
			WithConsumerLogger(discardLogger()))

		assert.ErrorContains(t, c.Start(context.Background()), "channel closed")
	})
}
