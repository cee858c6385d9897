package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRepublisher(t *testing.T) {
	newDelivery := func(ack amqp.Acknowledger) amqp.Delivery {
		return amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  42,
			MessageId:    "01HX",
			ContentType:  "application/json",
			Headers:      amqp.Table{"traceparent": "00-abc"},
			Body:         []byte(`{"event":"user.created","user":{"id":1}}`),
		}
	}

	t.Run("republishes to the queue with the retry count and acks the original", func(t *testing.T) {
		ch := newFakeChannel()
		r := NewRepublisher(NewPublisher(staticProvider{ch: ch}), discardLogger())

		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(42), false).Return(nil)

		err := r.Requeue(context.Background(), "order-events-queue", newDelivery(ack), 2, errors.New("store unavailable"))
		require.NoError(t, err)

		published := ch.publishedMessages()
		require.Len(t, published, 1)
		assert.Equal(t, "", published[0].Exchange)
		assert.Equal(t, "order-events-queue", published[0].RoutingKey)
		assert.Equal(t, int32(2), published[0].Msg.Headers[HeaderRetryCount])
		assert.Equal(t, "store unavailable", published[0].Msg.Headers[HeaderLastError])
		assert.Equal(t, "00-abc", published[0].Msg.Headers["traceparent"])
		assert.Equal(t, "01HX", published[0].Msg.MessageId)
		assert.Equal(t, amqp.Persistent, published[0].Msg.DeliveryMode)
		ack.AssertExpectations(t)
	})

	t.Run("original headers are not mutated", func(t *testing.T) {
		ch := newFakeChannel()
		r := NewRepublisher(NewPublisher(staticProvider{ch: ch}), discardLogger())

		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(42), false).Return(nil)
		d := newDelivery(ack)

		require.NoError(t, r.Requeue(context.Background(), "q", d, 1, nil))
		_, present := d.Headers[HeaderRetryCount]
		assert.False(t, present)
	})

	t.Run("publish failure leaves the original unsettled", func(t *testing.T) {
		r := NewRepublisher(NewPublisher(staticProvider{err: errBrokerDown}), discardLogger())

		ack := &mockAcknowledger{}

		err := r.Requeue(context.Background(), "order-events-queue", newDelivery(ack), 1, nil)
		assert.ErrorIs(t, err, errBrokerDown)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("closed delivery channel leaves redelivery to the broker", func(t *testing.T) {
		publishCh := newFakeChannel()
		deliveryCh := newFakeChannel()
		deliveryCh.shutdown(nil)
		r := NewRepublisher(NewPublisher(staticProvider{ch: publishCh}), discardLogger())

		err := r.Requeue(context.Background(), "order-events-queue", newDelivery(deliveryCh), 1, nil)
		require.NoError(t, err)
		assert.Empty(t, publishCh.publishedMessages())
		assert.Empty(t, deliveryCh.acks)
	})
}
