package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/cachesync-go/contracts"
)

func TestDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by the domain marker", func(t *testing.T) {
		var got []contracts.Domain
		d := NewDispatcher(WithDispatcherLogger(discardLogger()))
		for _, domain := range []contracts.Domain{contracts.DomainUser, contracts.DomainProduct} {
			require.NoError(t, d.Register(domain, ReconcilerFunc(func(_ context.Context, env contracts.Envelope) error {
				got = append(got, env.Domain)
				return nil
			})))
		}

		_, err := d.Dispatch(ctx, []byte(`{"event":"product.created","product":{"id":"p1"}}`))
		require.NoError(t, err)
		_, err = d.Dispatch(ctx, []byte(`{"event":"user.created","user":{"id":7}}`))
		require.NoError(t, err)

		assert.Equal(t, []contracts.Domain{contracts.DomainProduct, contracts.DomainUser}, got)
		assert.Equal(t, []contracts.Domain{contracts.DomainUser, contracts.DomainProduct}, d.Domains())
	})

	t.Run("ignores a domain without a reconciler", func(t *testing.T) {
		d := NewDispatcher(WithDispatcherLogger(discardLogger()))

		env, err := d.Dispatch(ctx, []byte(`{"event":"order.created","order":{"id":"o1"}}`))
		assert.ErrorIs(t, err, ErrIgnored)
		assert.ErrorIs(t, err, ErrNoReconciler)
		assert.Equal(t, contracts.OrderCreated, env.Event)
	})

	t.Run("ignores an envelope without a domain marker", func(t *testing.T) {
		d := NewDispatcher(WithDispatcherLogger(discardLogger()))

		_, err := d.Dispatch(ctx, []byte(`{"event":"thing.created","thing":{}}`))
		assert.ErrorIs(t, err, ErrIgnored)
		assert.ErrorIs(t, err, contracts.ErrUnknownDomain)
	})

	t.Run("ignores events the reconciler does not handle", func(t *testing.T) {
		d := NewDispatcher(WithDispatcherLogger(discardLogger()))
		require.NoError(t, d.Register(contracts.DomainUser, ReconcilerFunc(func(context.Context, contracts.Envelope) error {
			return ErrUnhandledEvent
		})))

		_, err := d.Dispatch(ctx, []byte(`{"event":"user.archived","user":{"id":"1"}}`))
		assert.ErrorIs(t, err, ErrIgnored)
	})

	t.Run("returns malformed bodies and reconciler failures as retryable", func(t *testing.T) {
		boom := errors.New("db locked")
		d := NewDispatcher(WithDispatcherLogger(discardLogger()))
		require.NoError(t, d.Register(contracts.DomainUser, ReconcilerFunc(func(context.Context, contracts.Envelope) error {
			return boom
		})))

		_, err := d.Dispatch(ctx, []byte(`not json`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrIgnored)

		_, err = d.Dispatch(ctx, []byte(`{"event":"user.created","user":{"id":"1"}}`))
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrIgnored)
	})

	t.Run("refuses a nil reconciler", func(t *testing.T) {
		d := NewDispatcher(WithDispatcherLogger(discardLogger()))
		assert.Error(t, d.Register(contracts.DomainUser, nil))
	})
}
