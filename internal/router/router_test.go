package router

import (
	"context"
	"errors"
	"testing"

	"go-listener/internal/broker"
	"go-listener/internal/dispatch"
	"go-listener/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(route string, acker *broker.MockAcknowledger) *dispatch.Event {
	msg := models.NewMessage(models.DirectExchange, route, []byte(`{}`), nil, acker)
	return dispatch.NewEvent(route, map[string]interface{}{}, msg, nil)
}

func TestRouter_Route_CompletesOnSuccess(t *testing.T) {
	r := New(nil)
	called := false
	r.Handle("/orders/created", func(ctx context.Context, ev *dispatch.Event) error {
		called = true
		return nil
	})

	acker := broker.NewMockAcknowledger()
	require.NoError(t, r.Route(context.Background(), newEvent("/orders/created", acker)))

	assert.True(t, called)
	assert.Equal(t, 1, acker.Acks())
}

func TestRouter_Route_FailsOnHandlerError(t *testing.T) {
	r := New(nil)
	r.Handle("/orders/created", func(ctx context.Context, ev *dispatch.Event) error {
		return errors.New("inventory unavailable")
	})

	acker := broker.NewMockAcknowledger()
	err := r.Route(context.Background(), newEvent("/orders/created", acker))

	require.Error(t, err)
	assert.Equal(t, 0, acker.Acks())
	assert.Equal(t, 1, acker.Nacks())
}

func TestRouter_Route_NoRoute(t *testing.T) {
	r := New(nil)
	acker := broker.NewMockAcknowledger()

	err := r.Route(context.Background(), newEvent("/unknown", acker))

	assert.ErrorIs(t, err, ErrNoRoute)
	assert.Equal(t, 1, acker.Nacks())
}

func TestRouter_Route_PrefixAndFallback(t *testing.T) {
	r := New(nil)
	var hit string
	r.Handle("/orders/*", func(ctx context.Context, ev *dispatch.Event) error {
		hit = "orders"
		return nil
	})
	r.Handle("/orders/refunds/*", func(ctx context.Context, ev *dispatch.Event) error {
		hit = "refunds"
		return nil
	})
	r.Fallback(func(ctx context.Context, ev *dispatch.Event) error {
		hit = "fallback"
		return nil
	})

	require.NoError(t, r.Route(context.Background(), newEvent("/orders/created", broker.NewMockAcknowledger())))
	assert.Equal(t, "orders", hit)

	require.NoError(t, r.Route(context.Background(), newEvent("/orders/refunds/issued", broker.NewMockAcknowledger())))
	assert.Equal(t, "refunds", hit)

	require.NoError(t, r.Route(context.Background(), newEvent("/billing", broker.NewMockAcknowledger())))
	assert.Equal(t, "fallback", hit)
}
