package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go-listener/internal/broker"
	"go-listener/internal/config"
	"go-listener/internal/dispatch"
	"go-listener/internal/inmemory"
	"go-listener/internal/observability"
	"go-listener/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Logging: config.LoggingConfig{Level: "error"},
		Connections: map[string]broker.Descriptor{
			"default": {Kind: broker.KindMemory},
		},
		Throttle: config.ThrottleConfig{Rate: 1000, Burst: 10},
		Reconnect: config.ReconnectConfig{
			MaxAttempts: 1,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  time.Millisecond,
		},
	}
}

func listenOptions(queue string) config.ListenOptions {
	opts := config.DefaultListenOptions()
	opts.Queue = queue
	return opts
}

func TestListen_DeadLettersAfterMaxRetry(t *testing.T) {
	memory := inmemory.NewBroker()
	memory.Bind("orders", models.DirectExchange, "/orders")
	memory.Bind("failed", models.DirectExchange, "/failed-message")

	require.NoError(t, memory.Publish(context.Background(), models.Publishing{
		Exchange:   models.DirectExchange,
		RoutingKey: "/orders",
		Body:       []byte(`{"order_id":"ORD-1"}`),
		Headers:    map[string]string{models.HeaderMessageID: "msg-1"},
	}))

	opts := listenOptions("orders")
	opts.MaxRetry = 2
	opts.Middlewares = []string{"logging", "throttle"}

	var calls atomic.Int32
	metrics := observability.NewInMemoryMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Listen(ctx, memoryConfig(), Options{
			Listen:  opts,
			Memory:  memory,
			Metrics: metrics,
			Handler: func(ctx context.Context, ev *dispatch.Event) error {
				calls.Add(1)
				return errors.New("payment service unavailable")
			},
		})
	}()

	require.Eventually(t, func() bool {
		return memory.Stats("failed").Ready == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), metrics.GetSentToDLQ())
	assert.Equal(t, int64(2), metrics.GetRedelivered())
}

func TestListen_DedupeSkipsRepeatedMessage(t *testing.T) {
	memory := inmemory.NewBroker()
	memory.Bind("orders", models.DirectExchange, "/orders")

	for i := 0; i < 2; i++ {
		require.NoError(t, memory.Publish(context.Background(), models.Publishing{
			Exchange:   models.DirectExchange,
			RoutingKey: "/orders",
			Body:       []byte(`{}`),
			Headers:    map[string]string{models.HeaderMessageID: "same-id"},
		}))
	}

	opts := listenOptions("orders")
	opts.Middlewares = []string{"dedupe"}

	var calls atomic.Int32
	metrics := observability.NewInMemoryMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Listen(ctx, memoryConfig(), Options{
			Listen:  opts,
			Memory:  memory,
			Metrics: metrics,
			Handler: func(ctx context.Context, ev *dispatch.Event) error {
				calls.Add(1)
				return nil
			},
		})
	}()

	require.Eventually(t, func() bool {
		return memory.Stats("orders").Acked == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), metrics.GetSkipped())
}

func TestListen_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *config.ListenOptions)
	}{
		{"unknown connection", func(o *config.ListenOptions) { o.Connection = "missing" }},
		{"unknown middleware", func(o *config.ListenOptions) { o.Middlewares = []string{"retry"} }},
		{"empty queue", func(o *config.ListenOptions) { o.Queue = "" }},
		{"bad timeout", func(o *config.ListenOptions) { o.Timeout = -7 }},
		{"zero timeout", func(o *config.ListenOptions) { o.Timeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := listenOptions("orders")
			tt.modify(&opts)

			err := Listen(context.Background(), memoryConfig(), Options{Listen: opts})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestListen_InvalidDescriptor(t *testing.T) {
	cfg := memoryConfig()
	cfg.Connections["broken"] = broker.Descriptor{Kind: broker.KindRabbitMQ}

	err := Listen(context.Background(), cfg, Options{Listen: listenOptions("orders")})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
