package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-listener/internal/broker"
	"go-listener/internal/retry"
	"go-listener/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDelivery(headers map[string]string, acker models.Acknowledger) *models.Message {
	return models.NewMessage(models.DirectExchange, "/orders/created", []byte(`{"order_id":"ORD-2025-001234"}`), headers, acker)
}

func TestConfigure_TimeoutDisabled(t *testing.T) {
	a := NewJSONAdapter(broker.NewMockPublisher(), Config{})
	Configure(a, retry.Policy{TimeoutMs: retry.Unlimited, MaxRetry: retry.Unlimited})

	assert.Equal(t, time.Duration(0), a.Timeout())
	assert.False(t, a.RejectsToBottom())
}

func TestConfigure_TimeoutAndRetryBudget(t *testing.T) {
	a := NewJSONAdapter(broker.NewMockPublisher(), Config{})
	Configure(a, retry.Policy{TimeoutMs: 5000, MaxRetry: 3, MaxRetryRoutingKey: "/failed-message"})

	assert.Equal(t, 5000*time.Millisecond, a.Timeout())
	assert.True(t, a.RejectsToBottom())
}

func TestJSONAdapter_Adapt_DecodesPayload(t *testing.T) {
	acker := broker.NewMockAcknowledger()
	a := NewJSONAdapter(broker.NewMockPublisher(), Config{})

	ev, err := a.Adapt(context.Background(), newDelivery(nil, acker))
	require.NoError(t, err)

	assert.Equal(t, "/orders/created", ev.Name)
	assert.Equal(t, "ORD-2025-001234", ev.Payload["order_id"])

	require.NoError(t, ev.Complete(context.Background()))
	assert.Equal(t, 1, acker.Acks())
	assert.ErrorIs(t, ev.Fail(context.Background(), errors.New("late")), models.ErrAlreadySettled)
}

func TestJSONAdapter_Adapt_MalformedPayload(t *testing.T) {
	acker := broker.NewMockAcknowledger()
	a := NewJSONAdapter(broker.NewMockPublisher(), Config{})

	msg := models.NewMessage("", "/orders/created", []byte("not json"), nil, acker)
	_, err := a.Adapt(context.Background(), msg)

	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Equal(t, 1, acker.Nacks())
	assert.False(t, acker.Requeued(), "malformed payloads are dropped in nack mode")
}

func TestJSONAdapter_Timeout_NacksUnsettledMessage(t *testing.T) {
	acker := broker.NewMockAcknowledger()
	a := NewJSONAdapter(broker.NewMockPublisher(), Config{})
	a.SetTimeout(20 * time.Millisecond)

	msg := newDelivery(nil, acker)
	_, err := a.Adapt(context.Background(), msg)
	require.NoError(t, err)

	select {
	case <-msg.Settled():
	case <-time.After(time.Second):
		t.Fatal("message was not settled after timeout")
	}
	assert.Equal(t, 1, acker.Nacks())
	assert.True(t, acker.Requeued())
}

func TestJSONAdapter_Complete_StopsTimer(t *testing.T) {
	acker := broker.NewMockAcknowledger()
	a := NewJSONAdapter(broker.NewMockPublisher(), Config{})
	a.SetTimeout(30 * time.Millisecond)

	ev, err := a.Adapt(context.Background(), newDelivery(nil, acker))
	require.NoError(t, err)
	require.NoError(t, ev.Complete(context.Background()))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, acker.Acks())
	assert.Equal(t, 0, acker.Nacks())
}

func TestJSONAdapter_RejectToBottom_RepublishesThenAcks(t *testing.T) {
	publisher := broker.NewMockPublisher()
	acker := broker.NewMockAcknowledger()
	a := NewJSONAdapter(publisher, Config{})
	a.RejectToBottomInsteadOfNacking()

	ev, err := a.Adapt(context.Background(), newDelivery(map[string]string{"x-tenant": "acme"}, acker))
	require.NoError(t, err)
	require.NoError(t, ev.Fail(context.Background(), errors.New("handler failed")))

	published := publisher.GetPublishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, models.DirectExchange, published[0].Exchange)
	assert.Equal(t, "/orders/created", published[0].RoutingKey)
	assert.Equal(t, "1", published[0].Headers[models.HeaderRetryCount])
	assert.Equal(t, "acme", published[0].Headers["x-tenant"])
	assert.Equal(t, 1, acker.Acks())
}

func TestJSONAdapter_RejectToBottom_PublishFailureRequeues(t *testing.T) {
	publisher := broker.NewMockPublisher()
	publisher.FailCount = 1
	acker := broker.NewMockAcknowledger()
	a := NewJSONAdapter(publisher, Config{})
	a.RejectToBottomInsteadOfNacking()

	ev, err := a.Adapt(context.Background(), newDelivery(nil, acker))
	require.NoError(t, err)
	require.NoError(t, ev.Fail(context.Background(), errors.New("handler failed")))

	assert.Equal(t, 0, acker.Acks())
	assert.Equal(t, 1, acker.Nacks())
	assert.True(t, acker.Requeued())
}

// Every redelivery produced by the adapter must carry a strictly larger
// retry count, otherwise a failing message never reaches its budget.
func TestJSONAdapter_RetryCountStrictlyIncreasesAcrossRedeliveries(t *testing.T) {
	publisher := broker.NewMockPublisher()
	a := NewJSONAdapter(publisher, Config{})
	Configure(a, retry.Policy{TimeoutMs: retry.Unlimited, MaxRetry: 5, MaxRetryRoutingKey: "/failed-message"})

	headers := map[string]string{models.HeaderMessageID: "msg-1"}
	previous := -1
	for i := 0; i < 6; i++ {
		msg := newDelivery(headers, broker.NewMockAcknowledger())
		current := retry.GetRetryCount(msg)
		assert.Greater(t, current, previous)
		previous = current

		ev, err := a.Adapt(context.Background(), msg)
		require.NoError(t, err)
		require.NoError(t, ev.Fail(context.Background(), errors.New("still failing")))

		published := publisher.GetPublishedMessages()
		require.Len(t, published, i+1)
		headers = published[i].Headers
	}
	assert.Equal(t, "6", headers[models.HeaderRetryCount])
}

func TestJSONAdapter_Adapt_EventCarriesTimeout(t *testing.T) {
	a := NewJSONAdapter(broker.NewMockPublisher(), Config{})
	a.SetTimeout(time.Minute)

	ev, err := a.Adapt(context.Background(), newDelivery(nil, broker.NewMockAcknowledger()))
	require.NoError(t, err)
	defer ev.Complete(context.Background())

	assert.Equal(t, time.Minute, ev.Timeout)
}

func TestJSONAdapter_Fail_SettlesAfterDeadlinePassed(t *testing.T) {
	publisher := broker.NewMockPublisher()
	acker := broker.NewMockAcknowledger()
	a := NewJSONAdapter(publisher, Config{})
	a.RejectToBottomInsteadOfNacking()

	ev, err := a.Adapt(context.Background(), newDelivery(nil, acker))
	require.NoError(t, err)

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()

	publisher.PublishFunc = func(ctx context.Context, p models.Publishing) error {
		return ctx.Err()
	}
	require.NoError(t, ev.Fail(expired, context.DeadlineExceeded))

	assert.Len(t, publisher.GetPublishedMessages(), 1)
	assert.Equal(t, 1, acker.Acks())
}

func TestJSONAdapter_Reject_AppliesFailurePolicy(t *testing.T) {
	publisher := broker.NewMockPublisher()
	acker := broker.NewMockAcknowledger()
	a := NewJSONAdapter(publisher, Config{})
	a.RejectToBottomInsteadOfNacking()

	msg := newDelivery(map[string]string{models.HeaderRetryCount: "2"}, acker)
	require.NoError(t, a.Reject(context.Background(), msg, errors.New("hook failed")))

	published := publisher.GetPublishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, "3", published[0].Headers[models.HeaderRetryCount])
	assert.Equal(t, 1, acker.Acks())

	acker = broker.NewMockAcknowledger()
	nacking := NewJSONAdapter(publisher, Config{})
	require.NoError(t, nacking.Reject(context.Background(), newDelivery(nil, acker), errors.New("hook failed")))
	assert.Equal(t, 1, acker.Nacks())
	assert.True(t, acker.Requeued())
}
