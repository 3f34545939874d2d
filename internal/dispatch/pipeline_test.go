package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-listener/internal/broker"
	"go-listener/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	name       string
	calls      *[]string
	adaptErr   error
	routeErr   error
	sawRouteOK *bool
}

func (h *recordingHook) BeforeAdapt(ctx context.Context, msg *models.Message) error {
	*h.calls = append(*h.calls, h.name+":before-adapt")
	return h.adaptErr
}

func (h *recordingHook) BeforeRoute(ctx context.Context, ev *Event) error {
	*h.calls = append(*h.calls, h.name+":before-route")
	return h.routeErr
}

func (h *recordingHook) AfterRoute(ctx context.Context, ev *Event, routeErr error) {
	*h.calls = append(*h.calls, h.name+":after-route")
	if h.sawRouteOK != nil {
		*h.sawRouteOK = routeErr == nil
	}
}

type afterOnly struct{ called bool }

func (a *afterOnly) AfterRoute(ctx context.Context, ev *Event, routeErr error) { a.called = true }

func passthroughAdapter(calls *[]string) Adapter {
	return AdapterFunc(func(ctx context.Context, msg *models.Message) (*Event, error) {
		*calls = append(*calls, "adapt")
		return NewEvent(msg.RoutingKey, map[string]interface{}{}, msg, nil), nil
	})
}

func recordingRouter(calls *[]string, err error) Router {
	return RouterFunc(func(ctx context.Context, ev *Event) error {
		*calls = append(*calls, "route")
		return err
	})
}

func newMsg(acker models.Acknowledger) *models.Message {
	return models.NewMessage(models.DirectExchange, "/orders", []byte(`{}`), nil, acker)
}

func TestPipeline_Dispatch_RunsHooksInOrder(t *testing.T) {
	var calls []string
	p := NewPipeline(passthroughAdapter(&calls), recordingRouter(&calls, nil))
	require.NoError(t, p.Use(
		&recordingHook{name: "a", calls: &calls},
		&recordingHook{name: "b", calls: &calls},
	))

	outcome, err := p.Dispatch(context.Background(), newMsg(nil))

	require.NoError(t, err)
	assert.Equal(t, Routed, outcome)
	assert.Equal(t, []string{
		"a:before-adapt", "b:before-adapt",
		"adapt",
		"a:before-route", "b:before-route",
		"route",
		"a:after-route", "b:after-route",
	}, calls)
}

func TestPipeline_Dispatch_RouterErrorFailsEvent(t *testing.T) {
	var calls []string
	routeOK := true
	acker := broker.NewMockAcknowledger()
	p := NewPipeline(passthroughAdapter(&calls), recordingRouter(&calls, errors.New("handler failed")))
	require.NoError(t, p.Use(&recordingHook{name: "a", calls: &calls, sawRouteOK: &routeOK}))

	msg := newMsg(acker)
	_, err := p.Dispatch(context.Background(), msg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler failed")
	assert.False(t, routeOK)
	assert.True(t, msg.IsSettled())
	assert.Equal(t, 0, acker.Acks())
	assert.Equal(t, 1, acker.Nacks())
	assert.True(t, acker.Requeued())
}

func TestPipeline_Dispatch_BeforeAdaptErrorRequeues(t *testing.T) {
	var calls []string
	acker := broker.NewMockAcknowledger()
	p := NewPipeline(passthroughAdapter(&calls), recordingRouter(&calls, nil))
	require.NoError(t, p.Use(&recordingHook{name: "enrich", calls: &calls, adaptErr: errors.New("lookup failed")}))

	msg := newMsg(acker)
	_, err := p.Dispatch(context.Background(), msg)

	require.Error(t, err)
	assert.Equal(t, []string{"enrich:before-adapt"}, calls)
	assert.True(t, msg.IsSettled())
	assert.Equal(t, 1, acker.Nacks())
	assert.True(t, acker.Requeued())
}

// rejectingAdapter fails without settling and records what it was asked to reject
type rejectingAdapter struct {
	rejected []error
}

func (a *rejectingAdapter) Adapt(ctx context.Context, msg *models.Message) (*Event, error) {
	return nil, errors.New("schema mismatch")
}

func (a *rejectingAdapter) Reject(ctx context.Context, msg *models.Message, cause error) error {
	a.rejected = append(a.rejected, cause)
	return msg.Ack(ctx)
}

func TestPipeline_Dispatch_AdapterRejectsUnadaptedMessage(t *testing.T) {
	adapter := &rejectingAdapter{}
	acker := broker.NewMockAcknowledger()
	p := NewPipeline(adapter, recordingRouter(new([]string), nil))

	_, err := p.Dispatch(context.Background(), newMsg(acker))

	require.Error(t, err)
	require.Len(t, adapter.rejected, 1)
	assert.Contains(t, adapter.rejected[0].Error(), "schema mismatch")
	assert.Equal(t, 1, acker.Acks())
	assert.Equal(t, 0, acker.Nacks())
}

func TestPipeline_Dispatch_SettledMessageIsLeftAlone(t *testing.T) {
	acker := broker.NewMockAcknowledger()
	adapter := AdapterFunc(func(ctx context.Context, msg *models.Message) (*Event, error) {
		require.NoError(t, msg.Nack(ctx, false))
		return nil, errors.New("malformed payload")
	})
	p := NewPipeline(adapter, recordingRouter(new([]string), nil))

	_, err := p.Dispatch(context.Background(), newMsg(acker))

	require.Error(t, err)
	assert.Equal(t, 1, acker.Nacks())
	assert.False(t, acker.Requeued())
}

func TestPipeline_Dispatch_RouteRunsUnderEventTimeout(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, msg *models.Message) (*Event, error) {
		ev := NewEvent(msg.RoutingKey, nil, msg, nil)
		ev.Timeout = 20 * time.Millisecond
		return ev, nil
	})
	router := RouterFunc(func(ctx context.Context, ev *Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	p := NewPipeline(adapter, router)

	done := make(chan error, 1)
	go func() {
		_, err := p.Dispatch(context.Background(), newMsg(broker.NewMockAcknowledger()))
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("route was not bounded by the event timeout")
	}
}

// dispatchRecorder sees the end of every dispatch
type dispatchRecorder struct {
	results []error
}

func (d *dispatchRecorder) AfterDispatch(ctx context.Context, msg *models.Message, err error) {
	d.results = append(d.results, err)
}

func TestPipeline_Dispatch_AfterDispatchSeesEveryOutcome(t *testing.T) {
	var calls []string
	recorder := &dispatchRecorder{}
	failing := &recordingHook{name: "gate", calls: &calls, adaptErr: errors.New("closed")}
	p := NewPipeline(passthroughAdapter(&calls), recordingRouter(&calls, nil))
	require.NoError(t, p.Use(failing, recorder))

	_, err := p.Dispatch(context.Background(), newMsg(broker.NewMockAcknowledger()))
	require.Error(t, err)

	failing.adaptErr = nil
	_, err = p.Dispatch(context.Background(), newMsg(broker.NewMockAcknowledger()))
	require.NoError(t, err)

	require.Len(t, recorder.results, 2)
	assert.Error(t, recorder.results[0])
	assert.NoError(t, recorder.results[1])
}

func TestPipeline_Dispatch_AdapterErrorSkipsRouter(t *testing.T) {
	var calls []string
	adapter := AdapterFunc(func(ctx context.Context, msg *models.Message) (*Event, error) {
		return nil, errors.New("malformed payload")
	})
	p := NewPipeline(adapter, recordingRouter(&calls, nil))

	_, err := p.Dispatch(context.Background(), newMsg(nil))

	require.Error(t, err)
	assert.Empty(t, calls)
}

func TestPipeline_Dispatch_SkipStopsQuietly(t *testing.T) {
	var calls []string
	p := NewPipeline(passthroughAdapter(&calls), recordingRouter(&calls, nil))
	require.NoError(t, p.Use(&recordingHook{name: "dedupe", calls: &calls, adaptErr: ErrSkip}))

	outcome, err := p.Dispatch(context.Background(), newMsg(nil))

	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)
	assert.Equal(t, []string{"dedupe:before-adapt"}, calls)
}

func TestPipeline_Dispatch_RecoversPanics(t *testing.T) {
	var calls []string
	router := RouterFunc(func(ctx context.Context, ev *Event) error {
		panic("boom")
	})
	p := NewPipeline(passthroughAdapter(&calls), router)

	_, err := p.Dispatch(context.Background(), newMsg(nil))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestPipeline_Use_RejectsHookWithoutPhase(t *testing.T) {
	p := NewPipeline(passthroughAdapter(new([]string)), recordingRouter(new([]string), nil))

	assert.Error(t, p.Use(struct{}{}))

	after := &afterOnly{}
	require.NoError(t, p.Use(after))
	_, err := p.Dispatch(context.Background(), newMsg(nil))
	require.NoError(t, err)
	assert.True(t, after.called)
}

func TestEvent_DefaultSettlement(t *testing.T) {
	acker := broker.NewMockAcknowledger()
	ev := NewEvent("/orders", nil, newMsg(acker), nil)
	require.NoError(t, ev.Complete(context.Background()))
	assert.Equal(t, 1, acker.Acks())

	acker = broker.NewMockAcknowledger()
	ev = NewEvent("/orders", nil, newMsg(acker), nil)
	require.NoError(t, ev.Fail(context.Background(), errors.New("x")))
	assert.Equal(t, 1, acker.Nacks())
	assert.True(t, acker.Requeued())
}
