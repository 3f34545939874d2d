// Package dispatch runs an accepted message through the Adapter and Router,
// with ordered hooks before adapting, before routing, after routing and
// after dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go-listener/internal/observability"
	"go-listener/pkg/models"

	"github.com/sirupsen/logrus"
)

// Adapter converts a raw delivery into a domain event. It owns the
// acknowledgment timing of the delivery.
type Adapter interface {
	Adapt(ctx context.Context, msg *models.Message) (*Event, error)
}

// Rejecter is implemented by adapters that apply their failure policy to a
// message that failed before it became an event.
type Rejecter interface {
	Reject(ctx context.Context, msg *models.Message, cause error) error
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, msg *models.Message) (*Event, error)

func (f AdapterFunc) Adapt(ctx context.Context, msg *models.Message) (*Event, error) {
	return f(ctx, msg)
}

// Router hands a domain event to its handler.
type Router interface {
	Route(ctx context.Context, ev *Event) error
}

// RouterFunc adapts a plain function to Router.
type RouterFunc func(ctx context.Context, ev *Event) error

func (f RouterFunc) Route(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

// Outcome is the result of a successful dispatch.
type Outcome int

const (
	Routed Outcome = iota
	Skipped
)

// Pipeline runs hooks, the Adapter and the Router for one message.
type Pipeline struct {
	adapter Adapter
	router  Router
	hooks   hooks
	logger  *logrus.Entry
}

type Option func(*Pipeline)

func WithLogger(logger *logrus.Entry) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func NewPipeline(adapter Adapter, router Router, opts ...Option) *Pipeline {
	p := &Pipeline{
		adapter: adapter,
		router:  router,
		logger:  logrus.NewEntry(observability.GetLogger()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Use appends hooks. Each hook must implement at least one of
// BeforeAdapter, BeforeRouter, AfterRouter or AfterDispatcher.
func (p *Pipeline) Use(hooks ...interface{}) error {
	for _, h := range hooks {
		if err := p.hooks.add(h); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs hooks, the Adapter and the Router. On failure the message is
// handed back to whoever owns its settlement: the event's Settler once the
// Adapter produced one, otherwise the Adapter's Rejecter, and a requeueing
// nack when the Adapter has none. A message that is already settled is left
// alone.
func (p *Pipeline) Dispatch(ctx context.Context, msg *models.Message) (Outcome, error) {
	var ev *Event
	outcome, err := p.run(ctx, msg, &ev)
	if err != nil {
		p.fail(ctx, msg, ev, err)
	}
	for _, h := range p.hooks.afterDispatch {
		h.AfterDispatch(ctx, msg, err)
	}
	return outcome, err
}

func (p *Pipeline) run(ctx context.Context, msg *models.Message, adapted **Event) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"routing_key": msg.RoutingKey,
				"panic":       r,
				"stack":       string(debug.Stack()),
			}).Error("Panic in dispatch pipeline")
			outcome, err = Routed, fmt.Errorf("dispatch of %s panicked: %v", msg.RoutingKey, r)
		}
	}()

	for _, h := range p.hooks.beforeAdapt {
		if err := h.BeforeAdapt(ctx, msg); err != nil {
			if errors.Is(err, ErrSkip) {
				return Skipped, nil
			}
			return Routed, fmt.Errorf("before adapt %s: %w", msg.RoutingKey, err)
		}
	}

	ev, err := p.adapter.Adapt(ctx, msg)
	if err != nil {
		return Routed, fmt.Errorf("adapt %s: %w", msg.RoutingKey, err)
	}
	*adapted = ev

	routeCtx := ctx
	if ev.Timeout > 0 {
		var cancel context.CancelFunc
		routeCtx, cancel = context.WithTimeout(ctx, ev.Timeout)
		defer cancel()
	}

	for _, h := range p.hooks.beforeRoute {
		if err := h.BeforeRoute(routeCtx, ev); err != nil {
			if errors.Is(err, ErrSkip) {
				return Skipped, nil
			}
			return Routed, fmt.Errorf("before route %s: %w", ev.Name, err)
		}
	}

	routeErr := p.router.Route(routeCtx, ev)

	for _, h := range p.hooks.afterRoute {
		h.AfterRoute(ctx, ev, routeErr)
	}

	if routeErr != nil {
		return Routed, fmt.Errorf("route %s: %w", ev.Name, routeErr)
	}
	return Routed, nil
}

func (p *Pipeline) fail(ctx context.Context, msg *models.Message, ev *Event, cause error) {
	var err error
	switch {
	case ev != nil:
		err = ev.Fail(ctx, cause)
	case msg.IsSettled():
		return
	default:
		if r, ok := p.adapter.(Rejecter); ok {
			err = r.Reject(ctx, msg, cause)
		} else {
			err = msg.Nack(ctx, true)
		}
	}
	if err != nil && !errors.Is(err, models.ErrAlreadySettled) {
		p.logger.WithError(err).WithField("routing_key", msg.RoutingKey).Warn("Failed to settle message after dispatch failure")
	}
}
