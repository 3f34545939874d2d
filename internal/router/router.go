package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go-listener/internal/dispatch"
	"go-listener/internal/observability"

	"github.com/sirupsen/logrus"
)

var ErrNoRoute = errors.New("no handler for route")

// HandlerFunc handles one domain event.
type HandlerFunc func(ctx context.Context, ev *dispatch.Event) error

// Router maps routing keys to handlers. A handler's result completes or
// fails the event; what that does to the delivery is up to the Adapter.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc
	logger   *logrus.Entry
}

func New(logger *logrus.Entry) *Router {
	if logger == nil {
		logger = logrus.NewEntry(observability.GetLogger())
	}
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Handle registers h for an exact routing key, or a prefix when the key
// ends with "*".
func (r *Router) Handle(route string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[route] = h
}

// Fallback handles events no route matched.
func (r *Router) Fallback(h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

func (r *Router) Route(ctx context.Context, ev *dispatch.Event) error {
	h, err := r.match(ev.Name)
	if err != nil {
		if failErr := ev.Fail(ctx, err); failErr != nil {
			r.logger.WithError(failErr).Warn("Failed to settle unroutable event")
		}
		return err
	}

	if err := h(ctx, ev); err != nil {
		if failErr := ev.Fail(ctx, err); failErr != nil {
			r.logger.WithError(failErr).WithField("route", ev.Name).Warn("Failed to settle failed event")
		}
		return err
	}

	if err := ev.Complete(ctx); err != nil {
		return fmt.Errorf("complete %s: %w", ev.Name, err)
	}
	return nil
}

func (r *Router) match(route string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[route]; ok {
		return h, nil
	}

	best := ""
	for pattern := range r.handlers {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if ok && strings.HasPrefix(route, prefix) && len(prefix) >= len(best) {
			best = pattern
		}
	}
	if best != "" {
		return r.handlers[best], nil
	}

	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, route)
}
