package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go-listener/pkg/models"
)

// ErrSkip stops dispatch without an error. A hook returning it must settle
// the message itself.
var ErrSkip = errors.New("dispatch skipped")

// BeforeAdapter runs on the raw message before the Adapter.
type BeforeAdapter interface {
	BeforeAdapt(ctx context.Context, msg *models.Message) error
}

// BeforeRouter runs on the adapted event before the Router.
type BeforeRouter interface {
	BeforeRoute(ctx context.Context, ev *Event) error
}

// AfterRouter observes the routing result.
type AfterRouter interface {
	AfterRoute(ctx context.Context, ev *Event, routeErr error)
}

// AfterDispatcher runs once per message when dispatch ends, whatever the
// outcome, including failures before the message was adapted.
type AfterDispatcher interface {
	AfterDispatch(ctx context.Context, msg *models.Message, err error)
}

type hooks struct {
	beforeAdapt   []BeforeAdapter
	beforeRoute   []BeforeRouter
	afterRoute    []AfterRouter
	afterDispatch []AfterDispatcher
}

// add sorts a hook into every phase it implements, keeping declaration order.
func (h *hooks) add(hook interface{}) error {
	matched := false
	if b, ok := hook.(BeforeAdapter); ok {
		h.beforeAdapt = append(h.beforeAdapt, b)
		matched = true
	}
	if b, ok := hook.(BeforeRouter); ok {
		h.beforeRoute = append(h.beforeRoute, b)
		matched = true
	}
	if a, ok := hook.(AfterRouter); ok {
		h.afterRoute = append(h.afterRoute, a)
		matched = true
	}
	if a, ok := hook.(AfterDispatcher); ok {
		h.afterDispatch = append(h.afterDispatch, a)
		matched = true
	}
	if !matched {
		return fmt.Errorf("hook %T implements no dispatch phase", hook)
	}
	return nil
}
