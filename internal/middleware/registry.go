// Package middleware holds the named hooks that can be attached to the
// dispatch pipeline with the --middlewares option.
package middleware

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go-listener/internal/observability"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Deps are shared by middleware factories.
type Deps struct {
	Logger        *logrus.Entry
	Metrics       observability.MetricsCollector
	Redis         *redis.Client
	DedupeTTL     time.Duration
	ThrottleRate  float64
	ThrottleBurst int
}

// Factory builds one hook.
type Factory func(deps Deps) (interface{}, error)

// Registry resolves middleware names.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns the built-in middlewares.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("logging", func(deps Deps) (interface{}, error) {
		return NewLogging(deps.Logger), nil
	})
	r.Register("dedupe", func(deps Deps) (interface{}, error) {
		ttl := deps.DedupeTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		if deps.Redis != nil {
			return NewDedupe(NewRedisDedupeStore(deps.Redis, "", ttl), deps.Logger, deps.Metrics), nil
		}
		return NewDedupe(NewInMemoryDedupeStore(ttl), deps.Logger, deps.Metrics), nil
	})
	r.Register("throttle", func(deps Deps) (interface{}, error) {
		if deps.ThrottleRate <= 0 {
			return nil, fmt.Errorf("throttle rate must be positive, got %v", deps.ThrottleRate)
		}
		return NewThrottle(deps.ThrottleRate, deps.ThrottleBurst), nil
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names lists registered middleware names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the hooks in the given order. Unknown names are an error.
func (r *Registry) Resolve(names []string, deps Deps) ([]interface{}, error) {
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(observability.GetLogger())
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewInMemoryMetrics()
	}

	hooks := make([]interface{}, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		f, ok := r.factories[name]
		if !ok {
			Close(hooks)
			return nil, fmt.Errorf("unknown middleware %q (available: %s)", name, strings.Join(r.Names(), ", "))
		}
		hook, err := f(deps)
		if err != nil {
			Close(hooks)
			return nil, fmt.Errorf("middleware %q: %w", name, err)
		}
		hooks = append(hooks, hook)
	}
	return hooks, nil
}

// Close releases hooks that hold background resources.
func Close(hooks []interface{}) {
	for _, h := range hooks {
		if c, ok := h.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
