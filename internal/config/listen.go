package config

import (
	"errors"
	"fmt"
	"strings"

	"go-listener/internal/retry"
)

const DefaultConnection = "default"

// ListenOptions are resolved once before the consumer starts.
type ListenOptions struct {
	Queue              string
	Connection         string
	Middlewares        []string
	Timeout            int
	MaxRetry           int
	MaxRetryRoutingKey string
	MaxRetryExchange   string
}

func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		Connection:         DefaultConnection,
		Timeout:            retry.DefaultTimeoutMs,
		MaxRetry:           retry.DefaultMaxRetry,
		MaxRetryRoutingKey: retry.DefaultMaxRetryRoutingKey,
	}
}

// Policy is the retry policy for these options.
func (o ListenOptions) Policy() retry.Policy {
	return retry.Policy{
		MaxRetry:           o.MaxRetry,
		MaxRetryRoutingKey: o.MaxRetryRoutingKey,
		MaxRetryExchange:   o.MaxRetryExchange,
		TimeoutMs:          o.Timeout,
	}
}

// Validate fails on an unknown connection name as well as bad values.
func (o ListenOptions) Validate(cfg *Config) error {
	if strings.TrimSpace(o.Queue) == "" {
		return errors.New("queue cannot be empty")
	}
	if _, ok := cfg.Connections[o.Connection]; !ok {
		return fmt.Errorf("unknown connection %q (configured: %s)", o.Connection, strings.Join(cfg.ConnectionNames(), ", "))
	}
	return o.Policy().Validate()
}

// ParseMiddlewares splits a comma separated --middlewares value.
func ParseMiddlewares(value string) []string {
	var out []string
	for _, name := range strings.Split(value, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}
