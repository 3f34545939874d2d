package retry

import (
	"errors"
	"time"
)

const (
	// Unlimited disables the retry budget or the processing timeout.
	Unlimited = -1

	DefaultTimeoutMs          = 10000
	DefaultMaxRetry           = Unlimited
	DefaultMaxRetryRoutingKey = "/failed-message"
)

// Policy is fixed for the lifetime of one consumer.
type Policy struct {
	MaxRetry           int
	MaxRetryRoutingKey string
	MaxRetryExchange   string
	// TimeoutMs bounds processing of one message; -1 disables it. Zero is
	// rejected by Validate.
	TimeoutMs int
}

// DefaultPolicy mirrors the listen command defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetry:           DefaultMaxRetry,
		MaxRetryRoutingKey: DefaultMaxRetryRoutingKey,
		TimeoutMs:          DefaultTimeoutMs,
	}
}

// Limited reports whether a retry budget is enforced.
func (p Policy) Limited() bool {
	return p.MaxRetry != Unlimited
}

// Timeout returns the per-message deadline; ok is false when disabled.
func (p Policy) Timeout() (d time.Duration, ok bool) {
	if p.TimeoutMs <= 0 {
		return 0, false
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond, true
}

func (p Policy) Validate() error {
	if p.MaxRetry < Unlimited {
		return errors.New("maxRetry must be -1 or greater")
	}
	if p.TimeoutMs < Unlimited || p.TimeoutMs == 0 {
		return errors.New("timeout must be -1 or a positive number of milliseconds")
	}
	if p.Limited() && p.MaxRetryRoutingKey == "" {
		return errors.New("maxRetryRoutingKey cannot be empty when maxRetry is set")
	}
	return nil
}
