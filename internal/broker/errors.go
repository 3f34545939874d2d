package broker

import (
	"errors"
	"fmt"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// TransportError wraps connect, consume and produce failures. The listener
// reconnects on these instead of treating them as per-message failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport checks if err is a transport failure
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr) || errors.Is(err, ErrSubscriptionClosed)
}

// ErrNotConnected is returned by a SwappablePublisher between sessions.
var ErrNotConnected = errors.New("no producer connection")
