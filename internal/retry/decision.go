package retry

import "go-listener/pkg/models"

// Decision is the outcome for a received message.
type Decision int

const (
	Dispatch Decision = iota
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Dispatch:
		return "dispatch"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Decide routes a message to the dead-letter destination once it has been
// tried maxRetry times; reaching the limit counts as exhausted.
func Decide(msg *models.Message, policy Policy) Decision {
	if !policy.Limited() {
		return Dispatch
	}
	if GetRetryCount(msg) >= policy.MaxRetry {
		return DeadLetter
	}
	return Dispatch
}
