package retry

import (
	"strconv"
	"strings"

	"go-listener/pkg/models"
)

// GetRetryCount extracts the retry count from message headers.
// Missing or non-numeric values count as zero.
func GetRetryCount(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	if countStr, ok := msg.Headers[models.HeaderRetryCount]; ok {
		if count, err := strconv.Atoi(strings.TrimSpace(countStr)); err == nil && count > 0 {
			return count
		}
	}
	return 0
}

// MarkFailedRoute records the routing key the message held when its retries ran out.
// Existing headers are kept.
func MarkFailedRoute(msg *models.Message) *models.Message {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	msg.Headers[models.HeaderOriginalRoutingKey] = msg.RoutingKey
	if msg.Exchange != "" {
		msg.Headers[models.HeaderOriginalExchange] = msg.Exchange
	}
	return msg
}

// NextAttemptHeaders returns a copy of the headers with the retry count incremented.
// Adapters that send a message back to the queue must stamp it with these headers.
func NextAttemptHeaders(msg *models.Message) map[string]string {
	headers := msg.CloneHeaders()
	headers[models.HeaderRetryCount] = strconv.Itoa(GetRetryCount(msg) + 1)
	return headers
}
