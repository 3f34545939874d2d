package service

import (
	"context"
	"fmt"

	"go-listener/internal/dispatch"
	"go-listener/internal/observability"
	"go-listener/internal/retry"

	"github.com/sirupsen/logrus"
)

// EventProcessor is the default handler behind the router: it records the
// event and reports success.
type EventProcessor struct {
	logger *logrus.Logger
}

func NewEventProcessor() *EventProcessor {
	return &EventProcessor{
		logger: observability.GetLogger(),
	}
}

// Handle processes one routed event
func (p *EventProcessor) Handle(ctx context.Context, ev *dispatch.Event) error {
	if ev == nil || ev.Message == nil {
		return fmt.Errorf("empty event")
	}

	p.logger.WithFields(logrus.Fields{
		"event":       ev.Name,
		"message_id":  ev.Message.ID,
		"retry_count": retry.GetRetryCount(ev.Message),
	}).Info("Processing event")

	p.logger.WithFields(logrus.Fields{
		"event":   ev.Name,
		"payload": ev.Payload,
	}).Debug("Event processed successfully")

	return nil
}
