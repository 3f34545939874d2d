package middleware

import (
	"context"
	"sync"
	"time"

		"go-listener/internal/retry"
	"go-listener/pkg/models"

	"github.com/sirupsen/logrus"
)

// Logging logs each message entering the adapter and the dispatch result.
type Logging struct {
	logger  *logrus.Entry
	started sync.Map
}

func NewLogging(logger *logrus.Entry) *Logging {
	return &Logging{logger: logger}
}

func (l *Logging) BeforeAdapt(ctx context.Context, msg *models.Message) error {
	l.started.Store(msg, time.Now())
	l.logger.WithFields(logrus.Fields{
		"routing_key": msg.RoutingKey,
		"message_id":  msg.ID,
		"retry_count": retry.GetRetryCount(msg),
	}).Info("Processing message")
	return nil
}

// AfterDispatch runs for every message that entered BeforeAdapt, including
// those that failed before routing, so no start time is left behind.
func (l *Logging) AfterDispatch(ctx context.Context, msg *models.Message, err error) {
	fields := logrus.Fields{
		"routing_key": msg.RoutingKey,
		"message_id":  msg.ID,
	}
	if start, ok := l.started.LoadAndDelete(msg); ok {
		fields["elapsed"] = time.Since(start.(time.Time)).String()
	}

	if err != nil {
		l.logger.WithFields(fields).WithError(err).Error("Message dispatch failed")
		return
	}
	l.logger.WithFields(fields).Info("Message dispatched")
}
