package middleware

import (
	"context"
	"fmt"

	"go-listener/pkg/models"

	"golang.org/x/time/rate"
)

// Throttle caps how fast messages enter the adapter.
type Throttle struct {
	limiter *rate.Limiter
}

func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttle) BeforeAdapt(ctx context.Context, msg *models.Message) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}
