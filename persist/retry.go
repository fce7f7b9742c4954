package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/K3das/diction/utils"
	"go.uber.org/zap"
)

var ErrRetriesExhausted = errors.New("store retries exhausted")

// RetryPolicy retries operations failing with a transient fault a bounded
// number of times, waiting a fixed delay between tries.
type RetryPolicy struct {
	log *zap.Logger

	retries     int
	delay       time.Duration
	isTransient func(error) bool

	// called before every retry
	onRetry func()
}

func NewRetryPolicy(parentLogger *zap.Logger, retries int, delay time.Duration, isTransient func(error) bool) *RetryPolicy {
	if isTransient == nil {
		isTransient = func(error) bool { return false }
	}
	return &RetryPolicy{
		log:         parentLogger.Named("retry"),
		retries:     retries,
		delay:       delay,
		isTransient: isTransient,
	}
}

// Do runs op until it succeeds, fails permanently or the retries run out.
// Every retry is logged under correlationID.
func (p *RetryPolicy) Do(ctx context.Context, correlationID string, op func(ctx context.Context) error) error {
	log := utils.GetLogFromContext(ctx, p.log).With(zap.String("correlation_id", correlationID))

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !p.isTransient(err) {
			return err
		}
		if attempt >= p.retries {
			return fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, attempt, err)
		}

		log.Warn("retrying transient store fault",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", p.delay),
			zap.Error(err),
		)
		if p.onRetry != nil {
			p.onRetry()
		}

		timer := time.NewTimer(p.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting to retry: %w", ctx.Err())
		case <-timer.C:
		}
	}
}
