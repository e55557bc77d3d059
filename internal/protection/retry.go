package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calebwestray/protectbot/internal/domain"
)

// RetryPolicy bounds how hard the coordinator pushes a failing venue call
// before falling back to the fail-safe path.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy retries three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// retryable classifies venue errors. Validation failures and state-machine
// violations will not heal on retry; timeouts, throttling, and transient
// conflicts might.
func retryable(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInvalidRisk),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrQuantityMismatch):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// Do runs fn up to MaxAttempts times, backing off between attempts. The
// context bounds the whole sequence; a cancelled context stops immediately.
func (r RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.InitialDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			break
		}
		logger.Warn("venue call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return fmt.Errorf("protection: %s: %w", op, ctx.Err())
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * r.BackoffFactor)
		if r.MaxDelay > 0 && delay > r.MaxDelay {
			delay = r.MaxDelay
		}
	}
	return fmt.Errorf("protection: %s: %w", op, err)
}
