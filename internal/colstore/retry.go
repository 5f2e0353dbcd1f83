package colstore

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// NewRetryLimiter returns a limiter allowing perSecond attempts with the
// given burst, suitable for Retry.
func NewRetryLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Retry calls fn until it returns nil or an error other than
// ErrLockContention, pacing attempts with limiter. When ctx ends first, or
// the limiter cannot grant an attempt before its deadline, the last
// contention error is returned joined with that reason.
//
// Operations in this package never wait for locks; Retry is the caller-side
// backoff policy.
func Retry(ctx context.Context, limiter *rate.Limiter, fn func() error) error {
	var last error
	for {
		if err := limiter.Wait(ctx); err != nil {
			return errors.Join(last, err)
		}
		last = fn()
		if last == nil || !errors.Is(last, ErrLockContention) {
			return last
		}
		select {
		case <-ctx.Done():
			return errors.Join(last, ctx.Err())
		default:
		}
	}
}

// RetryFor is Retry bounded by timeout.
func RetryFor(ctx context.Context, timeout time.Duration, limiter *rate.Limiter, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return Retry(ctx, limiter, fn)
}
