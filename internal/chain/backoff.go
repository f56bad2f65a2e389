package chain

import (
	"context"
	"time"
)

// Backoff runs fn up to attempts times, sleeping base between tries and
// growing the sleep by multiplier each attempt. The last error is returned
// once the budget is spent; a ctx cancellation stops the wait early.
func Backoff(ctx context.Context, attempts int, base time.Duration, multiplier float64, fn func(context.Context) error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
	return err
}
