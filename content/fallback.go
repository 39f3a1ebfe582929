package content

import (
	"context"
	"time"
)

// DefaultTimeout is how long Fallback waits on the primary producer.
const DefaultTimeout = 1200 * time.Millisecond

// Producer yields a value or an error.
type Producer[T any] func(ctx context.Context) (T, error)

// Fallback runs primary and returns its result if it succeeds within timeout.
// If primary fails or the timeout elapses first, secondary is called and its
// result is returned unchanged; the primary error is dropped.
//
// The secondary is not raced against a timer. The primary is not cancelled
// when the secondary is chosen: it runs to completion on its own goroutine and
// its result is discarded.
func Fallback[T any](ctx context.Context, primary, secondary Producer[T], timeout time.Duration) (T, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	type result struct {
		v   T
		err error
	}
	// Buffered so a late primary can always deliver and exit.
	done := make(chan result, 1)
	go func() {
		v, err := primary(ctx)
		done <- result{v: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err == nil {
			return r.v, nil
		}
	case <-timer.C:
	}
	return secondary(ctx)
}
