package repository

import (
	"context"
	"time"
)

// StartSweepWorker runs fn on a fixed interval until ctx is cancelled. Each
// invocation is self-contained, so cancelling between ticks is always safe.
func StartSweepWorker(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}
