package reconciler

import (
	"context"
	"time"
)

// withGrace returns a context that is not cancelled with parent right away:
// once parent is done it stays alive for grace more, then is cancelled.
// stop releases it immediately.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-parent.Done():
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			cancel()
		}
	}()

	return ctx, cancel
}
