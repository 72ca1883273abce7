package connectivity

import (
	"context"
	"time"
)

// WithTimeout returns a HandlerMiddleware that applies a per-call deadline.
// A zero or negative duration disables the timeout entirely.
func WithTimeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return next(ctx, payload)
		}
	}
}
