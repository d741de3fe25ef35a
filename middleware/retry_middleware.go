package middleware

import (
	"context"
	"time"

	"poolrpc/log"
	"poolrpc/message"
)

type temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err, or anything it wraps, says it is temporary.
func IsTemporary(err error) bool {
	for err != nil {
		if t, ok := err.(temporary); ok && t.Temporary() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// RetryMiddleware re-issues a call that failed with a temporary error, backing
// off exponentially from baseDelay. Remote errors and permanent failures are
// returned as is.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	logger := log.Component("middleware")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !IsTemporary(err) {
					return resp, err
				}
				logger.WithFields(log.Fields{
					"service": req.Service,
					"method":  req.Method,
					"attempt": i + 1,
				}).WithError(err).Info("retrying call")

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
