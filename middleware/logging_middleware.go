package middleware

import (
	"context"
	"time"

	"poolrpc/log"
	"poolrpc/message"
)

func LoggingMiddleware() Middleware {
	logger := log.Component("middleware")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			entry := logger.WithFields(log.Fields{
				"service":  req.Service,
				"method":   req.Method,
				"duration": time.Since(start),
			})
			switch {
			case err != nil:
				entry.WithError(err).Warn("call failed")
			case resp != nil && resp.Error != "":
				entry.WithField("remote_error", resp.Error).Info("call returned error")
			default:
				entry.Debug("call done")
			}
			return resp, err
		}
	}
}
