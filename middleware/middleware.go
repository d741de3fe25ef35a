// Package middleware provides the handler chain shared by the client (around
// each outgoing call) and the server (around each dispatched request).
package middleware

import (
	"context"

	"poolrpc/message"
)

// HandlerFunc handles one request. A non-nil error is a failure of the call
// itself; a remote handler failure is reported through Response.Error.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one. Chain(A, B, C)(h) runs A first:
// A.before → B.before → C.before → h → C.after → B.after → A.after
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
