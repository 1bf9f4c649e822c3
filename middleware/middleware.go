// Package middleware wraps server request handlers. A Middleware takes the
// next handler and returns one that runs around it.
package middleware

import (
	"context"

	"github.com/FLCN-16/nest-microservices/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that Chain(A, B, C)(h) == A(B(C(h))):
// A runs first on the way in and last on the way out.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// failure builds an error response for req.
func failure(req *message.RPCMessage, text string) *message.RPCMessage {
	return &message.RPCMessage{Pattern: req.Pattern, Error: text}
}
