package middleware

import (
	"context"
	"time"

	"github.com/FLCN-16/nest-microservices/message"
)

const errTimedOut = "request timed out"

// TimeoutMiddleware answers with an error once timeout elapses. The handler
// keeps running with a cancelled ctx; its late result is discarded.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return failure(req, errTimedOut)
			}
		}
	}
}
