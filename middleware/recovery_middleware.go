package middleware

import (
	"context"
	"fmt"

	"github.com/FLCN-16/nest-microservices/message"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// RecoveryMiddleware turns a handler panic into an error response so one bad
// request cannot take the connection down.
func RecoveryMiddleware(logger log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if r := recover(); r != nil {
					level.Error(logger).Log("msg", "handler panic", "pattern", req.Pattern, "panic", fmt.Sprint(r))
					resp = failure(req, "internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}
