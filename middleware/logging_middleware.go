package middleware

import (
	"context"
	"time"

	"github.com/FLCN-16/nest-microservices/message"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LoggingMiddleware logs every request with its pattern and duration, at
// warn level when the handler returned an error.
func LoggingMiddleware(logger log.Logger) Middleware {
	logger = log.With(logger, "component", "rpc_server")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			if resp.Failed() {
				level.Warn(logger).Log("pattern", req.Pattern, "took", time.Since(start), "err", resp.Error)
			} else {
				level.Debug(logger).Log("pattern", req.Pattern, "took", time.Since(start))
			}
			return resp
		}
	}
}
