package middleware

import (
	"context"

	"github.com/FLCN-16/nest-microservices/message"
	"golang.org/x/time/rate"
)

const errRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects requests beyond a token bucket of r per second
// with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return failure(req, errRateLimited)
			}
			return next(ctx, req)
		}
	}
}
