package middleware

import (
	"context"

	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"wsrpc/message"
)

// ErrRateLimited is the failure sent back for requests over the limit.
const ErrRateLimited = errors.ConstError("rate limit exceeded")

// RateLimitMiddleware admits requests through a token bucket refilled at r
// per second holding up to burst tokens. Requests that find the bucket empty
// are refused immediately rather than queued.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				logger.Warningf("refusing %s (call %s): %v", req.Name, req.CallID, ErrRateLimited)
				return message.NewErrorResponse(req.CallID, ErrRateLimited)
			}
			return next(ctx, req)
		}
	}
}
