package middleware

import (
	"context"
	"time"

	"wsrpc/message"
)

// LoggingMiddleware logs each handled request with its duration, and the
// failure if the handler reported one.
func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp == nil {
				logger.Errorf("%s (call %s) produced no response after %s", req.Name, req.CallID, duration)
				return nil
			}
			if resp.HasError() {
				logger.Infof("%s (call %s) failed after %s: %s", req.Name, req.CallID, duration, resp.Error)
				return resp
			}
			logger.Debugf("%s (call %s) took %s", req.Name, req.CallID, duration)
			return resp
		}
	}
}
