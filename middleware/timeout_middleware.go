package middleware

import (
	"context"
	"time"

	"github.com/juju/errors"

	"wsrpc/message"
)

// ErrHandlerTimeout is the failure sent back when a handler overruns.
const ErrHandlerTimeout = errors.ConstError("request timed out")

// TimeOutMiddleware answers with ErrHandlerTimeout when the rest of the chain
// takes longer than timeout. The handler's context is cancelled; whatever it
// returns afterwards is discarded. The handler keeps counting in the group
// given by WithHandlers until it actually returns.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			goHandler(ctx, func() {
				done <- next(ctx, req)
			})

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewErrorResponse(req.CallID, ErrHandlerTimeout)
			}
		}
	}
}
