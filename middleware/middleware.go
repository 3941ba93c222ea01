// Package middleware wraps the handling of inbound requests.
//
// Every request a peer receives travels through the chain before it reaches
// the dispatch table, and the response travels back out through the same
// layers in reverse:
//
//	request ─→ Logging ─→ Timeout ─→ RateLimit ─→ dispatch ─┐
//	response ←─────────────────────────────────────────────┘
//
// A middleware must always return a response for the request's call id,
// even when it short-circuits the chain.
package middleware

import (
	"context"
	"sync"

	"github.com/juju/loggo"

	"wsrpc/message"
)

var logger = loggo.GetLogger("wsrpc.middleware")

// HandlerFunc turns one inbound request into its response.
type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type handlersKey struct{}

// WithHandlers returns ctx carrying the wait group the host uses to wait
// for request handlers. A middleware that runs the rest of the chain on
// another goroutine registers that goroutine in it, so the host still
// waits for a handler that outlives its response.
func WithHandlers(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, handlersKey{}, wg)
}

// goHandler runs f on a new goroutine counted in ctx's handler group.
func goHandler(ctx context.Context, f func()) {
	wg, _ := ctx.Value(handlersKey{}).(*sync.WaitGroup)
	if wg == nil {
		go f()
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		f()
	}()
}
