// Package dispatch holds the functions a peer exposes to its remote side.
//
// The table is flat: a function name maps to one Handler, and registering a
// name again replaces the previous handler. Handlers receive the request's
// arguments as raw JSON, in order; Func adapts an ordinary Go function by
// decoding each argument into the matching parameter type.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"wsrpc/protocol"
)

var logger = loggo.GetLogger("wsrpc.dispatch")

// ErrNoSuchFunction is reported when a request names an unregistered function.
const ErrNoSuchFunction = errors.ConstError(protocol.NoSuchFunctionPrefix)

// NoSuchFunction returns the error sent back for an unknown function name.
func NoSuchFunction(name string) error {
	return fmt.Errorf("%w %q", ErrNoSuchFunction, name)
}

// Handler serves one remotely callable function.
type Handler interface {
	Call(ctx context.Context, args []json.RawMessage) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, args []json.RawMessage) (any, error)

func (f HandlerFunc) Call(ctx context.Context, args []json.RawMessage) (any, error) {
	return f(ctx, args)
}

// Result is the completion of one handler invocation.
type Result struct {
	Value any
	Err   error
}

// AsyncHandlerFunc starts work and delivers its completion later on the
// returned channel. Exactly one Result is read from the channel.
type AsyncHandlerFunc func(ctx context.Context, args []json.RawMessage) <-chan Result

func (f AsyncHandlerFunc) Call(ctx context.Context, args []json.RawMessage) (any, error) {
	ch := f(ctx, args)
	if ch == nil {
		return nil, errors.New("async handler returned no result channel")
	}
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, errors.New("async handler closed its result channel without a result")
		}
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Invoke runs h in its own goroutine and delivers exactly one Result on the
// returned channel. A panicking handler is reported as a failure.
func Invoke(ctx context.Context, h Handler, args []json.RawMessage) <-chan Result {
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("handler panic: %v\n%s", r, debug.Stack())
				done <- Result{Err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		value, err := h.Call(ctx, args)
		done <- Result{Value: value, Err: err}
	}()
	return done
}

// Table maps function names to handlers. It is safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register makes h callable as name, replacing any earlier handler.
func (t *Table) Register(name string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[name]; ok {
		logger.Debugf("replacing handler for %q", name)
	}
	t.handlers[name] = h
}

// RegisterFunc wraps fn with Func and registers it as name.
func (t *Table) RegisterFunc(name string, fn any) error {
	h, err := Func(fn)
	if err != nil {
		return errors.Annotatef(err, "registering %q", name)
	}
	t.Register(name, h)
	return nil
}

// Unregister removes name from the table.
func (t *Table) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, name)
}

// Lookup returns the handler registered as name.
func (t *Table) Lookup(name string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[name]
	return h, ok
}

// Names returns the registered function names in sorted order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
