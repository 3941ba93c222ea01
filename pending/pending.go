// Package pending tracks locally initiated calls that are waiting for the
// remote peer to answer.
//
// Every outbound request is registered here before it is written, keyed by
// its call id. When the matching response arrives the entry is taken out
// (atomically removed) and settled exactly once:
//
//	Go("double", 21) ── Register("c1") ── write request ──►
//	                                                        (remote works)
//	read loop ◄── response c1 ── Take("c1") ── settle ── Wait() returns 42
//
// A response whose id is not registered (already settled, timed out, or never
// issued) finds nothing to take and is dropped by the caller.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// ErrTimeout rejects a call whose response did not arrive in time.
const ErrTimeout = errors.ConstError("call timed out")

// Outcome is the settlement of a call: a value on success, Err on failure.
type Outcome struct {
	Value json.RawMessage
	Err   error
}

// Call is a single-shot future for one outbound request.
type Call struct {
	ID   string
	Name string

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newCall(id, name string) *Call {
	return &Call{
		ID:   id,
		Name: name,
		done: make(chan struct{}),
	}
}

// Failed returns a call that is already rejected with err.
func Failed(name string, err error) *Call {
	c := newCall("", name)
	c.Settle(Outcome{Err: err})
	return c
}

// Settle records o unless the call was already settled. It reports whether
// this was the settling attempt.
func (c *Call) Settle(o Outcome) bool {
	settled := false
	c.once.Do(func() {
		c.outcome = o
		close(c.done)
		settled = true
	})
	return settled
}

// Done is closed once the call is settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome without blocking. ok is false while the call is
// still pending.
func (c *Call) Result() (Outcome, bool) {
	select {
	case <-c.done:
		return c.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the call settles or ctx is done.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.outcome.Value, c.outcome.Err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Decode waits for the call and unmarshals a successful result into out.
// An absent result leaves out untouched.
func (c *Call) Decode(ctx context.Context, out any) error {
	value, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(value) == 0 {
		return nil
	}
	return errors.Annotatef(json.Unmarshal(value, out), "decoding result of %s", c.Name)
}

type entry struct {
	call  *Call
	timer clock.Timer
}

// Registry maps call ids to pending calls.
type Registry struct {
	clock clock.Clock

	mu    sync.Mutex
	calls map[string]*entry
}

// NewRegistry returns an empty registry. A nil clock means the wall clock.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Registry{
		clock: clk,
		calls: make(map[string]*entry),
	}
}

// Register adds a pending call under id.
func (r *Registry) Register(id, name string) (*Call, error) {
	return r.RegisterTimeout(id, name, 0)
}

// RegisterTimeout adds a pending call under id that is rejected with
// ErrTimeout if nothing settles it within timeout. A zero timeout waits
// forever.
func (r *Registry) RegisterTimeout(id, name string, timeout time.Duration) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[id]; ok {
		return nil, errors.AlreadyExistsf("pending call %q", id)
	}
	e := &entry{call: newCall(id, name)}
	if timeout > 0 {
		e.timer = r.clock.AfterFunc(timeout, func() {
			r.Settle(id, Outcome{Err: fmt.Errorf("%s after %v: %w", name, timeout, ErrTimeout)})
		})
	}
	r.calls[id] = e
	return e.call, nil
}

// Take removes and returns the call registered under id.
func (r *Registry) Take(id string) (*Call, bool) {
	r.mu.Lock()
	e, ok := r.calls[id]
	if ok {
		delete(r.calls, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	return e.call, true
}

// Settle takes the call registered under id and settles it with o. It
// reports false when no such call is pending.
func (r *Registry) Settle(id string, o Outcome) bool {
	call, ok := r.Take(id)
	if !ok {
		return false
	}
	return call.Settle(o)
}

// Sweep rejects every pending call with err and empties the registry. It
// returns how many calls were rejected.
func (r *Registry) Sweep(err error) int {
	r.mu.Lock()
	entries := r.calls
	r.calls = make(map[string]*entry)
	r.mu.Unlock()

	n := 0
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.call.Settle(Outcome{Err: err}) {
			n++
		}
	}
	return n
}

// Len returns the number of pending calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
