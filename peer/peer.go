// Package peer implements one end of a bidirectional RPC connection.
//
// Both ends of a connection are Peers: either side may call functions the
// other side registered, and calls in both directions share the one
// transport. A Peer is client or server only in how it got its connection
// (Connect dials, Attach adopts an accepted one).
//
//	local Go("double", 21) ──request c1──→ ┐
//	                                       │ websocket │ remote table["double"]
//	local Wait() ←─────response c1──────── ┘
//
//	local table["test"] ←──request r9──── ┐
//	                                       │ websocket │ remote Go("test")
//	                    ───response r9──→ ┘
//
// Every frame is read by a single loop per connection. Inbound requests are
// each handled on their own goroutine so a slow handler never holds up the
// responses to this side's own calls; inbound responses are matched to
// pending calls by call id.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/tomb.v2"

	"wsrpc/codec"
	"wsrpc/dispatch"
	"wsrpc/message"
	"wsrpc/middleware"
	"wsrpc/pending"
	"wsrpc/protocol"
	"wsrpc/transport"
)

var logger = loggo.GetLogger("wsrpc.peer")

const (
	// ErrNotConnected rejects calls made while the connection is not open.
	ErrNotConnected = errors.ConstError("not connected")

	// ErrConnectionClosed rejects pending calls swept when their
	// connection goes away.
	ErrConnectionClosed = errors.ConstError("connection closed")
)

// Config holds the settings of a Peer. The zero value is usable.
type Config struct {
	// Table holds the functions callable by the remote side. Peers
	// accepted by one server share a table. Nil means a fresh table.
	Table *dispatch.Table

	// Codec encodes frames. Nil means JSON.
	Codec codec.Codec

	// Middlewares wrap inbound request handling, outermost first.
	Middlewares []middleware.Middleware

	// CallTimeout rejects outbound calls not answered in time with
	// pending.ErrTimeout. Zero waits forever.
	CallTimeout time.Duration

	// SweepOnClose rejects every pending call with ErrConnectionClosed when
	// the connection closes or is replaced. Otherwise such calls are left
	// waiting (for CallTimeout, if set).
	SweepOnClose bool

	// Dialer opens connections for Connect. Nil means a websocket dialer.
	Dialer transport.Dialer

	// Clock drives call timeouts. Nil means the wall clock.
	Clock clock.Clock

	// IDGenerator returns call ids unique among this peer's pending
	// calls. Nil means random UUIDs.
	IDGenerator func() string

	// OnStateChange is told about every state transition, after the fact
	// and outside the peer's lock.
	OnStateChange func(State)
}

// Peer is one end of an RPC connection. It is safe for concurrent use.
type Peer struct {
	table         *dispatch.Table
	codec         codec.Codec
	pending       *pending.Registry
	handle        middleware.HandlerFunc
	dialer        transport.Dialer
	newID         func() string
	callTimeout   time.Duration
	sweepOnClose  bool
	onStateChange func(State)

	handlers sync.WaitGroup

	mu      sync.Mutex
	state   State
	err     error
	link    *link
	changed chan struct{} // closed and replaced on every transition
	events  []State       // transitions not yet reported to onStateChange
}

// link is one connection attempt and, once established, its read loop.
type link struct {
	url    string
	ctx    context.Context // cancelled when the link ends
	cancel context.CancelFunc
	conn   transport.Conn
	tomb   tomb.Tomb
}

func newLink(url string) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{url: url, ctx: ctx, cancel: cancel}
}

func (l *link) close() {
	l.cancel()
	l.tomb.Kill(nil)
	if l.conn != nil {
		if err := l.conn.Close(); err != nil {
			logger.Debugf("closing %s: %v", l.url, err)
		}
	}
}

// New returns an idle Peer.
func New(cfg Config) *Peer {
	p := &Peer{
		table:         cfg.Table,
		codec:         cfg.Codec,
		pending:       pending.NewRegistry(cfg.Clock),
		dialer:        cfg.Dialer,
		newID:         cfg.IDGenerator,
		callTimeout:   cfg.CallTimeout,
		sweepOnClose:  cfg.SweepOnClose,
		onStateChange: cfg.OnStateChange,
		changed:       make(chan struct{}),
	}
	if p.table == nil {
		p.table = dispatch.NewTable()
	}
	if p.codec == nil {
		p.codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if p.dialer == nil {
		p.dialer = &transport.WebsocketDialer{}
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	p.handle = middleware.Chain(cfg.Middlewares...)(p.invoke)
	return p
}

// RegisterFunction makes h callable by the remote side as name. Registering
// a name again replaces the earlier handler.
func (p *Peer) RegisterFunction(name string, h dispatch.Handler) {
	p.table.Register(name, h)
}

// RegisterFunc registers an ordinary Go function; see dispatch.Func.
func (p *Peer) RegisterFunc(name string, fn any) error {
	return p.table.RegisterFunc(name, fn)
}

// Table returns the peer's dispatch table.
func (p *Peer) Table() *dispatch.Table {
	return p.table
}

// State returns the current connection state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that ended the last connection, if it failed.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// PendingCount returns the number of outbound calls awaiting a response.
func (p *Peer) PendingCount() int {
	return p.pending.Len()
}

// Connect starts connecting to url and returns at once; watch State or use
// WaitOpen to learn the outcome. An existing connection is closed first.
func (p *Peer) Connect(url string) {
	p.replace()
	l := newLink(url)

	p.mu.Lock()
	p.link = l
	p.setStateLocked(Connecting, nil)
	p.unlock()

	go p.dial(l)
}

// ConnectContext connects to url and waits until the connection is open.
func (p *Peer) ConnectContext(ctx context.Context, url string) error {
	p.Connect(url)
	return p.WaitOpen(ctx)
}

// Attach adopts an established connection, typically one accepted by a
// server, and opens the peer on it. An existing connection is closed first.
func (p *Peer) Attach(conn transport.Conn) {
	p.replace()
	l := newLink("attached")

	p.mu.Lock()
	p.link = l
	p.startLocked(l, conn)
	p.unlock()
}

// Close closes the connection. It does not wait for inbound handlers still
// running; see Wait.
func (p *Peer) Close() error {
	p.mu.Lock()
	l := p.link
	p.link = nil
	p.setStateLocked(Closed, nil)
	p.unlock()

	if l != nil {
		l.close()
		p.sweep(ErrConnectionClosed)
	}
	return nil
}

// Wait blocks until every inbound request handler has returned.
func (p *Peer) Wait() {
	p.handlers.Wait()
}

// WaitOpen blocks until the connection is open. It fails with
// ErrNotConnected when the peer is idle or the connection closed.
func (p *Peer) WaitOpen(ctx context.Context) error {
	for {
		p.mu.Lock()
		state, err, changed := p.state, p.err, p.changed
		p.mu.Unlock()

		switch state {
		case Open:
			return nil
		case Idle, Closed:
			if err != nil {
				return fmt.Errorf("%w: %v", ErrNotConnected, err)
			}
			return ErrNotConnected
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// WaitState blocks until the peer reaches want.
func (p *Peer) WaitState(ctx context.Context, want State) error {
	for {
		p.mu.Lock()
		state, changed := p.state, p.changed
		p.mu.Unlock()

		if state == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Go calls the remote function name with args and returns without waiting
// for the answer. Each arg is JSON-encoded; a json.RawMessage is sent as is.
// The returned call is already failed with ErrNotConnected unless the
// connection is open.
func (p *Peer) Go(name string, args ...any) *pending.Call {
	p.mu.Lock()
	l := p.link
	open := p.state == Open && l != nil
	p.mu.Unlock()
	if !open {
		return pending.Failed(name, ErrNotConnected)
	}

	raw, err := marshalArgs(args)
	if err != nil {
		return pending.Failed(name, errors.Annotatef(err, "encoding arguments to %s", name))
	}

	id := p.newID()
	call, err := p.pending.RegisterTimeout(id, name, p.callTimeout)
	if err != nil {
		return pending.Failed(name, err)
	}
	data, err := codec.EncodeEnvelope(p.codec, message.NewRequest(id, name, raw))
	if err == nil {
		logger.Tracef("→ %s", data)
		err = l.conn.WriteMessage(data)
	}
	if err != nil {
		p.pending.Settle(id, pending.Outcome{Err: errors.Annotatef(err, "sending %s", name)})
	}
	return call
}

// Call calls the remote function name and waits for its answer. A failure
// reported by the remote handler is a *message.RemoteError. If ctx ends
// first the call is abandoned and its eventual response ignored.
func (p *Peer) Call(ctx context.Context, name string, args ...any) (json.RawMessage, error) {
	call := p.Go(name, args...)
	value, err := call.Wait(ctx)
	if _, settled := call.Result(); !settled {
		p.pending.Take(call.ID)
	}
	return value, err
}

// CallResult is Call with the result decoded into out.
func (p *Peer) CallResult(ctx context.Context, out any, name string, args ...any) error {
	value, err := p.Call(ctx, name, args...)
	if err != nil {
		return err
	}
	if out == nil || len(value) == 0 {
		return nil
	}
	return errors.Annotatef(json.Unmarshal(value, out), "decoding result of %s", name)
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		if r, ok := arg.(json.RawMessage); ok {
			raw[i] = r
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, errors.Annotatef(err, "argument %d", i)
		}
		raw[i] = data
	}
	return raw, nil
}

// replace detaches and closes the current link, if any.
func (p *Peer) replace() {
	p.mu.Lock()
	old := p.link
	p.link = nil
	p.mu.Unlock()

	if old != nil {
		logger.Debugf("replacing connection to %s", old.url)
		old.close()
		p.sweep(ErrConnectionClosed)
	}
}

func (p *Peer) sweep(err error) {
	if !p.sweepOnClose {
		return
	}
	if n := p.pending.Sweep(err); n > 0 {
		logger.Infof("rejected %d pending calls: %v", n, err)
	}
}

func (p *Peer) dial(l *link) {
	logger.Debugf("dialing %s", l.url)
	conn, err := p.dialer.Dial(l.ctx, l.url)

	p.mu.Lock()
	if p.link != l {
		// Closed or replaced while dialing.
		p.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		p.link = nil
		logger.Warningf("cannot connect to %s: %v", l.url, err)
		p.setStateLocked(Errored, err)
		p.setStateLocked(Closed, err)
		p.unlock()
		l.cancel()
		return
	}
	logger.Infof("connected to %s", l.url)
	p.startLocked(l, conn)
	p.unlock()
}

// startLocked opens the peer on conn and starts reading from it.
func (p *Peer) startLocked(l *link, conn transport.Conn) {
	l.conn = conn
	p.setStateLocked(Open, nil)
	l.tomb.Go(func() error {
		return p.readLoop(l)
	})
	go p.watch(l)
}

// watch waits for l's read loop to end and moves the peer to Closed,
// through Errored if the connection failed.
func (p *Peer) watch(l *link) {
	err := l.tomb.Wait()
	l.close()

	p.mu.Lock()
	if p.link != l {
		p.mu.Unlock()
		return
	}
	p.link = nil
	if transport.IsNormalClose(err) {
		logger.Infof("connection to %s closed", l.url)
		p.setStateLocked(Closed, nil)
	} else {
		logger.Warningf("connection to %s failed: %v", l.url, err)
		p.setStateLocked(Errored, err)
		p.setStateLocked(Closed, err)
	}
	p.unlock()

	p.sweep(ErrConnectionClosed)
}

func (p *Peer) readLoop(l *link) error {
	for {
		data, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		logger.Tracef("← %s", data)

		env, err := codec.DecodeEnvelope(p.codec, data)
		if err != nil {
			logger.Warningf("dropping frame from %s: %v", l.url, err)
			continue
		}
		if env.IsRequest() {
			p.handlers.Add(1)
			go p.serve(l, env)
			continue
		}
		p.settle(env)
	}
}

// settle completes the pending call answered by resp.
func (p *Peer) settle(resp *message.Envelope) {
	call, ok := p.pending.Take(resp.CallID)
	if !ok {
		logger.Warningf("dropping response for unknown call %q", resp.CallID)
		return
	}
	if resp.HasError() {
		call.Settle(pending.Outcome{Err: &message.RemoteError{
			CallID: resp.CallID,
			Name:   call.Name,
			Value:  resp.Error,
		}})
		return
	}
	call.Settle(pending.Outcome{Value: resp.RetVal})
}

// serve handles one inbound request and writes exactly one response.
func (p *Peer) serve(l *link, req *message.Envelope) {
	defer p.handlers.Done()

	var resp *message.Envelope
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic handling %s (call %s): %v\n%s", req.Name, req.CallID, r, debug.Stack())
				resp = message.NewErrorResponse(req.CallID, fmt.Errorf("handler panic: %v", r))
			}
		}()
		resp = p.handle(middleware.WithHandlers(l.ctx, &p.handlers), req)
	}()
	if resp == nil {
		resp = message.NewErrorResponse(req.CallID, errors.Errorf("%s produced no response", req.Name))
	}
	resp.Type = protocol.MsgTypeResponse
	resp.CallID = req.CallID

	data, err := codec.EncodeEnvelope(p.codec, resp)
	if err != nil {
		logger.Errorf("cannot encode response to %s (call %s): %v", req.Name, req.CallID, err)
		data, _ = codec.EncodeEnvelope(p.codec, message.NewErrorResponse(req.CallID, err))
	}
	logger.Tracef("→ %s", data)
	if err := l.conn.WriteMessage(data); err != nil {
		logger.Warningf("cannot answer %s (call %s): %v", req.Name, req.CallID, err)
	}
}

// invoke is the innermost request handler: it runs the registered function.
func (p *Peer) invoke(ctx context.Context, req *message.Envelope) *message.Envelope {
	h, ok := p.table.Lookup(req.Name)
	if !ok {
		err := dispatch.NoSuchFunction(req.Name)
		logger.Warningf("call %s: %v", req.CallID, err)
		return message.NewErrorResponse(req.CallID, err)
	}

	r := <-dispatch.Invoke(ctx, h, req.Args)
	if r.Err != nil {
		logger.Infof("%s (call %s) failed: %v", req.Name, req.CallID, r.Err)
		return message.NewErrorResponse(req.CallID, r.Err)
	}
	if r.Value == nil {
		return message.NewResponse(req.CallID, nil)
	}
	retVal, err := json.Marshal(r.Value)
	if err != nil {
		err = errors.Annotatef(err, "encoding result of %s", req.Name)
		logger.Errorf("call %s: %v", req.CallID, err)
		return message.NewErrorResponse(req.CallID, err)
	}
	return message.NewResponse(req.CallID, retVal)
}

func (p *Peer) setStateLocked(s State, err error) {
	if p.state == s {
		return
	}
	logger.Debugf("state %s → %s", p.state, s)
	p.state = s
	p.err = err
	close(p.changed)
	p.changed = make(chan struct{})
	p.events = append(p.events, s)
}

// unlock releases p.mu and then reports queued transitions.
func (p *Peer) unlock() {
	events := p.events
	p.events = nil
	p.mu.Unlock()

	if p.onStateChange == nil {
		return
	}
	for _, s := range events {
		p.onStateChange(s)
	}
}
