// Package transport carries whole text frames between two peers.
//
// A Conn is message-oriented: every WriteMessage produces exactly one frame on
// the other side and every ReadMessage returns exactly one frame. Reads happen
// on a single goroutine per connection; writes may come from many goroutines
// and are serialized by the implementation so frames never interleave.
//
//	peer A                                        peer B
//	  handler goroutines ──WriteMessage──┐
//	  caller goroutines  ──WriteMessage──┼──→ one websocket ──→ read loop
//	  read loop ←──────────────────────────────────────────── WriteMessage
//
// Two implementations are provided: a gorilla/websocket connection (Dial and
// Upgrade) and an in-memory Pipe used to wire peers together in tests.
package transport

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
	jujuerrors "github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("wsrpc.transport")

// ErrClosed is returned by operations on a connection that was closed
// normally, by either side.
const ErrClosed = jujuerrors.ConstError("connection closed")

// ErrHeartbeatTimeout ends a websocket connection whose remote side stopped
// answering pings.
const ErrHeartbeatTimeout = jujuerrors.ConstError("heartbeat timed out")

// Conn is one bidirectional frame-oriented connection.
type Conn interface {
	// ReadMessage blocks until the next frame arrives. Only one goroutine
	// may read at a time.
	ReadMessage() ([]byte, error)

	// WriteMessage sends data as a single frame. It is safe to call from
	// several goroutines.
	WriteMessage(data []byte) error

	// Close shuts the connection down and unblocks a pending ReadMessage.
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// IsNormalClose reports whether err ends a connection in an orderly way:
// a local Close, or a close frame from the remote side with a normal or
// going-away status.
func IsNormalClose(err error) bool {
	if errors.Is(err, ErrClosed) {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
