package transport

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"wsrpc/protocol"
)

// writeWait bounds a single frame write once heartbeats are enabled.
const writeWait = 10 * time.Second

// WebsocketOptions tune websocket connections.
type WebsocketOptions struct {
	// Heartbeat is the interval between pings. The read side expects some
	// traffic, a pong at least, within two intervals or the connection is
	// dropped with ErrHeartbeatTimeout. Zero disables both.
	Heartbeat time.Duration

	// HandshakeTimeout bounds the opening handshake when dialing.
	HandshakeTimeout time.Duration

	// Header is sent with the dial request.
	Header http.Header

	// Clock schedules heartbeats and judges their replies. Nil means the
	// wall clock.
	Clock clock.Clock
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade turns an incoming HTTP request into a Conn. On failure the
// upgrader has already replied to the client.
func Upgrade(w http.ResponseWriter, r *http.Request, opts WebsocketOptions) (Conn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Annotate(err, "upgrading to websocket")
	}
	return NewWebsocketConn(c, opts), nil
}

// WebsocketDialer dials ws:// and wss:// URLs.
type WebsocketDialer struct {
	Options WebsocketOptions
}

// Dial opens a websocket to url. ctx bounds the handshake only.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.Options.HandshakeTimeout,
	}
	c, resp, err := dialer.DialContext(ctx, url, d.Options.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dialing %s (%s)", url, resp.Status)
		}
		return nil, errors.Annotatef(err, "dialing %s", url)
	}
	return NewWebsocketConn(c, d.Options), nil
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	conn      *websocket.Conn
	clock     clock.Clock
	heartbeat time.Duration

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	tomb      tomb.Tomb
	lastSeen  atomic.Int64 // clock time of the last frame or pong, in ns
	dead      atomic.Bool  // heartbeat timed out
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewWebsocketConn wraps an established gorilla connection.
func NewWebsocketConn(c *websocket.Conn, opts WebsocketOptions) Conn {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	w := &wsConn{
		conn:      c,
		clock:     clk,
		heartbeat: opts.Heartbeat,
	}
	w.seen()
	if w.heartbeat > 0 {
		c.SetPongHandler(func(string) error {
			w.seen()
			return nil
		})
	}
	w.tomb.Go(w.pingLoop)
	return w
}

func (w *wsConn) seen() {
	w.lastSeen.Store(w.clock.Now().UnixNano())
}

// pingLoop pings the remote side every heartbeat and drops the connection
// once nothing, not even a pong, has arrived for two heartbeats.
func (w *wsConn) pingLoop() error {
	if w.heartbeat <= 0 {
		<-w.tomb.Dying()
		return nil
	}
	for {
		select {
		case <-w.tomb.Dying():
			return nil
		case <-w.clock.After(w.heartbeat):
			if silent := w.clock.Now().Sub(time.Unix(0, w.lastSeen.Load())); silent > 2*w.heartbeat {
				logger.Warningf("no heartbeat from %s for %v", w.conn.RemoteAddr(), silent)
				w.dead.Store(true)
				w.conn.Close()
				return nil
			}
			// WriteControl may run concurrently with WriteMessage.
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				logger.Debugf("heartbeat to %s stopped: %v", w.conn.RemoteAddr(), err)
				return nil
			}
		}
	}
}

// readErr reports why reading stopped.
func (w *wsConn) readErr(err error) error {
	switch {
	case w.closed.Load():
		return ErrClosed
	case w.dead.Load():
		return ErrHeartbeatTimeout
	}
	return err
}

// ReadMessage returns the next text or UTF-8 binary frame. A frame longer
// than protocol.MaxFrameSize is consumed in full but returned cut to one byte
// over the limit, for the codec to reject; the connection stays usable.
func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, r, err := w.conn.NextReader()
		if err != nil {
			return nil, w.readErr(err)
		}
		data, err := io.ReadAll(io.LimitReader(r, protocol.MaxFrameSize+1))
		if err == nil && len(data) > protocol.MaxFrameSize {
			_, err = io.Copy(io.Discard, r)
		}
		if err != nil {
			return nil, w.readErr(err)
		}
		w.seen()
		if len(data) > protocol.MaxFrameSize {
			return data, nil
		}
		if typ == websocket.BinaryMessage && !utf8.Valid(data) {
			logger.Warningf("dropping %d byte binary frame from %s: not UTF-8", len(data), w.conn.RemoteAddr())
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.heartbeat > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if w.closed.Load() {
			return ErrClosed
		}
		return errors.Trace(err)
	}
	return nil
}

// Close sends a normal-closure frame and tears the connection down.
func (w *wsConn) Close() error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		w.tomb.Kill(nil)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			logger.Tracef("close frame to %s: %v", w.conn.RemoteAddr(), err)
		}
		w.closeErr = w.conn.Close()
		_ = w.tomb.Wait()
	})
	return w.closeErr
}
