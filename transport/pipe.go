package transport

import (
	"sync"
)

// pipeBuffer is how many frames may queue on one direction of a pipe before
// WriteMessage blocks.
const pipeBuffer = 64

type pipeShared struct {
	once sync.Once
	done chan struct{}
	err  error
}

// PipeConn is one end of an in-memory connection created by Pipe.
type PipeConn struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
}

// Pipe returns two connected in-memory ends. Frames written to one end are
// read from the other in order. Closing either end closes both.
func Pipe() (*PipeConn, *PipeConn) {
	a2b := make(chan []byte, pipeBuffer)
	b2a := make(chan []byte, pipeBuffer)
	shared := &pipeShared{done: make(chan struct{})}
	return &PipeConn{in: b2a, out: a2b, shared: shared},
		&PipeConn{in: a2b, out: b2a, shared: shared}
}

func (p *PipeConn) ReadMessage() ([]byte, error) {
	// Frames already queued are delivered before the close is observed.
	select {
	case data := <-p.in:
		return data, nil
	default:
	}
	select {
	case data := <-p.in:
		return data, nil
	case <-p.shared.done:
		return nil, p.shared.err
	}
}

func (p *PipeConn) WriteMessage(data []byte) error {
	frame := append([]byte(nil), data...)
	select {
	case <-p.shared.done:
		return p.shared.err
	default:
	}
	select {
	case p.out <- frame:
		return nil
	case <-p.shared.done:
		return p.shared.err
	}
}

// Close closes both ends normally.
func (p *PipeConn) Close() error {
	p.CloseWithError(ErrClosed)
	return nil
}

// CloseWithError closes both ends; pending and later reads and writes on
// either end fail with err. It simulates a connection that drops.
func (p *PipeConn) CloseWithError(err error) {
	p.shared.once.Do(func() {
		p.shared.err = err
		close(p.shared.done)
	})
}
