// Package protocol defines the wire vocabulary of the duplex RPC protocol.
//
// Every WebSocket text frame carries exactly one JSON envelope. Either side may
// send a request at any time; the matching response travels back on the same
// connection and is correlated by callId, never by arrival order:
//
//	peer A                                  peer B
//	  ── {"type":"request","callId":"c1",...} ──►
//	  ── {"type":"request","callId":"c2",...} ──►
//	  ◄── {"type":"request","callId":"x9",...} ──   (B calls into A meanwhile)
//	  ◄── {"type":"response","callId":"c2",...} ─   (c2 finished first)
//	  ── {"type":"response","callId":"x9",...} ──►
//	  ◄── {"type":"response","callId":"c1",...} ─
package protocol

// MsgType discriminates the two envelope variants.
type MsgType string

const (
	MsgTypeRequest  MsgType = "request"  // Either side → remote function call
	MsgTypeResponse MsgType = "response" // Reply to a request, same callId
)

// Valid reports whether t is a message type this protocol understands.
func (t MsgType) Valid() bool {
	return t == MsgTypeRequest || t == MsgTypeResponse
}

// MaxFrameSize bounds a single inbound frame. Larger frames are dropped as
// undecodable.
const MaxFrameSize = 16 << 20

// NoSuchFunctionPrefix starts the error value sent back when a request names
// a function the receiver never registered.
const NoSuchFunctionPrefix = "no such function"
