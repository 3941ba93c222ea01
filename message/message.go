// Package message defines the envelope exchanged between two RPC peers.
//
// An Envelope is either a request or a response. Argument, return and error
// values stay as raw JSON here; they are only given Go types at the edges
// (by dispatch on the receiving side, by the caller on the calling side).
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"wsrpc/protocol"
)

// Envelope carries a single request or response.
//
//   - On request:  CallID, Name and Args are set.
//   - On response: CallID is set, plus RetVal on success or Error on failure.
//     Neither set means success with no value.
type Envelope struct {
	Type   protocol.MsgType
	CallID string
	Name   string
	Args   []json.RawMessage
	RetVal json.RawMessage
	Error  json.RawMessage
}

type requestWire struct {
	Type   protocol.MsgType  `json:"type"`
	CallID string            `json:"callId"`
	Name   string            `json:"name"`
	Args   []json.RawMessage `json:"args"`
}

type responseWire struct {
	Type   protocol.MsgType `json:"type"`
	CallID string           `json:"callId"`
	RetVal json.RawMessage  `json:"retVal,omitempty"`
	Error  json.RawMessage  `json:"error,omitempty"`
}

type anyWire struct {
	Type   protocol.MsgType  `json:"type"`
	CallID string            `json:"callId"`
	Name   string            `json:"name"`
	Args   []json.RawMessage `json:"args"`
	RetVal json.RawMessage   `json:"retVal"`
	Error  json.RawMessage   `json:"error"`
}

var jsonNull = []byte("null")

// NewRequest builds a request envelope. A nil args slice is normalised to an
// empty one so the request always carries an args array.
func NewRequest(callID, name string, args []json.RawMessage) *Envelope {
	if args == nil {
		args = []json.RawMessage{}
	}
	return &Envelope{
		Type:   protocol.MsgTypeRequest,
		CallID: callID,
		Name:   name,
		Args:   args,
	}
}

// NewResponse builds a successful response envelope.
func NewResponse(callID string, retVal json.RawMessage) *Envelope {
	return &Envelope{
		Type:   protocol.MsgTypeResponse,
		CallID: callID,
		RetVal: retVal,
	}
}

// NewErrorResponse builds a failed response whose error value is the text of
// err. A *RemoteError is relayed with its original value.
func NewErrorResponse(callID string, err error) *Envelope {
	var value json.RawMessage
	var remote *RemoteError
	if errors.As(err, &remote) && len(remote.Value) > 0 {
		value = remote.Value
	} else {
		value, _ = json.Marshal(err.Error())
	}
	return &Envelope{
		Type:   protocol.MsgTypeResponse,
		CallID: callID,
		Error:  value,
	}
}

// IsRequest reports whether e is a request.
func (e *Envelope) IsRequest() bool {
	return e.Type == protocol.MsgTypeRequest
}

// HasError reports whether the response carries an error value. Presence is
// what counts: a falsy error value still marks the call as failed.
func (e *Envelope) HasError() bool {
	return len(e.Error) > 0
}

// MarshalJSON encodes the variant-specific wire shape.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	if e.Type == protocol.MsgTypeRequest {
		args := e.Args
		if args == nil {
			args = []json.RawMessage{}
		}
		return json.Marshal(requestWire{
			Type:   e.Type,
			CallID: e.CallID,
			Name:   e.Name,
			Args:   args,
		})
	}
	return json.Marshal(responseWire{
		Type:   e.Type,
		CallID: e.CallID,
		RetVal: e.RetVal,
		Error:  e.Error,
	})
}

// UnmarshalJSON decodes either variant. JSON null in retVal or error is
// treated the same as the field being absent.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w anyWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		Type:   w.Type,
		CallID: w.CallID,
		Name:   w.Name,
		Args:   w.Args,
		RetVal: dropNull(w.RetVal),
		Error:  dropNull(w.Error),
	}
	if e.Type == protocol.MsgTypeRequest && e.Args == nil {
		e.Args = []json.RawMessage{}
	}
	return nil
}

func dropNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return nil
	}
	return raw
}

// RemoteError is the failure a caller sees when the remote handler failed.
// Value holds the error exactly as the remote peer sent it.
type RemoteError struct {
	CallID string
	Name   string
	Value  json.RawMessage
}

// Error returns the remote error text. String values are unquoted; any other
// JSON value is returned verbatim.
func (e *RemoteError) Error() string {
	var text string
	if err := json.Unmarshal(e.Value, &text); err == nil {
		return fmt.Sprintf("remote %s: %s", e.Name, text)
	}
	return fmt.Sprintf("remote %s: %s", e.Name, string(e.Value))
}

// Message returns just the remote error text without the function prefix.
func (e *RemoteError) Message() string {
	var text string
	if err := json.Unmarshal(e.Value, &text); err == nil {
		return text
	}
	return string(e.Value)
}
