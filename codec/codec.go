// Package codec turns envelopes into WebSocket text frames and back.
package codec

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"wsrpc/message"
	"wsrpc/protocol"
)

var logger = loggo.GetLogger("wsrpc.codec")

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

const (
	// ErrDecode marks an inbound frame that could not be parsed into an envelope.
	ErrDecode = errors.ConstError("malformed frame")

	// ErrUnknownMsgType marks a well-formed envelope whose type is not understood.
	ErrUnknownMsgType = errors.ConstError("unknown message type")
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON
}

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	default:
		logger.Warningf("unknown codec type %d, using JSON", codecType)
		return &JSONCodec{}
	}
}

// EncodeEnvelope serialises env with c. Envelopes of an unknown type are
// refused so nothing the remote side would drop is ever written.
func EncodeEnvelope(c Codec, env *message.Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("encoding %q envelope: %w", env.Type, ErrUnknownMsgType)
	}
	data, err := c.Encode(env)
	if err != nil {
		return nil, errors.Annotatef(err, "encoding %s %s", env.Type, env.CallID)
	}
	return data, nil
}

// DecodeEnvelope parses one inbound frame. Failures wrap ErrDecode or
// ErrUnknownMsgType; callers are expected to log and drop the frame.
func DecodeEnvelope(c Codec, data []byte) (*message.Envelope, error) {
	if len(data) > protocol.MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d: %w", len(data), protocol.MaxFrameSize, ErrDecode)
	}
	env := &message.Envelope{}
	if err := c.Decode(data, env); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrDecode)
	}
	switch env.Type {
	case protocol.MsgTypeRequest:
		// A request without a name is still answered, as a missing function.
		if env.CallID == "" {
			return nil, fmt.Errorf("request without callId: %w", ErrDecode)
		}
	case protocol.MsgTypeResponse:
		if env.CallID == "" {
			return nil, fmt.Errorf("response without callId: %w", ErrDecode)
		}
	default:
		return nil, fmt.Errorf("%q: %w", env.Type, ErrUnknownMsgType)
	}
	return env, nil
}
