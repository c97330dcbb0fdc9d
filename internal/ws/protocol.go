package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/rafket/vscode-hub/internal/model"
)

// Type names a frame on the wire.
type Type string

const (
	// Client -> Server
	TypeInput  Type = "input"
	TypeResize Type = "resize"
	TypePing   Type = "ping"
	TypeClose  Type = "close"

	// Server -> Client
	TypeOutput Type = "output"
	TypePong   Type = "pong"
	TypeExit   Type = "exit"
	TypeError  Type = "error"
)

// Websocket subprotocols naming the frame encodings.
const (
	SubprotocolJSON = "termhub.json"
	SubprotocolCBOR = "termhub.cbor"
)

// ErrMalformed is wrapped by decode failures.
var ErrMalformed = errors.New("malformed frame")

// Message is one decoded frame. Only the fields of its Type are meaningful.
type Message struct {
	Type  Type
	Data  []byte // input, output
	Rows  uint16 // resize
	Cols  uint16 // resize
	Code  int    // exit
	Error string // error
}

// Codec encodes frames as a two element array [type, payload].
type Codec interface {
	// Subprotocol returns the websocket subprotocol that selects the codec.
	Subprotocol() string
	// MessageType is the websocket message type frames are sent as.
	MessageType() int
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

var (
	JSON Codec = jsonCodec{}
	CBOR Codec = newCBORCodec()
)

// CodecFor returns the codec for a negotiated subprotocol. JSON is the
// default.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolCBOR {
		return CBOR
	}
	return JSON
}

// Subprotocols lists the supported subprotocols in server preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolCBOR}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) MessageType() int    { return websocket.TextMessage }

func (jsonCodec) Encode(m Message) ([]byte, error) {
	return encodeFrame(m, json.Marshal, func(b []byte) any { return string(b) })
}

func (jsonCodec) Decode(data []byte) (Message, error) {
	return decodeFrame[json.RawMessage](data, json.Unmarshal, func(raw []byte) ([]byte, error) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	})
}

// splitRune splits p before a trailing multi-byte character that is not yet
// complete. A text codec holds rest back until the next chunk arrives.
func splitRune(p []byte) (whole, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i], p[i:]
			}
			break
		}
	}
	return p, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ws: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ws: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Subprotocol() string { return SubprotocolCBOR }
func (cborCodec) MessageType() int    { return websocket.BinaryMessage }

// Encode sends terminal bytes as CBOR byte strings so output that is not
// valid UTF-8 survives unchanged.
func (c cborCodec) Encode(m Message) ([]byte, error) {
	return encodeFrame(m, c.enc.Marshal, func(b []byte) any { return b })
}

func (c cborCodec) Decode(data []byte) (Message, error) {
	return decodeFrame[cbor.RawMessage](data, c.dec.Unmarshal, func(raw []byte) ([]byte, error) {
		var b []byte
		if err := c.dec.Unmarshal(raw, &b); err == nil {
			return b, nil
		}
		var s string
		if err := c.dec.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	})
}

func encodeFrame(m Message, marshal func(any) ([]byte, error), bytesValue func([]byte) any) ([]byte, error) {
	var frame []any
	switch m.Type {
	case TypeInput, TypeOutput:
		frame = []any{m.Type, bytesValue(m.Data)}
	case TypeResize:
		frame = []any{m.Type, [2]uint16{m.Rows, m.Cols}}
	case TypeExit:
		frame = []any{m.Type, m.Code}
	case TypeError:
		frame = []any{m.Type, m.Error}
	case TypePing, TypePong, TypeClose:
		frame = []any{m.Type}
	default:
		return nil, fmt.Errorf("encode: unknown frame type %q", m.Type)
	}
	return marshal(frame)
}

func decodeFrame[R ~[]byte](data []byte, unmarshal func([]byte, any) error, decodeBytes func([]byte) ([]byte, error)) (Message, error) {
	var parts []R
	if err := unmarshal(data, &parts); err != nil {
		return Message{}, malformed("not an array: %v", err)
	}
	if len(parts) == 0 || len(parts) > 2 {
		return Message{}, malformed("want 1 or 2 elements, got %d", len(parts))
	}

	var m Message
	if err := unmarshal(parts[0], &m.Type); err != nil {
		return Message{}, malformed("type: %v", err)
	}
	hasPayload := len(parts) == 2

	switch m.Type {
	case TypeInput, TypeOutput:
		if !hasPayload {
			return Message{}, malformed("%s without payload", m.Type)
		}
		b, err := decodeBytes(parts[1])
		if err != nil {
			return Message{}, malformed("%s payload: %v", m.Type, err)
		}
		m.Data = b
	case TypeResize:
		var size []uint16
		if !hasPayload {
			return Message{}, malformed("resize without payload")
		}
		if err := unmarshal(parts[1], &size); err != nil || len(size) != 2 {
			return Message{}, malformed("resize payload must be [rows, cols]")
		}
		m.Rows, m.Cols = size[0], size[1]
	case TypeExit:
		if !hasPayload {
			return Message{}, malformed("exit without code")
		}
		if err := unmarshal(parts[1], &m.Code); err != nil {
			return Message{}, malformed("exit code: %v", err)
		}
	case TypeError:
		if hasPayload {
			if err := unmarshal(parts[1], &m.Error); err != nil {
				return Message{}, malformed("error payload: %v", err)
			}
		}
	case TypePing, TypePong, TypeClose:
		if hasPayload {
			return Message{}, malformed("%s takes no payload", m.Type)
		}
	default:
		return Message{}, malformed("unknown type %q", m.Type)
	}
	return m, nil
}

func malformed(format string, args ...any) error {
	return &model.TransportError{Op: "decode", Err: fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)}
}
