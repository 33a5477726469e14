package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// MessageKind discriminates the closed set of payload variants. The variant is
// resolved once at the call boundary instead of inspecting payload types inside
// the send path.
type MessageKind int

const (
	// KindText is a UTF-8 text payload sent as a text frame.
	KindText MessageKind = iota + 1
	// KindBinary is an opaque byte payload sent as a binary frame.
	KindBinary
	// KindJSON is a structured payload, JSON-encoded once at construction and
	// sent as a text frame.
	KindJSON
)

func (k MessageKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindJSON:
		return "json"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Message is an immutable outbound payload.
type Message struct {
	kind MessageKind
	data []byte
}

// Text creates a text message.
func Text(s string) Message {
	return Message{kind: KindText, data: []byte(s)}
}

// Binary creates a binary message.
func Binary(b []byte) Message {
	return Message{kind: KindBinary, data: b}
}

// JSON creates a structured message, encoding v exactly once.
func JSON(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, &EncodingError{Cause: err}
	}
	return Message{kind: KindJSON, data: data}, nil
}

// FromWire reconstructs a message from its kind and raw payload, as carried by
// the cross-instance relay.
func FromWire(kind MessageKind, data []byte) (Message, error) {
	switch kind {
	case KindText, KindBinary, KindJSON:
		return Message{kind: kind, data: data}, nil
	default:
		return Message{}, fmt.Errorf("invalid message kind %d", int(kind))
	}
}

// Kind returns the message variant.
func (m Message) Kind() MessageKind {
	return m.kind
}

// Data returns the encoded payload bytes.
func (m Message) Data() []byte {
	return m.data
}

// IsZero reports whether the message is the zero value.
func (m Message) IsZero() bool {
	return m.kind == 0
}

// frameType maps the variant to the WebSocket frame type.
func (m Message) frameType() int {
	if m.kind == KindBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
