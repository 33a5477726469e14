package realtime

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned by send and receive operations attempted on a
// connection that is no longer open. Failures during broadcast fan-out are never
// surfaced as this error; they are converted into an unregister instead.
var ErrConnectionClosed = errors.New("connection closed")

// HandshakeError indicates the peer did not present a valid upgrade request.
type HandshakeError struct {
	Reason string
	Cause  error
}

func (e *HandshakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("websocket handshake failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("websocket handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error {
	return e.Cause
}

// EncodingError indicates a payload could not be serialized to JSON.
type EncodingError struct {
	Cause error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("payload encoding failed: %v", e.Cause)
}

func (e *EncodingError) Unwrap() error {
	return e.Cause
}

// DecodingError indicates a received payload was not valid JSON.
type DecodingError struct {
	Cause error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("payload decoding failed: %v", e.Cause)
}

func (e *DecodingError) Unwrap() error {
	return e.Cause
}
