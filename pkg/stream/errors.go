package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPacket indicates a packet that violates the wire format.
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrProtocolVersion indicates a hello with an unsupported version.
	ErrProtocolVersion = errors.New("protocol version mismatch")

	// ErrDisconnected indicates the packet timeout elapsed without
	// traffic, or the transport failed.
	ErrDisconnected = errors.New("disconnected")

	// ErrSessionDesync indicates the client could not obtain metadata
	// and config within the sync deadline.
	ErrSessionDesync = errors.New("session desync")

	// ErrSessionEnded is returned by Recv after the end of stream
	// event has been delivered.
	ErrSessionEnded = errors.New("session ended")
)

// ParseError reports a malformed packet payload.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("stream: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
