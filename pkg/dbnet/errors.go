package dbnet

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation is attempted on a closed
	// client.
	ErrNotConnected = errors.New("not connected")

	// ErrTimeout is returned when the controller does not answer within the
	// deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrMalformedFrame is returned when a datagram violates the DB-Net frame
	// layout.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnsupportedType is returned for register access on a non-scalar
	// variable.
	ErrUnsupportedType = errors.New("unsupported variable type")

	// ErrReadOnly is returned for writes to variables marked read-only.
	ErrReadOnly = errors.New("variable is read-only")

	// ErrTransport is returned when the datagram endpoint surfaces an I/O
	// failure. The underlying error is included in the message.
	ErrTransport = errors.New("transport error")
)

// StatusError is returned when a response parses cleanly but carries a
// non-success status nibble.
type StatusError struct {
	Status uint8
}

func (e StatusError) Error() string {
	return fmt.Sprintf("controller rejected request (status 0x%02x)", e.Status)
}
