package socket

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManySockets is returned by Open when every native socket id is
	// in use or still inside its release grace window.
	ErrTooManySockets = errors.New("too many sockets")

	// ErrNotConnected is returned for stream I/O on a socket that is not
	// connected.
	ErrNotConnected = errors.New("socket not connected")

	// ErrAlreadyConnected is returned by Connect on a connected socket.
	ErrAlreadyConnected = errors.New("socket already connected")

	// ErrConnectionRefused is returned when the module rejected a connect.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrSocketClosed is returned once the socket or its peer closed and no
	// buffered data is left.
	ErrSocketClosed = errors.New("socket closed")

	// ErrTimeout is returned when the module did not answer a socket
	// command in time. Data bearing commands are never resent.
	ErrTimeout = errors.New("socket operation timeout")

	// ErrDeviceNotReady is returned while the data session is not active.
	ErrDeviceNotReady = errors.New("device not ready")

	// ErrSocketCreateFailed is returned when the module could not create a
	// socket or handed out an id that is not free.
	ErrSocketCreateFailed = errors.New("socket create failed")

	// ErrInvalidHandle is returned for a handle that was never opened.
	ErrInvalidHandle = errors.New("invalid socket handle")

	// ErrWrongProtocol is returned when a stream operation is used on a
	// datagram socket or the other way round.
	ErrWrongProtocol = errors.New("operation not supported by protocol")

	// ErrPayloadTooLarge is returned when a datagram exceeds the module's
	// write chunk size.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Error records a failed socket operation.
type Error struct {
	Handle Handle
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("socket %d: %s: %v", e.Handle, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(h Handle, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Handle: h, Op: op, Err: err}
}
