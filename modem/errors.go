package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"i4.energy/across/cellgw/at"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if the Dialer returned no Transport or if the Modem was
	// not created via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, or when a command is issued after Close.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrLoopRunning is returned when Loop is started while another Loop is
	// still running on the same Modem.
	ErrLoopRunning = errors.New("modem loop already running")

	// ErrLoopStopped is returned by Exec once the Loop has ended because the
	// transport failed or its context was cancelled.
	ErrLoopStopped = errors.New("modem loop stopped")

	// ErrLineTooLong is returned when a modem response line exceeds the
	// maximum allowed length.
	//
	// This typically indicates malformed input, unexpected binary data,
	// or a protocol framing error.
	ErrLineTooLong = errors.New("response line too long")
)

// CommandError is returned by Exec when the module answers a command with
// a final result code other than OK (ERROR, +CME ERROR: ..., NO CARRIER).
type CommandError struct {
	// Command is the AT command that failed.
	Command string
	// Result is the final result line reported by the module.
	Result string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Result)
}

// Code returns the numeric or verbose cause following "+CME ERROR:", or an
// empty string when the module reported a plain result code.
func (e *CommandError) Code() string {
	if rest, ok := strings.CutPrefix(e.Result, at.CmeError); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// IsModuleError reports whether err was reported by the module itself
// rather than by the transport.
func IsModuleError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a transport timeout, i.e. the module did
// not produce a final result code in time.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
