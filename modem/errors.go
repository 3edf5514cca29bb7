package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("modem: no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a
	// Modem that has no transport.
	ErrNotInitialized = errors.New("modem: not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed.
	ErrAlreadyClosed = errors.New("modem: already closed")

	// ErrLoopRunning is returned when Loop is called while another Loop is
	// still active.
	ErrLoopRunning = errors.New("modem: loop already running")

	// ErrClosed is returned for submissions after the engine loop has
	// terminated. The connection to the module is gone; the Modem must be
	// recreated.
	ErrClosed = errors.New("modem: closed")

	// ErrTimeout is returned when no final result code arrives within the
	// command's deadline. The engine stays usable; only this transaction
	// failed.
	ErrTimeout = errors.New("modem: command timed out")

	// ErrURCExists is returned when a URC handler is registered for a
	// prefix that already has one.
	ErrURCExists = errors.New("modem: URC handler already registered")

	// ErrInDataMode is returned when a command-mode operation is attempted
	// while the engine is bridging a direct link session.
	ErrInDataMode = errors.New("modem: in data mode")

	// ErrNotInDataMode is returned by data-mode operations outside a
	// direct link session.
	ErrNotInDataMode = errors.New("modem: not in data mode")
)

// TransportError wraps an I/O failure from the transport. It is fatal to
// the connection: the read loop terminates and the Modem must be recreated.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("modem: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FramingError wraps a line-framing failure (buffer overflow, malformed
// stream). Like a transport error it is fatal to the connection, since it
// implies a mis-baud-rated or corrupted byte stream.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("modem: framing: %v", e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// ProtocolError reports a response the engine could not interpret, such as
// an unparsable numeric field in a final result code. It fails the current
// transaction only.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("modem: protocol error on %q: %v", e.Line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
