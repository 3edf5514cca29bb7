// Package at implements the line level of the AT command protocol spoken
// by u-blox cellular modules: framing raw serial bytes into protocol lines
// and classifying each line as echo, info, final result, prompt or URC.
package at

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Terminal Control
	CRLF         = "\r\n"
	Prompt       = "> "
	BinaryPrompt = "@"

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	Aborted    = "ABORTED"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"

	// Direct link markers
	Connect    = "CONNECT"
	Disconnect = "DISCONNECT"
)

// Kind identifies the nature of a framed protocol line.
type Kind int

const (
	KindUnknown    Kind = iota
	KindEcho            // echo of the command we just sent
	KindInfo            // intermediate command output (+CREG: ...)
	KindFinalOK         // OK
	KindFinalError      // ERROR, +CME ERROR, +CMS ERROR, NO CARRIER, ...
	KindPrompt          // data entry prompt ("> " or "@")
	KindURC             // asynchronous notification
)

func (k Kind) String() string {
	switch k {
	case KindEcho:
		return "echo"
	case KindInfo:
		return "info"
	case KindFinalOK:
		return "ok"
	case KindFinalError:
		return "error"
	case KindPrompt:
		return "prompt"
	case KindURC:
		return "urc"
	default:
		return "unknown"
	}
}

var (
	// ErrError is the generic ERROR final result code.
	ErrError = errors.New("ERROR")

	// ErrLineTooLong is returned by the Framer when buffered bytes exceed
	// the configured maximum without a terminator. This indicates a
	// malformed or mis-baud-rated stream and is fatal to the connection.
	ErrLineTooLong = errors.New("at: line exceeds maximum length")
)

// CMEError is a +CME ERROR final result code with its numeric cause.
type CMEError int

func (e CMEError) Error() string {
	return fmt.Sprintf("+CME ERROR: %d", int(e))
}

// CMSError is a +CMS ERROR final result code with its numeric cause.
type CMSError int

func (e CMSError) Error() string {
	return fmt.Sprintf("+CMS ERROR: %d", int(e))
}

// FinalError converts a final error line into a typed error. CME and CMS
// errors carry their numeric code; an unparsable code is reported so the
// caller can surface it as a protocol error.
func FinalError(line string) error {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, CmeError):
		code, err := strconv.Atoi(strings.TrimSpace(line[len(CmeError):]))
		if err != nil {
			return fmt.Errorf("at: unparsable CME code in %q: %w", line, err)
		}
		return CMEError(code)
	case strings.HasPrefix(line, CmsError):
		code, err := strconv.Atoi(strings.TrimSpace(line[len(CmsError):]))
		if err != nil {
			return fmt.Errorf("at: unparsable CMS code in %q: %w", line, err)
		}
		return CMSError(code)
	case line == ERROR:
		return ErrError
	default:
		return errors.New(line)
	}
}
