package modem

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a
// cellular module.
//
// A Transport is assumed to be already connected and ready for use. It
// provides the low-level I/O primitives required to send AT commands and
// receive responses. Typical implementations include serial ports, TCP
// connections to emulators, or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a cellular module.
//
// Dialer abstracts how the module connection is created (for example, via
// a serial port, TCP-based emulator, or test double) and is intended to be
// used during modem construction only. Once a Transport is obtained, the
// Dialer is no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport.
	// It may perform blocking operations and should respect cancellation
	// and deadlines provided by the context. Dial returns an error if the
	// transport cannot be established.
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens a module over a serial port using go.bug.st/serial.
type SerialDialer struct {
	// PortName is the device path, e.g. "/dev/ttyUSB0".
	PortName string
	// Mode configures baud rate, parity, data and stop bits. Nil selects
	// 115200 8N1, the SARA-R5 default.
	Mode *serial.Mode
}

// DefaultSerialMode is applied by SerialDialer when no Mode is given.
var DefaultSerialMode = serial.Mode{
	BaudRate: 115200,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("modem: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		m := DefaultSerialMode
		mode = &m
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("modem: open %s: %w", d.PortName, err)
	}
	return port, nil
}
