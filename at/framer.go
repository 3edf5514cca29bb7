package at

import (
	"bufio"
	"bytes"
)

// DefaultMaxLine bounds the bytes a Framer buffers while waiting for a
// line terminator. u-blox info lines top out well below this.
const DefaultMaxLine = 4096

// Framer splits a raw modem byte stream into protocol lines. Bytes are fed
// in whatever chunks the transport delivers them; undelimited trailing
// bytes are buffered until the next Feed. The produced lines are identical
// regardless of chunk boundaries.
//
// Lines are delimited by CRLF, which is stripped. The data entry prompts
// ("> " after e.g. +CMGS, "@" after +USOWR) arrive without a terminator
// and are emitted as soon as they are unambiguous.
type Framer struct {
	buf []byte
	max int
}

// NewFramer returns a Framer that fails with ErrLineTooLong once maxLine
// bytes are buffered without a terminator. maxLine <= 0 selects
// DefaultMaxLine.
func NewFramer(maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Framer{max: maxLine}
}

// Feed consumes the next chunk of transport bytes and returns the protocol
// lines completed by it. A returned error is fatal: the stream is
// malformed and the Framer must be discarded.
func (f *Framer) Feed(data []byte) ([]string, error) {
	f.buf = append(f.buf, data...)

	var lines []string
	for {
		advance, token, ok := f.next()
		if !ok {
			break
		}
		f.buf = f.buf[advance:]
		lines = append(lines, token)
	}

	if len(f.buf) > f.max {
		return lines, ErrLineTooLong
	}
	return lines, nil
}

// Pending returns the undelimited bytes currently buffered.
func (f *Framer) Pending() []byte {
	return f.buf
}

// Reset drops any buffered bytes, for use after the stream is known to be
// re-synchronized (e.g. leaving data mode).
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
}

func (f *Framer) next() (advance int, token string, ok bool) {
	// Data entry prompts are only valid at the start of a fresh line,
	// which is the only place they can be buffered first.
	if bytes.HasPrefix(f.buf, []byte(Prompt)) {
		return len(Prompt), Prompt, true
	}
	if len(f.buf) > 0 && f.buf[0] == BinaryPrompt[0] {
		return 1, BinaryPrompt, true
	}

	if i := bytes.Index(f.buf, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), string(f.buf[:i]), true
	}
	return 0, "", false
}

// Splitter is a bufio.SplitFunc with the same framing rules as Framer,
// for consumers that drive a bufio.Scanner directly over the transport.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match the data entry prompts
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}
	if len(data) > 0 && data[0] == BinaryPrompt[0] {
		return 1, data[0:1], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter
