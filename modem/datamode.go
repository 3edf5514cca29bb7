package modem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fieldlink.io/drivers/sarar5/at"
)

// disconnectMarker is emitted by the module, at a line boundary, when a
// direct link session ends (escape sequence accepted or remote close).
var disconnectMarker = []byte(at.CRLF + at.Disconnect + at.CRLF)

// DataMode is a raw passthrough channel to a socket in direct link mode.
// The framer/classifier pipeline is bypassed while it is active; the
// engine watches the raw stream only for the session-end marker.
//
// Reads and writes are single-consumer/single-producer: one goroutine may
// Read and one may Write. Write tracks the "+++" escape sequence with its
// timing guards, mirroring the module's own detector, so an escape
// embedded in payload writes is recognized the same way the module will
// recognize it. Plus signs that violate the guard intervals are plain
// payload.
type DataMode struct {
	m        *Modem
	socketID string
	guard    time.Duration
	now      func() time.Time
	log      *zap.Logger

	readCh  chan []byte
	readBuf []byte

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	// scan buffers a potential partial disconnect marker across chunks.
	// Loop-owned.
	scan []byte

	mu            sync.Mutex
	lastActivity  time.Time // any payload byte written
	lastNotPlus   time.Time
	lastPlus      time.Time
	plusCount     int
	escapePending bool
}

func newDataMode(m *Modem, cmd string) *DataMode {
	// "AT+USODL=3" -> "3", for diagnostics only
	id := cmd
	if i := strings.IndexByte(cmd, '='); i >= 0 {
		id = cmd[i+1:]
	}
	start := time.Now()
	return &DataMode{
		m:            m,
		socketID:     id,
		guard:        m.config.EscapeGuardTime,
		now:          time.Now,
		log:          m.log,
		readCh:       make(chan []byte, 32),
		closed:       make(chan struct{}),
		lastActivity: start,
		lastNotPlus:  start,
	}
}

// EnterDataMode switches the given socket into direct link mode
// (AT+USODL) and returns the raw passthrough bridge. Queued command
// submissions are held until the session ends.
func (m *Modem) EnterDataMode(ctx context.Context, socketID int) (*DataMode, error) {
	if m.bridge.Load() != nil {
		return nil, ErrInDataMode
	}
	res, err := m.submit(ctx, &commandRequest{
		req:      Request{Cmd: fmt.Sprintf("AT+USODL=%d", socketID)},
		ctx:      ctx,
		respChan: make(chan commandResult, 1),
		dataMode: true,
	})
	if err != nil {
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}
	return res.bridge, nil
}

// ExitDataMode performs the guarded escape on the active session and
// returns once the module confirms command mode. It is a no-op error if
// no session is active.
func (m *Modem) ExitDataMode(ctx context.Context) error {
	bridge := m.bridge.Load()
	if bridge == nil {
		return ErrNotInDataMode
	}
	return bridge.Exit(ctx)
}

// consume routes an incoming raw chunk, watching for the disconnect
// marker. It returns the bytes following the marker and whether the
// session ended. Only the engine loop calls this.
func (d *DataMode) consume(data []byte) (rest []byte, exited bool) {
	s := append(d.scan, data...)

	if i := bytes.Index(s, disconnectMarker); i >= 0 {
		d.deliver(s[:i])
		d.scan = nil
		return s[i+len(disconnectMarker):], true
	}

	// Hold back the longest tail that could still grow into the marker.
	hold := 0
	for n := min(len(disconnectMarker)-1, len(s)); n > 0; n-- {
		if bytes.HasPrefix(disconnectMarker, s[len(s)-n:]) {
			hold = n
			break
		}
	}
	d.deliver(s[:len(s)-hold])
	d.scan = append(d.scan[:0], s[len(s)-hold:]...)
	return nil, false
}

func (d *DataMode) deliver(p []byte) {
	if len(p) == 0 {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case d.readCh <- chunk:
	case <-d.closed:
	}
}

// Read returns session payload received from the remote peer. It blocks
// until data arrives and returns io.EOF once the session has ended and
// the buffer is drained.
func (d *DataMode) Read(p []byte) (int, error) {
	for len(d.readBuf) == 0 {
		select {
		case chunk := <-d.readCh:
			d.readBuf = chunk
		case <-d.closed:
			// drain anything delivered before close
			select {
			case chunk := <-d.readCh:
				d.readBuf = chunk
			default:
				if d.closeErr != nil {
					return 0, d.closeErr
				}
				return 0, io.EOF
			}
		}
	}
	n := copy(p, d.readBuf)
	d.readBuf = d.readBuf[n:]
	return n, nil
}

// Write sends payload to the remote peer and runs the escape detector
// over it. Writing "+++" with the required quiet intervals around it is
// equivalent to calling Exit.
func (d *DataMode) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, ErrNotInDataMode
	default:
	}

	d.track(p)
	n, err := d.m.transport.Write(p)
	if err != nil {
		return n, &TransportError{Op: "write", Err: err}
	}
	return n, nil
}

// track updates the escape detector state for outgoing payload bytes.
// Within one Write call all bytes share a timestamp; the guard intervals
// discriminate against bytes written before and after.
func (d *DataMode) track(p []byte) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, b := range p {
		d.lastActivity = now
		if b != '+' {
			d.plusCount = 0
			d.lastNotPlus = now
			continue
		}
		if d.plusCount == 0 && now.Sub(d.lastNotPlus) < d.guard {
			// no quiet interval before the first '+': payload
			d.lastNotPlus = now
			continue
		}
		if d.plusCount > 0 && now.Sub(d.lastPlus) > d.guard {
			// too slow between characters: start over
			d.plusCount = 0
		}
		d.plusCount++
		d.lastPlus = now
		if d.plusCount == 3 {
			d.armEscape(now)
		}
	}
}

// armEscape confirms the escape once the post-sequence quiet interval
// elapses with no further payload. Deadline-checked against the monotonic
// clock; the engine's read loop is never blocked by this.
func (d *DataMode) armEscape(seen time.Time) {
	go func() {
		t := time.NewTimer(d.guard)
		defer t.Stop()
		select {
		case <-t.C:
		case <-d.closed:
			return
		}
		d.mu.Lock()
		quiet := d.plusCount == 3 && !d.lastActivity.After(seen)
		if quiet {
			d.escapePending = true
		}
		d.mu.Unlock()
		if quiet {
			d.log.Debug("escape sequence detected in payload stream",
				zap.String("socket", d.socketID))
		}
	}()
}

// Exit performs the guarded "+++" escape: a quiet interval since the last
// payload byte, the sequence itself, then the trailing quiet interval.
// It returns once the module reports DISCONNECT (detected by the engine
// loop) or the context expires.
func (d *DataMode) Exit(ctx context.Context) error {
	select {
	case <-d.closed:
		return nil
	default:
	}

	// Pre-sequence quiet time, measured against the monotonic clock.
	for {
		d.mu.Lock()
		since := d.now().Sub(d.lastActivity)
		d.mu.Unlock()
		if since >= d.guard {
			break
		}
		t := time.NewTimer(d.guard - since)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-d.closed:
			t.Stop()
			return nil
		}
	}

	if _, err := d.m.transport.Write([]byte("+++")); err != nil {
		return &TransportError{Op: "write escape", Err: err}
	}
	d.mu.Lock()
	d.escapePending = true
	d.mu.Unlock()

	// The module honors the escape after its own post-sequence guard and
	// answers DISCONNECT; the loop then shuts this bridge down.
	select {
	case <-d.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close exits the session, allowing a generous deadline for the guard
// intervals and the module's response.
func (d *DataMode) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*d.guard+5*time.Second)
	defer cancel()
	return d.Exit(ctx)
}

// Done blocks while the session is active.
func (d *DataMode) Done() <-chan struct{} {
	return d.closed
}

// EscapePending reports whether the escape sequence has been issued or
// detected and the session is waiting for the module to confirm.
func (d *DataMode) EscapePending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.escapePending
}

func (d *DataMode) shutdown(err error) {
	d.closeOnce.Do(func() {
		d.closeErr = err
		close(d.closed)
	})
}
