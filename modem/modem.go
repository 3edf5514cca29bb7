// Package modem implements the AT command engine for u-blox cellular
// modules: a single event loop that owns the transport, frames and
// classifies response lines, runs strictly one command transaction at a
// time with FIFO queueing and per-command timeouts, dispatches unsolicited
// result codes (URCs) to registered handlers, and bridges direct link
// (data mode) sessions.
package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fieldlink.io/drivers/sarar5/at"
)

// Request is a single AT command transaction.
type Request struct {
	// Cmd is the full command line without the trailing terminator,
	// e.g. "AT+CREG?".
	Cmd string
	// Payload, if non-nil, is written verbatim when the module answers
	// with a data entry prompt ("> " or "@"), as for AT+USOWR.
	Payload []byte
	// Timeout overrides the engine's default per-command deadline.
	Timeout time.Duration
	// ExpectPrefix overrides the derived response identifier. Leave empty
	// to derive it from Cmd ("AT+CREG?" expects "+CREG:").
	ExpectPrefix string
}

// Response is the collected outcome of a successful transaction.
type Response struct {
	// Info holds the intermediate response lines in arrival order.
	Info []string
	// Final is the final result line verbatim.
	Final string
}

// URCHandler receives an unsolicited result code line, terminator
// stripped. Handlers run on the engine loop; they must not block and must
// not call Submit.
type URCHandler func(line string)

type commandResult struct {
	resp   *Response
	bridge *DataMode
	err    error
}

// commandRequest travels from Submit to the event loop.
type commandRequest struct {
	req      Request
	ctx      context.Context
	respChan chan commandResult // buffered, the loop never blocks on it
	dataMode bool               // expect CONNECT and hand off to the bridge
}

// Modem is the AT command engine. All transport I/O happens on the event
// loop started by Loop; Submit, RegisterURC and EnterDataMode are the
// caller-facing surface.
type Modem struct {
	transport Transport
	config    Config
	log       *zap.Logger

	classifier  *at.Classifier
	urcHandlers map[string]URCHandler

	// commands queues transactions for the loop, strictly FIFO.
	commands chan *commandRequest

	loopRunning atomic.Bool
	closed      atomic.Bool
	// done is closed when the loop exits; submissions select on it so
	// they never block on a dead engine.
	done chan struct{}

	// bridge is the active data-mode session, nil in command mode. Set
	// and cleared by the loop; read by ExitDataMode.
	bridge atomic.Pointer[DataMode]
}

// New dials the transport and returns an engine ready for URC registration.
// Submissions make progress once Loop is running:
//
//	m, err := modem.New(ctx, config)
//	if err != nil { return err }
//	go m.Loop(ctx)
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	return &Modem{
		transport:   transport,
		config:      config,
		log:         config.Logger,
		classifier:  at.NewClassifier(),
		urcHandlers: make(map[string]URCHandler),
		commands:    make(chan *commandRequest, config.QueueDepth),
		done:        make(chan struct{}),
	}, nil
}

// RegisterURC adds a handler for lines starting with prefix. The table is
// read-only once Loop starts; registration order is match priority order.
func (m *Modem) RegisterURC(prefix string, h URCHandler) error {
	if m.loopRunning.Load() {
		return ErrLoopRunning
	}
	if _, ok := m.urcHandlers[prefix]; ok {
		return ErrURCExists
	}
	m.urcHandlers[prefix] = h
	m.classifier.AddURCPrefix(prefix)
	return nil
}

// Submit queues the command and blocks until its transaction resolves.
// Submissions are dispatched strictly in FIFO order with exactly one in
// flight; a still-queued request is cancelled by its context, an in-flight
// one only by timeout. Commands submitted before Loop starts are queued
// and dispatched once it does. The returned error is ErrTimeout, a
// *TransportError or *FramingError (connection lost), a *ProtocolError, or
// the typed at.CMEError/at.CMSError/at.ErrError final code.
func (m *Modem) Submit(ctx context.Context, req Request) (*Response, error) {
	res, err := m.submit(ctx, &commandRequest{
		req:      req,
		ctx:      ctx,
		respChan: make(chan commandResult, 1),
	})
	if err != nil {
		return nil, err
	}
	return res.resp, res.err
}

// Command is shorthand for Submit returning only the info lines.
func (m *Modem) Command(ctx context.Context, cmd string) ([]string, error) {
	resp, err := m.Submit(ctx, Request{Cmd: cmd})
	if err != nil {
		return nil, err
	}
	return resp.Info, nil
}

func (m *Modem) submit(ctx context.Context, cr *commandRequest) (commandResult, error) {
	if m.closed.Load() {
		return commandResult{}, ErrAlreadyClosed
	}

	select {
	case m.commands <- cr:
	case <-ctx.Done():
		return commandResult{}, fmt.Errorf("modem: submit %q: %w", cr.req.Cmd, ctx.Err())
	case <-m.done:
		return commandResult{}, ErrClosed
	}

	select {
	case res := <-cr.respChan:
		return res, nil
	case <-ctx.Done():
		// The loop checks the request context before dispatching, so a
		// still-queued request is abandoned here for good. An in-flight
		// one keeps running until its final code or timeout; its result
		// lands in the buffered channel and is discarded.
		return commandResult{}, fmt.Errorf("modem: %q: %w", cr.req.Cmd, ctx.Err())
	case <-m.done:
		return commandResult{}, ErrClosed
	}
}

// Close shuts down the engine and releases the transport. Closing the
// transport unblocks the reader, which terminates the loop.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	if m.transport == nil {
		return nil
	}
	return m.transport.Close()
}

// Loop is the engine's event loop. It must be running for Submit and
// EnterDataMode to make progress, and it is the only goroutine touching
// the transport. It returns when the context is cancelled, the transport
// fails, or framing breaks; in all cases the connection is considered
// lost and the Modem cannot be reused.
func (m *Modem) Loop(ctx context.Context) error {
	if !m.loopRunning.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer close(m.done)

	raws := make(chan []byte, 8)
	readErrs := make(chan error, 1)
	go m.readTransport(ctx, raws, readErrs)

	l := &loop{
		m:      m,
		framer: at.NewFramer(m.config.MaxLineLength),
	}

	for {
		// Receive a new command only when idle: nothing in flight, not
		// draining an abandoned transaction, not in data mode.
		cmdCh := m.commands
		if l.current != nil || l.draining || l.bridge != nil {
			cmdCh = nil
		}

		select {
		case <-ctx.Done():
			l.shutdown(ctx.Err())
			return ctx.Err()

		case cr := <-cmdCh:
			if err := l.dispatch(cr); err != nil {
				l.shutdown(err)
				return err
			}

		case data, ok := <-raws:
			if !ok {
				err := error(io.EOF)
				select {
				case e := <-readErrs:
					err = e
				default:
				}
				terr := &TransportError{Op: "read", Err: err}
				l.shutdown(terr)
				return terr
			}
			if err := l.consume(data); err != nil {
				l.shutdown(err)
				return err
			}

		case <-l.timeoutC:
			l.abandon()

		case <-l.drainC:
			m.log.Debug("drain deadline reached, assuming no late response")
			l.stopDrain()
		}
	}
}

// readTransport is the only reader of the transport. It forwards chunks to
// the loop and exits on the first read error (connection presumed lost).
func (m *Modem) readTransport(ctx context.Context, raws chan<- []byte, readErrs chan<- error) {
	defer close(raws)
	for {
		buf := make([]byte, 512)
		n, err := m.transport.Read(buf)
		if n > 0 {
			select {
			case raws <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case readErrs <- err:
			default:
			}
			return
		}
	}
}

func (m *Modem) dispatchURC(line string) {
	prefix, ok := m.classifier.MatchURC(line)
	if !ok {
		// Documented no-op: an unmatched URC never breaks the stream.
		m.log.Debug("unmatched URC dropped", zap.String("line", line))
		return
	}
	m.urcHandlers[prefix](strings.TrimSpace(line))
}

// loop holds the event loop's transaction state. All fields are owned by
// the Loop goroutine.
type loop struct {
	m      *Modem
	framer *at.Framer

	current *commandRequest
	info    []string
	payload []byte
	exp     at.Expectation

	timeout  *time.Timer
	timeoutC <-chan time.Time

	// draining is set after a timeout: late lines for the abandoned
	// transaction are discarded until its final code or the drain
	// deadline, so they are never attributed to the next command.
	draining bool
	drainT   *time.Timer
	drainC   <-chan time.Time

	bridge *DataMode
}

func (l *loop) dispatch(cr *commandRequest) error {
	if cr.ctx != nil && cr.ctx.Err() != nil {
		cr.respChan <- commandResult{err: cr.ctx.Err()}
		return nil
	}

	cmd := strings.TrimSpace(cr.req.Cmd)
	if _, err := l.m.transport.Write([]byte(cmd + "\r")); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		cr.respChan <- commandResult{err: terr}
		return terr
	}

	prefix := cr.req.ExpectPrefix
	if prefix == "" {
		prefix = at.InfoPrefix(cmd)
	}

	l.current = cr
	l.info = nil
	l.payload = cr.req.Payload
	l.exp = at.Expectation{Cmd: cmd, InfoPrefix: prefix, Collecting: true}

	d := cr.req.Timeout
	if d == 0 {
		d = l.m.config.ATTimeout
	}
	l.timeout = time.NewTimer(d)
	l.timeoutC = l.timeout.C
	return nil
}

// consume routes a transport chunk: raw passthrough in data mode, framed
// lines otherwise.
func (l *loop) consume(data []byte) error {
	if l.bridge != nil {
		rest, exited := l.bridge.consume(data)
		if !exited {
			return nil
		}
		l.m.log.Debug("data mode ended", zap.String("socket", l.bridge.socketID))
		l.bridge.shutdown(nil)
		l.m.bridge.Store(nil)
		l.bridge = nil
		l.framer.Reset()
		if len(rest) > 0 {
			return l.consume(rest)
		}
		return nil
	}

	lines, ferr := l.framer.Feed(data)
	for i, line := range lines {
		if err := l.handleLine(line); err != nil {
			return err
		}
		if l.bridge != nil {
			// CONNECT switched to data mode mid-chunk; everything after
			// it is session payload.
			var raw []byte
			for _, rem := range lines[i+1:] {
				raw = append(raw, rem...)
				raw = append(raw, at.CRLF...)
			}
			raw = append(raw, l.framer.Pending()...)
			l.framer.Reset()
			if len(raw) > 0 {
				return l.consume(raw)
			}
			return nil
		}
	}
	if ferr != nil {
		return &FramingError{Err: ferr}
	}
	return nil
}

func (l *loop) handleLine(line string) error {
	switch l.m.classifier.Classify(line, l.exp) {
	case at.KindEcho:
		// module echo of our own command, swallowed

	case at.KindPrompt:
		if l.current != nil && l.payload != nil {
			if _, err := l.m.transport.Write(l.payload); err != nil {
				terr := &TransportError{Op: "write payload", Err: err}
				l.resolve(commandResult{err: terr})
				return terr
			}
			l.payload = nil
		}

	case at.KindURC:
		// URCs interleave freely with an in-flight transaction.
		l.m.dispatchURC(line)

	case at.KindFinalOK:
		if l.draining {
			l.stopDrain()
			return nil
		}
		if l.current == nil {
			l.m.log.Debug("orphaned final result dropped", zap.String("line", line))
			return nil
		}
		if l.current.dataMode {
			l.resolve(commandResult{err: &ProtocolError{
				Line: line,
				Err:  errors.New("expected CONNECT for direct link"),
			}})
			return nil
		}
		l.resolve(commandResult{resp: &Response{Info: l.info, Final: strings.TrimSpace(line)}})

	case at.KindFinalError:
		if l.draining {
			l.stopDrain()
			return nil
		}
		if l.current == nil {
			l.m.log.Debug("orphaned final result dropped", zap.String("line", line))
			return nil
		}
		final := strings.TrimSpace(line)
		err := at.FinalError(final)
		var cme at.CMEError
		var cms at.CMSError
		if !errors.As(err, &cme) && !errors.As(err, &cms) && !errors.Is(err, at.ErrError) &&
			(strings.HasPrefix(final, at.CmeError) || strings.HasPrefix(final, at.CmsError)) {
			err = &ProtocolError{Line: final, Err: err}
		}
		l.resolve(commandResult{resp: &Response{Info: l.info, Final: final}, err: err})

	case at.KindInfo:
		if l.draining {
			// Identity isolation: this line belongs to the abandoned
			// transaction.
			l.m.log.Debug("late response line discarded", zap.String("line", line))
			return nil
		}
		if l.current == nil {
			l.m.log.Debug("orphaned info line dropped", zap.String("line", line))
			return nil
		}
		if l.current.dataMode && strings.TrimSpace(line) == at.Connect {
			l.enterDataMode()
			return nil
		}
		l.info = append(l.info, line)

	default:
		l.m.log.Debug("unclassified line dropped", zap.String("line", line))
	}
	return nil
}

func (l *loop) enterDataMode() {
	bridge := newDataMode(l.m, l.current.req.Cmd)
	l.bridge = bridge
	l.m.bridge.Store(bridge)
	l.resolve(commandResult{bridge: bridge})
}

// resolve completes the in-flight transaction and returns the loop to
// idle, allowing the next queued command to dispatch.
func (l *loop) resolve(res commandResult) {
	l.stopTimeout()
	l.current.respChan <- res
	l.current = nil
	l.info = nil
	l.payload = nil
	l.exp = at.Expectation{}
}

// abandon fails the in-flight transaction with ErrTimeout and enters the
// drain window. The expectation context is kept so late lines still
// classify as response lines (and get discarded) instead of leaking out.
func (l *loop) abandon() {
	l.m.log.Warn("command timed out", zap.String("cmd", l.current.req.Cmd))
	l.stopTimeout()
	l.current.respChan <- commandResult{err: ErrTimeout}
	l.current = nil
	l.info = nil
	l.payload = nil

	l.draining = true
	l.drainT = time.NewTimer(l.m.config.DrainTimeout)
	l.drainC = l.drainT.C
}

func (l *loop) stopDrain() {
	l.draining = false
	if l.drainT != nil {
		l.drainT.Stop()
		l.drainT = nil
		l.drainC = nil
	}
	l.exp = at.Expectation{}
}

func (l *loop) stopTimeout() {
	if l.timeout != nil {
		l.timeout.Stop()
		l.timeout = nil
		l.timeoutC = nil
	}
}

// shutdown fails the in-flight transaction and any active bridge when the
// loop terminates.
func (l *loop) shutdown(err error) {
	l.stopTimeout()
	if l.current != nil {
		l.current.respChan <- commandResult{err: err}
		l.current = nil
	}
	if l.bridge != nil {
		l.bridge.shutdown(err)
		l.m.bridge.Store(nil)
		l.bridge = nil
	}
}
