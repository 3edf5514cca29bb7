package modem_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"fieldlink.io/drivers/sarar5/at"
	"fieldlink.io/drivers/sarar5/modem"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// staticDialer hands out a pre-built transport.
type staticDialer struct {
	transport modem.Transport
}

func (d staticDialer) Dial(ctx context.Context) (modem.Transport, error) {
	return d.transport, nil
}

// engine spins up a modem on a TestTransport with short test deadlines
// and returns a cleanup that shuts everything down.
func engine(t *testing.T, opts ...func(*modem.ConfigBuilder)) (*modem.Modem, *modem.TestTransport) {
	t.Helper()

	transport := modem.NewTestTransport()
	builder := modem.NewConfigBuilder().
		WithDialer(staticDialer{transport: transport}).
		WithATTimeout(time.Second).
		WithDrainTimeout(100 * time.Millisecond)
	for _, opt := range opts {
		opt(builder)
	}
	config, err := builder.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	return m, transport
}

// run starts the engine loop and registers a cleanup that closes the modem
// and waits for the loop to exit.
func run(t *testing.T, m *modem.Modem) {
	t.Helper()
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- m.Loop(context.Background())
	}()
	t.Cleanup(func() {
		m.Close()
		select {
		case <-loopDone:
		case <-time.After(2 * time.Second):
			t.Error("loop did not terminate after Close")
		}
	})
}

// waitWrites polls until the transport has recorded at least n writes.
func waitWrites(t *testing.T, transport *modem.TestTransport, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w := transport.Writes(); len(w) >= n {
			return w
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d writes, got %d: %q", n, len(transport.Writes()), transport.Writes())
	return nil
}

func TestModemNew(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockTransport := modem.NewMockTransport(ctrl)
		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(mockTransport, nil)

		config, err := modem.NewConfigBuilder().WithDialer(mockDialer).Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if m == nil {
			t.Fatal("New() should return valid modem on success")
		}

		mockTransport.EXPECT().Close().Return(nil)
		if err := m.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})

	t.Run("Dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, errors.New("connection failed"))

		config, err := modem.NewConfigBuilder().WithDialer(mockDialer).Build()
		if err != nil {
			t.Errorf("unexpected error from Build(): %v", err)
		}

		m, err := modem.New(context.Background(), config)
		if err == nil {
			t.Error("expected error from dialer failure")
		}
		if m != nil {
			t.Error("New() should return nil modem when dialer fails")
		}
	})

	t.Run("Missing dialer", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()
		if !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer, got %v", err)
		}
	})
}

func TestSubmitBeforeLoop(t *testing.T) {
	m, transport := engine(t)

	// A command submitted before the loop starts is queued and dispatched
	// once it does.
	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), modem.Request{Cmd: "AT"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if len(transport.Writes()) != 0 {
		t.Fatal("command written before the loop started")
	}

	run(t, m)
	waitWrites(t, transport, 1)
	transport.SendData("OK\r\n")
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSubmitCommand(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	type result struct {
		resp *modem.Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+CEREG?"})
		resCh <- result{resp, err}
	}()

	writes := waitWrites(t, transport, 1)
	if string(writes[0]) != "AT+CEREG?\r" {
		t.Errorf("expected command write, got %q", writes[0])
	}

	// echo on, as a module with ATE1 would answer
	transport.SendData("AT+CEREG?\r\n+CEREG: 0,1\r\nOK\r\n")

	res := <-resCh
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if len(res.resp.Info) != 1 || res.resp.Info[0] != "+CEREG: 0,1" {
		t.Errorf("expected single info line, got %q", res.resp.Info)
	}
	if res.resp.Final != "OK" {
		t.Errorf("expected OK final, got %q", res.resp.Final)
	}
}

func TestSubmitSerializesCommands(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+CSQ"})
		firstDone <- err
	}()
	waitWrites(t, transport, 1)

	secondDone := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+CEREG?"})
		secondDone <- err
	}()

	// The second command must not reach the wire while the first is in
	// flight.
	time.Sleep(50 * time.Millisecond)
	if w := transport.Writes(); len(w) != 1 {
		t.Fatalf("expected one write while first command in flight, got %q", w)
	}

	transport.SendData("+CSQ: 15,99\r\nOK\r\n")
	if err := <-firstDone; err != nil {
		t.Fatalf("unexpected error on first command: %v", err)
	}

	writes := waitWrites(t, transport, 2)
	if string(writes[1]) != "AT+CEREG?\r" {
		t.Errorf("expected second command write, got %q", writes[1])
	}

	transport.SendData("+CEREG: 0,1\r\nOK\r\n")
	if err := <-secondDone; err != nil {
		t.Fatalf("unexpected error on second command: %v", err)
	}
}

func TestSubmitTimeoutIsolation(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	_, err := m.Submit(context.Background(), modem.Request{
		Cmd:     "AT+CSQ",
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, modem.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	secondDone := make(chan *modem.Response, 1)
	go func() {
		resp, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+CEREG?"})
		if err != nil {
			t.Errorf("unexpected error on follow-up command: %v", err)
		}
		secondDone <- resp
	}()

	// The late response of the abandoned command arrives now. It must be
	// consumed silently, never attributed to the follow-up command.
	transport.SendData("+CSQ: 15,99\r\nOK\r\n")

	writes := waitWrites(t, transport, 2)
	if string(writes[1]) != "AT+CEREG?\r" {
		t.Errorf("expected follow-up command write, got %q", writes[1])
	}
	transport.SendData("+CEREG: 0,1\r\nOK\r\n")

	resp := <-secondDone
	if resp == nil {
		t.Fatal("missing response")
	}
	if len(resp.Info) != 1 || resp.Info[0] != "+CEREG: 0,1" {
		t.Errorf("late lines leaked into follow-up response: %q", resp.Info)
	}
}

func TestSubmitDrainDeadline(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	_, err := m.Submit(context.Background(), modem.Request{
		Cmd:     "AT+CSQ",
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, modem.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// No late response ever arrives; the drain deadline must unblock the
	// queue by itself.
	done := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), modem.Request{Cmd: "AT"})
		done <- err
	}()

	waitWrites(t, transport, 2)
	transport.SendData("OK\r\n")
	if err := <-done; err != nil {
		t.Fatalf("unexpected error after drain deadline: %v", err)
	}
}

func TestSubmitFinalErrors(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	t.Run("CME error carries its code", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+USOCO=0,\"host\",80"})
			done <- err
		}()
		waitWrites(t, transport, 1)
		transport.SendData("+CME ERROR: 106\r\n")

		err := <-done
		var cme at.CMEError
		if !errors.As(err, &cme) || int(cme) != 106 {
			t.Errorf("expected CMEError(106), got %v", err)
		}
	})

	t.Run("Plain ERROR", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+BOGUS"})
			done <- err
		}()
		waitWrites(t, transport, 2)
		transport.SendData("ERROR\r\n")

		if err := <-done; !errors.Is(err, at.ErrError) {
			t.Errorf("expected ErrError, got %v", err)
		}
	})
}

func TestURCDispatch(t *testing.T) {
	m, transport := engine(t)

	urcs := make(chan string, 4)
	if err := m.RegisterURC("+UUSOCL:", func(line string) {
		urcs <- line
	}); err != nil {
		t.Fatalf("unexpected error from RegisterURC: %v", err)
	}
	if err := m.RegisterURC("+UUSOCL:", func(string) {}); !errors.Is(err, modem.ErrURCExists) {
		t.Errorf("expected ErrURCExists on duplicate registration, got %v", err)
	}

	run(t, m)

	// idle dispatch
	transport.SendData("+UUSOCL: 2\r\n")
	select {
	case line := <-urcs:
		if line != "+UUSOCL: 2" {
			t.Errorf("expected closure report, got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("URC handler not invoked while idle")
	}

	// dispatch interleaved with an in-flight transaction
	done := make(chan *modem.Response, 1)
	go func() {
		resp, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+CSQ"})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- resp
	}()
	waitWrites(t, transport, 1)
	transport.SendData("+UUSOCL: 4\r\n+CSQ: 15,99\r\nOK\r\n")

	select {
	case line := <-urcs:
		if line != "+UUSOCL: 4" {
			t.Errorf("expected closure report, got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("URC handler not invoked mid-transaction")
	}

	resp := <-done
	if resp == nil || len(resp.Info) != 1 || resp.Info[0] != "+CSQ: 15,99" {
		t.Errorf("URC leaked into transaction response: %+v", resp)
	}

	if err := m.RegisterURC("+CEREG:", func(string) {}); !errors.Is(err, modem.ErrLoopRunning) {
		t.Errorf("expected ErrLoopRunning after loop start, got %v", err)
	}
}

func TestSubmitPromptPayload(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	payload := []byte("ping")
	done := make(chan *modem.Response, 1)
	go func() {
		resp, err := m.Submit(context.Background(), modem.Request{
			Cmd:     fmt.Sprintf("AT+USOWR=0,%d", len(payload)),
			Payload: payload,
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- resp
	}()

	waitWrites(t, transport, 1)
	transport.SendData("@")

	writes := waitWrites(t, transport, 2)
	if string(writes[1]) != "ping" {
		t.Errorf("expected payload write after prompt, got %q", writes[1])
	}

	transport.SendData("+USOWR: 0,4\r\nOK\r\n")
	resp := <-done
	if resp == nil || len(resp.Info) != 1 || resp.Info[0] != "+USOWR: 0,4" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSubmitQueuedContextCancel(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	firstDone := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+CSQ"})
		firstDone <- err
	}()
	waitWrites(t, transport, 1)

	ctx, cancel := context.WithCancel(context.Background())
	secondDone := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, modem.Request{Cmd: "AT+CEREG?"})
		secondDone <- err
	}()

	// Cancel while still queued behind the in-flight command.
	cancel()
	if err := <-secondDone; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	transport.SendData("+CSQ: 15,99\r\nOK\r\n")
	if err := <-firstDone; err != nil {
		t.Fatalf("unexpected error on first command: %v", err)
	}

	// The cancelled command must never reach the wire.
	time.Sleep(50 * time.Millisecond)
	if w := transport.Writes(); len(w) != 1 {
		t.Errorf("cancelled command was written: %q", w)
	}
}

func TestCloseTerminatesEngine(t *testing.T) {
	m, _ := engine(t)

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- m.Loop(context.Background())
	}()

	// Give the loop a moment to start before tearing it down.
	time.Sleep(10 * time.Millisecond)

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error from Close(): %v", err)
	}
	if err := m.Close(); !errors.Is(err, modem.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed on second Close, got %v", err)
	}

	select {
	case err := <-loopDone:
		var terr *modem.TransportError
		if !errors.As(err, &terr) {
			t.Errorf("expected TransportError from terminated loop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not terminate after Close")
	}

	if _, err := m.Submit(context.Background(), modem.Request{Cmd: "AT"}); !errors.Is(err, modem.ErrAlreadyClosed) {
		t.Errorf("expected ErrAlreadyClosed on Submit, got %v", err)
	}
}
