package modem_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"fieldlink.io/drivers/sarar5/modem"
)

// enterDataMode drives AT+USODL through the prompt dance and returns the
// established bridge.
func enterDataMode(t *testing.T, m *modem.Modem, transport *modem.TestTransport, socketID int) *modem.DataMode {
	t.Helper()

	type result struct {
		bridge *modem.DataMode
		err    error
	}
	before := len(transport.Writes())
	resCh := make(chan result, 1)
	go func() {
		bridge, err := m.EnterDataMode(context.Background(), socketID)
		resCh <- result{bridge, err}
	}()

	waitWrites(t, transport, before+1)
	transport.SendData("CONNECT\r\n")

	res := <-resCh
	if res.err != nil {
		t.Fatalf("unexpected error entering data mode: %v", res.err)
	}
	if res.bridge == nil {
		t.Fatal("expected a bridge")
	}
	return res.bridge
}

func readAll(t *testing.T, bridge *modem.DataMode, n int) string {
	t.Helper()
	buf := make([]byte, n)
	read := 0
	for read < n {
		done := make(chan struct{})
		var rn int
		var err error
		go func() {
			rn, err = bridge.Read(buf[read:])
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("Read stalled after %d of %d bytes", read, n)
		}
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		read += rn
	}
	return string(buf)
}

func TestDataModeSession(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	bridge := enterDataMode(t, m, transport, 0)
	if w := transport.Writes(); string(w[len(w)-1]) != "AT+USODL=0\r" {
		t.Errorf("expected direct link command, got %q", w[len(w)-1])
	}

	// Inbound payload bypasses the framer entirely.
	transport.SendData("hello from peer")
	if got := readAll(t, bridge, 15); got != "hello from peer" {
		t.Errorf("expected payload passthrough, got %q", got)
	}

	// Outbound payload goes straight to the transport.
	if _, err := bridge.Write([]byte("reply")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	w := waitWrites(t, transport, 2)
	if string(w[1]) != "reply" {
		t.Errorf("expected raw payload write, got %q", w[1])
	}

	// Commands submitted during the session are held, not rejected.
	cmdDone := make(chan error, 1)
	go func() {
		_, err := m.Submit(context.Background(), modem.Request{Cmd: "AT+CSQ"})
		cmdDone <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if len(transport.Writes()) != 2 {
		t.Fatal("command dispatched while in data mode")
	}

	// Session ends; the held command dispatches.
	transport.SendData("\r\nDISCONNECT\r\n")
	select {
	case <-bridge.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge not closed after DISCONNECT")
	}
	if _, err := bridge.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF after session end, got %v", err)
	}
	if _, err := bridge.Write([]byte("late")); !errors.Is(err, modem.ErrNotInDataMode) {
		t.Errorf("expected ErrNotInDataMode after session end, got %v", err)
	}

	waitWrites(t, transport, 3)
	transport.SendData("+CSQ: 15,99\r\nOK\r\n")
	if err := <-cmdDone; err != nil {
		t.Fatalf("unexpected error on held command: %v", err)
	}
}

func TestDataModeDisconnectAcrossChunks(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	bridge := enterDataMode(t, m, transport, 2)

	transport.SendData("payload\r\nDISCONN")
	if got := readAll(t, bridge, 7); got != "payload" {
		t.Errorf("expected only payload before partial marker, got %q", got)
	}

	transport.SendData("ECT\r\n")
	select {
	case <-bridge.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("split marker not detected")
	}
}

func TestDataModeFalseMarkerPrefix(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	bridge := enterDataMode(t, m, transport, 0)

	// A line break that never grows into the marker must be released as
	// payload once disambiguated.
	transport.SendData("a\r\nDIS")
	transport.SendData("K data\r\nmore")
	if got := readAll(t, bridge, 15); got != "a\r\nDISK data\r\nm" {
		t.Errorf("expected held bytes released as payload, got %q", got)
	}

	select {
	case <-bridge.Done():
		t.Fatal("session ended on a false marker prefix")
	default:
	}
}

func TestExitDataMode(t *testing.T) {
	m, transport := engine(t, func(b *modem.ConfigBuilder) {
		b.WithEscapeGuardTime(20 * time.Millisecond)
	})
	run(t, m)

	if err := m.ExitDataMode(context.Background()); !errors.Is(err, modem.ErrNotInDataMode) {
		t.Errorf("expected ErrNotInDataMode outside a session, got %v", err)
	}

	bridge := enterDataMode(t, m, transport, 1)

	if _, err := m.EnterDataMode(context.Background(), 2); !errors.Is(err, modem.ErrInDataMode) {
		t.Errorf("expected ErrInDataMode for nested session, got %v", err)
	}

	exitDone := make(chan error, 1)
	go func() {
		exitDone <- m.ExitDataMode(context.Background())
	}()

	// The guarded escape reaches the wire after the pre-sequence quiet
	// interval.
	writes := waitWrites(t, transport, 2)
	if string(writes[1]) != "+++" {
		t.Errorf("expected escape sequence write, got %q", writes[1])
	}
	pendDeadline := time.Now().Add(time.Second)
	for !bridge.EscapePending() {
		if time.Now().After(pendDeadline) {
			t.Fatal("expected escape pending after +++ written")
		}
		time.Sleep(time.Millisecond)
	}

	transport.SendData("\r\nDISCONNECT\r\n")
	select {
	case err := <-exitDone:
		if err != nil {
			t.Errorf("unexpected error from ExitDataMode: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ExitDataMode did not return after DISCONNECT")
	}
	select {
	case <-bridge.Done():
	case <-time.After(time.Second):
		t.Fatal("bridge not closed after exit")
	}
}

func TestDataModeEscapeDetection(t *testing.T) {
	m, transport := engine(t, func(b *modem.ConfigBuilder) {
		b.WithEscapeGuardTime(20 * time.Millisecond)
	})
	run(t, m)

	bridge := enterDataMode(t, m, transport, 0)

	// Plus signs adjacent to payload bytes are plain data.
	if _, err := bridge.Write([]byte("a+++")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if bridge.EscapePending() {
		t.Fatal("payload plus signs misread as escape")
	}

	// A guarded "+++" burst arms the escape after the trailing quiet
	// interval.
	if _, err := bridge.Write([]byte("+++")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for !bridge.EscapePending() {
		if time.Now().After(deadline) {
			t.Fatal("guarded escape sequence not detected")
		}
		time.Sleep(time.Millisecond)
	}

	transport.SendData("\r\nDISCONNECT\r\n")
	select {
	case <-bridge.Done():
	case <-time.After(time.Second):
		t.Fatal("bridge not closed")
	}
}

func TestEnterDataModeRejected(t *testing.T) {
	m, transport := engine(t)
	run(t, m)

	t.Run("Final OK without CONNECT", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := m.EnterDataMode(context.Background(), 0)
			done <- err
		}()
		waitWrites(t, transport, 1)
		transport.SendData("OK\r\n")

		err := <-done
		var perr *modem.ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("expected ProtocolError, got %v", err)
		}
	})

	t.Run("Final ERROR", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			_, err := m.EnterDataMode(context.Background(), 0)
			done <- err
		}()
		waitWrites(t, transport, 2)
		transport.SendData("+CME ERROR: 4\r\n")

		if err := <-done; err == nil {
			t.Error("expected error for rejected direct link")
		}
	})
}
