package sara

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fieldlink.io/drivers/sarar5/modem"
)

// Commander is the slice of the AT engine the driver needs. *modem.Modem
// satisfies it; tests substitute a fake.
type Commander interface {
	Submit(ctx context.Context, req modem.Request) (*modem.Response, error)
	RegisterURC(prefix string, h modem.URCHandler) error
	EnterDataMode(ctx context.Context, socketID int) (*modem.DataMode, error)
}

// SocketProtocol selects the transport protocol for AT+USOCR.
type SocketProtocol int

const (
	ProtocolTCP SocketProtocol = 6
	ProtocolUDP SocketProtocol = 17
)

// Module drives one SARA-R5. Construct with New before the engine loop
// starts, since URC registration is only legal then.
type Module struct {
	m     Commander
	log   *zap.Logger
	state *tracker
}

// Option configures a Module.
type Option func(*Module)

// WithWarningFunc installs a callback for state consistency warnings.
func WithWarningFunc(f WarningFunc) Option {
	return func(mod *Module) { mod.state.warn = f }
}

// New wires the driver's URC handlers into the engine. Must be called
// before modem.Loop starts.
func New(m Commander, log *zap.Logger, opts ...Option) (*Module, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mod := &Module{m: m, log: log}
	mod.state = newTracker(log, nil)
	for _, opt := range opts {
		opt(mod)
	}

	handlers := []struct {
		prefix string
		h      modem.URCHandler
	}{
		{"+CEREG:", mod.handleCEREG},
		{"+UUPSDA:", mod.handleUUPSDA},
		{"+UUPSDD:", mod.handleUUPSDD},
		{"+UUSOCO:", mod.handleUUSOCO},
		{"+UUSOCL:", mod.handleUUSOCL},
	}
	for _, hr := range handlers {
		if err := m.RegisterURC(hr.prefix, hr.h); err != nil {
			return nil, fmt.Errorf("sara: registering %s handler: %w", hr.prefix, err)
		}
	}
	return mod, nil
}

// State returns a snapshot of the module state machine.
func (mod *Module) State() State {
	return mod.state.snapshot()
}

// Init probes the module and puts it into the baseline configuration:
// echo off, numeric CME error reporting. On success the power state is
// Ready.
func (mod *Module) Init(ctx context.Context) error {
	mod.state.setPower(PowerBooting)
	for _, cmd := range []string{"AT", "ATE0", "AT+CMEE=1"} {
		if _, err := mod.m.Submit(ctx, modem.Request{Cmd: cmd}); err != nil {
			mod.state.setPower(PowerError)
			return fmt.Errorf("sara: init %s: %w", cmd, err)
		}
	}
	mod.state.setPower(PowerReady)
	mod.log.Info("module initialized")
	return nil
}

// EnableRegistrationURC turns on unsolicited +CEREG reports so the state
// machine tracks registration without polling.
func (mod *Module) EnableRegistrationURC(ctx context.Context) error {
	if _, err := mod.m.Submit(ctx, modem.Request{Cmd: "AT+CEREG=1"}); err != nil {
		return fmt.Errorf("sara: enabling CEREG reports: %w", err)
	}
	return nil
}

// RegistrationStatus polls AT+CEREG? and feeds the result through the
// state machine before returning it.
func (mod *Module) RegistrationStatus(ctx context.Context) (Registration, error) {
	resp, err := mod.m.Submit(ctx, modem.Request{Cmd: "AT+CEREG?"})
	if err != nil {
		return NotRegistered, fmt.Errorf("sara: reading registration: %w", err)
	}
	data, err := singleInfo(resp, "+CEREG:")
	if err != nil {
		return NotRegistered, err
	}
	stat, err := parseCEREGStat(data, false)
	if err != nil {
		return NotRegistered, err
	}
	reg := registrationFromStat(stat)
	mod.state.setRegistration(reg, "AT+CEREG?")
	return reg, nil
}

// WaitForRegistration polls until the module registers or ctx expires.
func (mod *Module) WaitForRegistration(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		reg, err := mod.RegistrationStatus(ctx)
		if err != nil {
			return err
		}
		if reg.Registered() {
			return nil
		}
		if reg == Denied {
			return fmt.Errorf("sara: network registration denied")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ActivatePDP requests activation of the given PSD profile. Completion is
// reported asynchronously by +UUPSDA; use State to observe it, or the OK
// itself on modules that activate synchronously.
func (mod *Module) ActivatePDP(ctx context.Context, profile int) error {
	if err := validProfile(profile); err != nil {
		return err
	}
	mod.state.pdpActivating()
	cmd := fmt.Sprintf("AT+UPSDA=%d,3", profile)
	if _, err := mod.m.Submit(ctx, modem.Request{Cmd: cmd, Timeout: 180 * time.Second}); err != nil {
		mod.state.pdpDeactivated("AT+UPSDA")
		return fmt.Errorf("sara: activating PDP context: %w", err)
	}
	return nil
}

// DeactivatePDP deactivates the given PSD profile.
func (mod *Module) DeactivatePDP(ctx context.Context, profile int) error {
	if err := validProfile(profile); err != nil {
		return err
	}
	cmd := fmt.Sprintf("AT+UPSDA=%d,4", profile)
	if _, err := mod.m.Submit(ctx, modem.Request{Cmd: cmd, Timeout: 180 * time.Second}); err != nil {
		return fmt.Errorf("sara: deactivating PDP context: %w", err)
	}
	mod.state.pdpDeactivated("AT+UPSDA")
	return nil
}

func validProfile(profile int) error {
	if profile < 0 || profile > 6 {
		return fmt.Errorf("sara: PSD profile %d out of range", profile)
	}
	return nil
}

// CreateSocket asks the module for a new socket and returns its id.
// localPort 0 lets the module pick an ephemeral port.
func (mod *Module) CreateSocket(ctx context.Context, proto SocketProtocol, localPort int) (int, error) {
	cmd := fmt.Sprintf("AT+USOCR=%d", proto)
	if localPort != 0 {
		cmd = fmt.Sprintf("AT+USOCR=%d,%d", proto, localPort)
	}
	resp, err := mod.m.Submit(ctx, modem.Request{Cmd: cmd})
	if err != nil {
		return -1, fmt.Errorf("sara: creating socket: %w", err)
	}
	data, err := singleInfo(resp, "+USOCR:")
	if err != nil {
		return -1, err
	}
	var id int
	if _, err := fmt.Sscanf(strings.TrimSpace(data), "%d", &id); err != nil {
		return -1, fmt.Errorf("sara: malformed USOCR response %q: %w", data, err)
	}
	if !validSocket(id) {
		return -1, fmt.Errorf("sara: socket id %d out of range", id)
	}
	return id, nil
}

// Connect opens socket id towards addr:port. The socket is Opening while
// the command runs and Open once the module confirms.
func (mod *Module) Connect(ctx context.Context, id int, addr string, port int) error {
	if !validSocket(id) {
		return fmt.Errorf("sara: socket id %d out of range", id)
	}
	mod.state.socketOpening(id, "AT+USOCO")
	cmd := fmt.Sprintf("AT+USOCO=%d,%q,%d", id, addr, port)
	if _, err := mod.m.Submit(ctx, modem.Request{Cmd: cmd, Timeout: 130 * time.Second}); err != nil {
		mod.state.socketClosed(id, "AT+USOCO")
		return fmt.Errorf("sara: connecting socket %d: %w", id, err)
	}
	mod.state.socketOpened(id, "AT+USOCO")
	return nil
}

// Send writes data on socket id with AT+USOWR. The module prompts with
// "@" before accepting the payload; the engine handles the prompt.
func (mod *Module) Send(ctx context.Context, id int, data []byte) (int, error) {
	if !validSocket(id) {
		return 0, fmt.Errorf("sara: socket id %d out of range", id)
	}
	if st := mod.state.snapshot().Sockets[id]; st != SocketOpen {
		return 0, fmt.Errorf("sara: socket %d not open (%s)", id, st)
	}
	resp, err := mod.m.Submit(ctx, modem.Request{
		Cmd:     fmt.Sprintf("AT+USOWR=%d,%d", id, len(data)),
		Payload: data,
		Timeout: 120 * time.Second,
	})
	if err != nil {
		return 0, fmt.Errorf("sara: writing socket %d: %w", id, err)
	}
	info, err := singleInfo(resp, "+USOWR:")
	if err != nil {
		return 0, err
	}
	var rid, n int
	if _, err := fmt.Sscanf(strings.TrimSpace(info), "%d,%d", &rid, &n); err != nil {
		return 0, fmt.Errorf("sara: malformed USOWR response %q: %w", info, err)
	}
	return n, nil
}

// CloseSocket closes socket id.
func (mod *Module) CloseSocket(ctx context.Context, id int) error {
	if !validSocket(id) {
		return fmt.Errorf("sara: socket id %d out of range", id)
	}
	mod.state.socketClosing(id, "AT+USOCL")
	if _, err := mod.m.Submit(ctx, modem.Request{Cmd: fmt.Sprintf("AT+USOCL=%d", id), Timeout: 120 * time.Second}); err != nil {
		return fmt.Errorf("sara: closing socket %d: %w", id, err)
	}
	mod.state.socketClosed(id, "AT+USOCL")
	return nil
}

// DirectLink switches socket id into transparent data mode (AT+USODL) and
// returns the byte bridge. The socket must be Open.
func (mod *Module) DirectLink(ctx context.Context, id int) (*modem.DataMode, error) {
	if !validSocket(id) {
		return nil, fmt.Errorf("sara: socket id %d out of range", id)
	}
	if st := mod.state.snapshot().Sockets[id]; st != SocketOpen {
		return nil, fmt.Errorf("sara: socket %d not open (%s)", id, st)
	}
	bridge, err := mod.m.EnterDataMode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sara: entering direct link on socket %d: %w", id, err)
	}
	return bridge, nil
}

// handleCEREG consumes the unsolicited registration report. The URC form
// carries <stat> first.
func (mod *Module) handleCEREG(line string) {
	data := strings.TrimPrefix(line, "+CEREG:")
	stat, err := parseCEREGStat(data, true)
	if err != nil {
		mod.log.Warn("unparsable CEREG report", zap.String("line", line), zap.Error(err))
		return
	}
	if stat == 4 || stat == 8 {
		mod.log.Debug("untracked registration status", zap.Int("stat", stat))
	}
	mod.state.setRegistration(registrationFromStat(stat), "+CEREG URC")
}

// handleUUPSDA consumes the PDP activation report: +UUPSDA: <result>[,<ip>].
func (mod *Module) handleUUPSDA(line string) {
	data := strings.TrimSpace(strings.TrimPrefix(line, "+UUPSDA:"))
	fields := strings.Split(data, ",")
	if len(fields) == 0 || strings.TrimSpace(fields[0]) != "0" {
		mod.log.Warn("PDP activation failed", zap.String("line", line))
		mod.state.pdpDeactivated("+UUPSDA")
		return
	}
	addr := ""
	if len(fields) > 1 {
		addr = strings.Trim(strings.TrimSpace(fields[1]), `"`)
	}
	mod.state.pdpActivated(addr, "+UUPSDA")
}

func (mod *Module) handleUUPSDD(line string) {
	mod.state.pdpDeactivated("+UUPSDD")
}

// handleUUSOCO consumes the async connect report: +UUSOCO: <socket>,<error>.
func (mod *Module) handleUUSOCO(line string) {
	data := strings.TrimSpace(strings.TrimPrefix(line, "+UUSOCO:"))
	var id, errno int
	if _, err := fmt.Sscanf(data, "%d,%d", &id, &errno); err != nil {
		mod.log.Warn("unparsable UUSOCO report", zap.String("line", line), zap.Error(err))
		return
	}
	if errno != 0 {
		mod.log.Warn("socket connect failed", zap.Int("socket", id), zap.Int("errno", errno))
		mod.state.socketClosed(id, "+UUSOCO")
		return
	}
	mod.state.socketOpened(id, "+UUSOCO")
}

// handleUUSOCL consumes the remote closure report: +UUSOCL: <socket>.
func (mod *Module) handleUUSOCL(line string) {
	data := strings.TrimSpace(strings.TrimPrefix(line, "+UUSOCL:"))
	var id int
	if _, err := fmt.Sscanf(data, "%d", &id); err != nil {
		mod.log.Warn("unparsable UUSOCL report", zap.String("line", line), zap.Error(err))
		return
	}
	mod.state.socketClosed(id, "+UUSOCL")
}

// singleInfo returns the payload of the one expected info line.
func singleInfo(resp *modem.Response, prefix string) (string, error) {
	for _, line := range resp.Info {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
		}
	}
	return "", fmt.Errorf("sara: missing %s line in response", prefix)
}
