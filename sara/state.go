// Package sara drives a u-blox SARA-R5 family module on top of the generic
// AT engine: it owns the module state machine (power, network registration,
// PDP context, sockets), registers the URC handlers that feed it, and
// exposes the SARA command set (registration, PDP activation, sockets,
// direct link, radio statistics).
package sara

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// PowerState is the module's gross operational state.
type PowerState int

const (
	PowerOff PowerState = iota
	PowerBooting
	PowerReady
	PowerError
)

func (s PowerState) String() string {
	switch s {
	case PowerOff:
		return "Off"
	case PowerBooting:
		return "Booting"
	case PowerReady:
		return "Ready"
	case PowerError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Registration is the EPS network registration state (AT+CEREG).
type Registration int

const (
	NotRegistered Registration = iota
	Searching
	RegisteredHome
	RegisteredRoaming
	Denied
)

func (r Registration) String() string {
	switch r {
	case Searching:
		return "Searching"
	case RegisteredHome:
		return "RegisteredHome"
	case RegisteredRoaming:
		return "RegisteredRoaming"
	case Denied:
		return "Denied"
	default:
		return "NotRegistered"
	}
}

// Registered reports whether data service is available.
func (r Registration) Registered() bool {
	return r == RegisteredHome || r == RegisteredRoaming
}

// PDPState is the packet data context state (AT+UPSDA, +UUPSDA/+UUPSDD).
type PDPState int

const (
	PDPInactive PDPState = iota
	PDPActivating
	PDPActive
)

func (s PDPState) String() string {
	switch s {
	case PDPActivating:
		return "Activating"
	case PDPActive:
		return "Active"
	default:
		return "Inactive"
	}
}

// SocketState tracks one module socket through its lifecycle. Legal edges
// are Closed->Opening->Open->Closing->Closed only; a closure report forces
// Closed from any state.
type SocketState int

const (
	SocketClosed SocketState = iota
	SocketOpening
	SocketOpen
	SocketClosing
)

func (s SocketState) String() string {
	switch s {
	case SocketOpening:
		return "Opening"
	case SocketOpen:
		return "Open"
	case SocketClosing:
		return "Closing"
	default:
		return "Closed"
	}
}

// MaxSockets is the module's socket identifier range (0..MaxSockets-1).
const MaxSockets = 7

// State is a point-in-time snapshot of the module. Reads are snapshots:
// no atomicity is promised across fields.
type State struct {
	Power        PowerState
	Registration Registration
	PDP          PDPState
	PDPAddress   string
	Sockets      [MaxSockets]SocketState
}

// ConsistencyWarning reports a state-machine trigger that is structurally
// impossible from the current state (e.g. a PDP activation while power is
// Off). It is informational: the machine resynchronizes to the module's
// reported fact, since the module is authoritative.
type ConsistencyWarning struct {
	Trigger string
	Detail  string
}

func (w ConsistencyWarning) Error() string {
	return fmt.Sprintf("sara: inconsistent %s: %s", w.Trigger, w.Detail)
}

// WarningFunc receives consistency warnings. Called on the engine loop;
// must not block.
type WarningFunc func(ConsistencyWarning)

// tracker is the module state machine. Mutations arrive from URC handlers
// and transaction outcomes; reads may come from any goroutine.
type tracker struct {
	mu   sync.Mutex
	s    State
	log  *zap.Logger
	warn WarningFunc
}

func newTracker(log *zap.Logger, warn WarningFunc) *tracker {
	return &tracker{log: log, warn: warn}
}

func (t *tracker) snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

func (t *tracker) warnf(trigger, format string, args ...any) {
	w := ConsistencyWarning{Trigger: trigger, Detail: fmt.Sprintf(format, args...)}
	t.log.Warn("module state inconsistency", zap.String("trigger", trigger), zap.String("detail", w.Detail))
	if t.warn != nil {
		t.warn(w)
	}
}

// aliveLocked resynchronizes power state when the module demonstrably
// talks to us while we believed it off.
func (t *tracker) aliveLocked(trigger string) {
	if t.s.Power == PowerOff {
		t.warnf(trigger, "module reported activity while power state was Off")
		t.s.Power = PowerReady
	}
}

func (t *tracker) setPower(p PowerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.Power != p {
		t.log.Info("power state", zap.Stringer("from", t.s.Power), zap.Stringer("to", p))
	}
	t.s.Power = p
}

func (t *tracker) setRegistration(r Registration, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliveLocked(trigger)
	if t.s.Registration != r {
		t.log.Info("registration state", zap.Stringer("from", t.s.Registration), zap.Stringer("to", r))
	}
	t.s.Registration = r
}

func (t *tracker) pdpActivating() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.s.PDP = PDPActivating
}

func (t *tracker) pdpActivated(addr string, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliveLocked(trigger)
	if t.s.PDP == PDPActive {
		return // redelivered, idempotent
	}
	t.log.Info("PDP context active", zap.String("address", addr))
	t.s.PDP = PDPActive
	t.s.PDPAddress = addr
}

func (t *tracker) pdpDeactivated(trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aliveLocked(trigger)
	if t.s.PDP == PDPInactive {
		return
	}
	t.log.Info("PDP context deactivated")
	t.s.PDP = PDPInactive
	t.s.PDPAddress = ""
}

func (t *tracker) socketOpening(id int, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validSocket(id) {
		t.warnf(trigger, "socket id %d out of range", id)
		return
	}
	switch t.s.Sockets[id] {
	case SocketClosed:
		t.s.Sockets[id] = SocketOpening
	case SocketOpening:
		// retried, idempotent
	default:
		t.warnf(trigger, "socket %d opening while %s", id, t.s.Sockets[id])
		t.s.Sockets[id] = SocketOpening
	}
}

func (t *tracker) socketOpened(id int, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validSocket(id) {
		t.warnf(trigger, "socket id %d out of range", id)
		return
	}
	t.aliveLocked(trigger)
	switch t.s.Sockets[id] {
	case SocketOpening:
		t.log.Info("socket open", zap.Int("socket", id))
		t.s.Sockets[id] = SocketOpen
	case SocketOpen:
		// networks may redeliver, idempotent
	default:
		t.warnf(trigger, "socket %d opened while %s", id, t.s.Sockets[id])
		t.s.Sockets[id] = SocketOpen
	}
}

func (t *tracker) socketClosing(id int, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validSocket(id) {
		t.warnf(trigger, "socket id %d out of range", id)
		return
	}
	switch t.s.Sockets[id] {
	case SocketOpen:
		t.s.Sockets[id] = SocketClosing
	case SocketClosing, SocketClosed:
		// already on the way down, idempotent
	default:
		t.warnf(trigger, "socket %d closing while %s", id, t.s.Sockets[id])
		t.s.Sockets[id] = SocketClosing
	}
}

// socketClosed forces Closed from any state: a closure report is always
// accepted, and a redelivered one is a no-op.
func (t *tracker) socketClosed(id int, trigger string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validSocket(id) {
		t.warnf(trigger, "socket id %d out of range", id)
		return
	}
	t.aliveLocked(trigger)
	if t.s.Sockets[id] == SocketClosed {
		return
	}
	t.log.Info("socket closed", zap.Int("socket", id))
	t.s.Sockets[id] = SocketClosed
}

func validSocket(id int) bool {
	return id >= 0 && id < MaxSockets
}

// registrationFromStat maps a +CEREG <stat> value. Values outside the
// tracked set (4 "unknown", 8 "emergency only") conservatively map to
// NotRegistered.
func registrationFromStat(stat int) Registration {
	switch stat {
	case 1:
		return RegisteredHome
	case 2:
		return Searching
	case 3:
		return Denied
	case 5:
		return RegisteredRoaming
	default:
		return NotRegistered
	}
}

// parseCEREGStat extracts <stat> from either form of +CEREG data: the URC
// form leads with <stat>, the read response with <n>,<stat>.
func parseCEREGStat(data string, urc bool) (int, error) {
	fields := strings.Split(strings.TrimSpace(data), ",")
	idx := 0
	if !urc {
		idx = 1
	}
	if len(fields) <= idx {
		return 0, fmt.Errorf("sara: malformed CEREG data %q", data)
	}
	stat, err := strconv.Atoi(strings.TrimSpace(fields[idx]))
	if err != nil {
		return 0, fmt.Errorf("sara: malformed CEREG stat in %q: %w", data, err)
	}
	return stat, nil
}
