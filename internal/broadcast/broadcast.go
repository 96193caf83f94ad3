// Package broadcast publishes lock state transitions on the D-Bus
// session bus so out-of-process observers (status bars, other tools)
// can react without holding an IPC connection to the daemon.
//
// Two signals are emitted per transition on the io.inputlock.Daemon1
// interface: Changed, with no payload, for observers that re-query
// state themselves, and State, carrying the new locked flag. The bus
// is an optional facility: when it is unreachable the broadcaster
// degrades to a no-op and the daemon runs without it.
package broadcast

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"inputlockd/internal/logging"
)

// Bus identity.
const (
	BusName    = "io.inputlock.Daemon1"
	ObjectPath = dbus.ObjectPath("/io/inputlock/Daemon1")
	Interface  = "io.inputlock.Daemon1"

	SignalChanged = Interface + ".Changed"
	SignalState   = Interface + ".State"
)

// emitter is the slice of *dbus.Conn the broadcaster needs.
type emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...any) error
	Close() error
}

// Broadcaster publishes state transitions. The zero-value (or one
// built from an unreachable bus) is a safe no-op.
type Broadcaster struct {
	bus emitter
	log *logging.Logger
}

// NewBroadcaster connects to the session bus and claims the well-known
// name. A connection failure is reported but yields a usable no-op
// broadcaster; lock service correctness never depends on the bus.
func NewBroadcaster(log *logging.Logger) (*Broadcaster, error) {
	log = log.WithComponent("broadcast")

	conn, err := dbus.SessionBus()
	if err != nil {
		log.Warn("session bus unavailable, state broadcast disabled", "error", err)
		return &Broadcaster{log: log}, nil
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("bus name %s already owned", BusName)
		}
		return nil, fmt.Errorf("claim bus name: %w", err)
	}

	return &Broadcaster{bus: conn, log: log}, nil
}

// newWithEmitter is the test constructor.
func newWithEmitter(bus emitter, log *logging.Logger) *Broadcaster {
	return &Broadcaster{bus: bus, log: log}
}

// Broadcast emits the transition signals. Emission failures are logged
// and swallowed; the transition already committed.
func (b *Broadcaster) Broadcast(locked bool) {
	if b == nil || b.bus == nil {
		return
	}
	if err := b.bus.Emit(ObjectPath, SignalChanged); err != nil {
		b.log.Warn("emit failed", "signal", SignalChanged, "error", err)
		return
	}
	if err := b.bus.Emit(ObjectPath, SignalState, locked); err != nil {
		b.log.Warn("emit failed", "signal", SignalState, "error", err)
	}
}

// Close releases the bus connection.
func (b *Broadcaster) Close() error {
	if b == nil || b.bus == nil {
		return nil
	}
	return b.bus.Close()
}
