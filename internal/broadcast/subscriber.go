package broadcast

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"inputlockd/internal/logging"
)

// StateFunc receives the locked flag from State signals. Changed
// signals carry no payload and are folded into the same callback by a
// follow-up State signal from the same transition.
type StateFunc func(locked bool)

// Token cancels a subscription. Cancel is idempotent.
type Token struct {
	once   sync.Once
	cancel func()
}

// Cancel removes the subscription and releases its bus resources.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
}

// Subscribe listens for lock state signals on the session bus and
// invokes fn for every transition. The callback runs on the
// subscription's own goroutine.
func Subscribe(fn StateFunc, log *logging.Logger) (*Token, error) {
	log = log.WithComponent("broadcast")

	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(Interface),
		dbus.WithMatchObjectPath(ObjectPath),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("add match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)

	go func() {
		for sig := range ch {
			dispatch(sig, fn, log)
		}
	}()

	return &Token{cancel: func() {
		conn.RemoveSignal(ch)
		conn.RemoveMatchSignal(
			dbus.WithMatchInterface(Interface),
			dbus.WithMatchObjectPath(ObjectPath),
		)
		close(ch)
		conn.Close()
	}}, nil
}

// dispatch routes one bus signal to the callback. Split out so signal
// decoding is testable without a live bus.
func dispatch(sig *dbus.Signal, fn StateFunc, log *logging.Logger) {
	if sig == nil || sig.Path != ObjectPath {
		return
	}
	switch sig.Name {
	case SignalState:
		if len(sig.Body) != 1 {
			log.Warn("malformed state signal", "body_len", len(sig.Body))
			return
		}
		locked, ok := sig.Body[0].(bool)
		if !ok {
			log.Warn("malformed state signal", "body_type", fmt.Sprintf("%T", sig.Body[0]))
			return
		}
		fn(locked)
	case SignalChanged:
		// No payload; the paired State signal drives the callback.
	}
}
