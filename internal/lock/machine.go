// Package lock implements the input-lock state machine.
//
// A Machine owns the capture tap exclusively. It cycles between exactly
// two states, Unlocked and Locked; the Locked state carries the active
// settings, the lock timestamp and an optional auto-release deadline.
// All tap operations are funneled through a single loop goroutine (the
// platform rule: the run loop that registers an interception handle must
// also service and tear it down), while the plain status fields are
// guarded by a mutex so status queries from arbitrary goroutines never
// race a transition in progress.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"inputlockd/internal/capture"
	"inputlockd/internal/logging"
)

// Error taxonomy returned by Lock. Unlock is total and never fails.
var (
	// ErrAlreadyLocked is benign and expected under races; callers
	// should not log it as an error.
	ErrAlreadyLocked = errors.New("lock: already locked")

	// ErrPermissionDenied means the process lacks the elevated
	// input-monitoring privilege. Recoverable out-of-band by the user.
	ErrPermissionDenied = errors.New("lock: input monitoring permission not granted")

	// ErrCaptureUnavailable means the platform refused to create the
	// interception handle. State is left unchanged; callers may retry.
	ErrCaptureUnavailable = errors.New("lock: capture unavailable")
)

// StateChangedFunc is invoked strictly after a state transition commits.
type StateChangedFunc func(locked bool, at time.Time)

// ReleaseHotkeyFunc is invoked when the release combination is detected.
// It runs on its own goroutine, concurrently with the unlock, so it may
// call back into the machine.
type ReleaseHotkeyFunc func()

// Machine is the service-wide lock state machine. Construct exactly one
// per process with New and tear it down with Close at process exit.
type Machine struct {
	tap capture.Tap
	log *logging.Logger

	mu         sync.Mutex
	locked     bool
	lockedAt   time.Time
	deadline   time.Time
	settings   Settings
	held       map[uint16]bool
	timer      *time.Timer
	generation uint64

	onStateChanged StateChangedFunc
	onRelease      ReleaseHotkeyFunc

	loopCh chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the machine and starts its loop goroutine.
func New(tap capture.Tap, log *logging.Logger) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		tap:    tap,
		log:    log,
		loopCh: make(chan func(), 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// OnStateChanged registers the transition hook. Set before the machine is
// exposed to callers; not synchronized against in-flight transitions.
func (m *Machine) OnStateChanged(fn StateChangedFunc) { m.onStateChanged = fn }

// OnReleaseHotkey registers the hotkey-detected hook.
func (m *Machine) OnReleaseHotkey(fn ReleaseHotkeyFunc) { m.onRelease = fn }

// run is the loop goroutine that owns the tap.
func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.loopCh:
			fn()
		case <-m.ctx.Done():
			return
		}
	}
}

// runOnLoop executes fn on the loop goroutine and waits for it.
func (m *Machine) runOnLoop(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case m.loopCh <- func() { errCh <- fn() }:
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
}

// PermissionGranted reports whether the elevated input-monitoring
// privilege is available to this process.
func (m *Machine) PermissionGranted() bool {
	ok, _ := m.tap.Available()
	return ok
}

// PermissionStatus returns the privilege state plus a human-readable
// reason when it is missing.
func (m *Machine) PermissionStatus() (bool, string) {
	return m.tap.Available()
}

// Status returns a snapshot of the current state.
func (m *Machine) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Locked:              m.locked,
		LockedAt:            m.lockedAt,
		AutoReleaseDeadline: m.deadline,
		Settings:            m.settings,
	}
}

// Lock acquires the input lock with the given settings. It fails with
// ErrAlreadyLocked if a lock is held, ErrPermissionDenied without the
// input-monitoring privilege, and ErrCaptureUnavailable when the platform
// refuses the interception handle; in every failure case the state is
// unchanged.
func (m *Machine) Lock(settings Settings) error {
	if err := settings.ReleaseHotkey.Validate(); err != nil {
		return err
	}
	if settings.AutoRelease.Enabled && settings.AutoRelease.Duration() <= 0 {
		return errors.New("lock: auto-release timeout must be positive")
	}

	// Serialize the check-and-set before any handle creation so two
	// concurrent callers never race to create two taps.
	m.mu.Lock()
	if m.locked {
		m.mu.Unlock()
		return ErrAlreadyLocked
	}
	m.mu.Unlock()

	if ok, reason := m.tap.Available(); !ok {
		m.log.Warn("lock refused, no input monitoring privilege", "reason", reason)
		return ErrPermissionDenied
	}

	return m.runOnLoop(func() error { return m.lockOnLoop(settings) })
}

// lockOnLoop runs on the loop goroutine.
func (m *Machine) lockOnLoop(settings Settings) error {
	m.mu.Lock()
	if m.locked {
		m.mu.Unlock()
		return ErrAlreadyLocked
	}
	m.mu.Unlock()

	if err := m.tap.Start(m.ctx, m); err != nil {
		switch {
		case errors.Is(err, capture.ErrPermissionDenied):
			return ErrPermissionDenied
		default:
			m.log.Error("capture start failed", "error", err)
			return ErrCaptureUnavailable
		}
	}

	now := time.Now()
	m.mu.Lock()
	m.locked = true
	m.lockedAt = now
	m.settings = settings
	m.held = make(map[uint16]bool)
	m.generation++
	gen := m.generation
	m.deadline = time.Time{}
	if settings.AutoRelease.Enabled {
		d := settings.AutoRelease.Duration()
		m.deadline = now.Add(d)
		m.timer = time.AfterFunc(d, func() { m.unlockIfGeneration(gen) })
	}
	m.mu.Unlock()

	m.log.Info("input locked",
		"hotkey", settings.ReleaseHotkey.String(),
		"auto_release", settings.AutoRelease.Enabled)
	m.notifyStateChanged(true, now)
	return nil
}

// Unlock releases the lock and reports whether this call performed the
// transition. It is idempotent: unlocking an unlocked machine is a no-op
// returning false, with no second state-change notification. The return
// value is decided on the loop goroutine, so under concurrent unlocks
// exactly one caller sees true.
func (m *Machine) Unlock() bool {
	var transitioned bool
	_ = m.runOnLoop(func() error {
		transitioned = m.unlockOnLoop()
		return nil
	})
	return transitioned
}

// unlockIfGeneration is the auto-release timer body. The generation guard
// keeps a stale timer from releasing a lock acquired after it was armed.
func (m *Machine) unlockIfGeneration(gen uint64) {
	_ = m.runOnLoop(func() error {
		m.mu.Lock()
		stale := m.generation != gen
		m.mu.Unlock()
		if !stale {
			m.log.Info("auto-release deadline reached")
			m.unlockOnLoop()
		}
		return nil
	})
}

// unlockOnLoop runs on the loop goroutine. It reports whether the lock
// was actually held.
func (m *Machine) unlockOnLoop() bool {
	m.mu.Lock()
	if !m.locked {
		m.mu.Unlock()
		return false
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	// Disable before invalidate happens inside the tap; doing the stop
	// before resetting the fields keeps the filter's view consistent
	// for any callback already in flight.
	if err := m.tap.Stop(); err != nil {
		m.log.Error("capture stop failed", "error", err)
	}

	now := time.Now()
	m.mu.Lock()
	m.locked = false
	m.lockedAt = time.Time{}
	m.deadline = time.Time{}
	m.held = nil
	m.mu.Unlock()

	m.log.Info("input unlocked")
	m.notifyStateChanged(false, now)
	return true
}

// HandleEvent is the event-filter hot path. It runs on the platform's
// dispatch thread for every matched event and must not block; anything
// that mutates lock state is redispatched to the loop goroutine.
func (m *Machine) HandleEvent(ev capture.Event) capture.Action {
	// Host disabled the tap (timeout or input flood): re-arm and pass
	// the event through. Liveness workaround, not a security decision.
	if ev.Kind == capture.TapDisabled {
		m.tap.Enable()
		return capture.Pass
	}

	m.mu.Lock()
	if !m.locked {
		// Defensive: should not occur given the registration lifecycle.
		m.mu.Unlock()
		return capture.Pass
	}

	switch ev.Kind {
	case capture.KeyDown:
		if !ev.Repeat {
			m.held[ev.KeyCode] = true
		}
	case capture.KeyUp:
		delete(m.held, ev.KeyCode)
	}

	hk := m.settings.ReleaseHotkey
	shouldRelease := false
	switch ev.Kind {
	case capture.KeyDown:
		shouldRelease = !ev.Repeat && hk.Matches(ev.KeyCode, ev.Modifiers)
	case capture.ModifierChange:
		// A combination expressed purely through modifiers has key
		// code zero, which counts as held.
		keyHeld := hk.KeyCode == 0 || m.held[hk.KeyCode]
		shouldRelease = keyHeld && hk.MatchesModifiers(ev.Modifiers)
	}
	m.mu.Unlock()

	if shouldRelease {
		m.scheduleRelease()
	}

	// Every event is consumed while locked, the release trigger
	// included: no keystroke may reach any application while the lock
	// is nominally active.
	return capture.Consume
}

// scheduleRelease queues the unlock on the loop goroutine without ever
// blocking the dispatch thread.
func (m *Machine) scheduleRelease() {
	release := func() {
		if m.onRelease != nil {
			// Off the loop goroutine: a hook that calls Lock or Unlock
			// would otherwise wait on the loop it is running on.
			go m.onRelease()
		}
		m.unlockOnLoop()
	}
	select {
	case m.loopCh <- release:
	default:
		// Loop backlog is full; hand off to a goroutine rather than
		// stall the dispatch thread.
		go func() {
			select {
			case m.loopCh <- release:
			case <-m.ctx.Done():
			}
		}()
	}
}

func (m *Machine) notifyStateChanged(locked bool, at time.Time) {
	if m.onStateChanged != nil {
		m.onStateChanged(locked, at)
	}
}

// Close unlocks if needed and stops the loop goroutine.
func (m *Machine) Close() {
	m.Unlock()
	m.cancel()
	<-m.done
}
