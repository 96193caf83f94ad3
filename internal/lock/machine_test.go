package lock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inputlockd/internal/capture"
	"inputlockd/internal/hotkey"
	"inputlockd/internal/logging"
)

func testMachine(t *testing.T) (*Machine, *capture.SimulatedTap) {
	t.Helper()
	tap := capture.NewSimulated()
	m := New(tap, logging.Default())
	t.Cleanup(m.Close)
	return m, tap
}

func testSettings() Settings {
	return Settings{
		ReleaseHotkey: hotkey.Hotkey{
			KeyCode:   38, // l
			Modifiers: hotkey.ModControl | hotkey.ModAlt,
		},
	}
}

// waitUnlocked blocks until the asynchronous release lands.
func waitUnlocked(t *testing.T, m *Machine) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !m.Status().Locked
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================
// Lock / Unlock
// ============================================================

func TestLockUnlock(t *testing.T) {
	m, tap := testMachine(t)

	require.NoError(t, m.Lock(testSettings()))

	st := m.Status()
	assert.True(t, st.Locked)
	assert.False(t, st.LockedAt.IsZero())
	assert.True(t, st.AutoReleaseDeadline.IsZero())
	assert.True(t, tap.Running())

	m.Unlock()

	st = m.Status()
	assert.False(t, st.Locked)
	assert.True(t, st.LockedAt.IsZero())
	assert.False(t, tap.Running())
}

func TestLockWhileLocked(t *testing.T) {
	m, tap := testMachine(t)

	require.NoError(t, m.Lock(testSettings()))
	lockedAt := m.Status().LockedAt

	err := m.Lock(testSettings())
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	// The losing call must not disturb the held lock.
	st := m.Status()
	assert.True(t, st.Locked)
	assert.Equal(t, lockedAt, st.LockedAt)
	assert.Equal(t, int64(1), tap.StartCalls())
}

func TestUnlockIdempotent(t *testing.T) {
	m, tap := testMachine(t)

	var mu sync.Mutex
	var transitions []bool
	m.OnStateChanged(func(locked bool, at time.Time) {
		mu.Lock()
		transitions = append(transitions, locked)
		mu.Unlock()
	})

	m.Unlock() // nothing held, must be a silent no-op
	require.NoError(t, m.Lock(testSettings()))
	m.Unlock()
	m.Unlock()
	m.Unlock()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
	assert.Equal(t, int64(1), tap.StopCalls())
}

func TestUnlockReportsTransition(t *testing.T) {
	m, _ := testMachine(t)

	assert.False(t, m.Unlock())
	require.NoError(t, m.Lock(testSettings()))
	assert.True(t, m.Unlock())
	assert.False(t, m.Unlock())
}

func TestConcurrentUnlockSingleReporter(t *testing.T) {
	m, _ := testMachine(t)
	require.NoError(t, m.Lock(testSettings()))

	const callers = 8
	results := make(chan bool, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			results <- m.Unlock()
		}()
	}
	start.Done()

	// Exactly one caller performed the transition; the rest were no-ops.
	winners := 0
	for i := 0; i < callers; i++ {
		if <-results {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.False(t, m.Status().Locked)
}

func TestConcurrentLockSingleWinner(t *testing.T) {
	m, tap := testMachine(t)

	const callers = 16
	errs := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			errs <- m.Lock(testSettings())
		}()
	}
	start.Done()

	var won, lost int
	for i := 0; i < callers; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyLocked):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, won)
	assert.Equal(t, callers-1, lost)
	assert.Equal(t, int64(1), tap.StartCalls())
	assert.True(t, m.Status().Locked)
}

func TestLockWithoutPermission(t *testing.T) {
	m, tap := testMachine(t)
	tap.SetAvailable(false, "input monitoring not granted")

	err := m.Lock(testSettings())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, m.Status().Locked)
	assert.Equal(t, int64(0), tap.StartCalls())
}

func TestLockCaptureFailure(t *testing.T) {
	m, tap := testMachine(t)
	tap.FailNextStart(errors.New("device busy"))

	err := m.Lock(testSettings())
	assert.ErrorIs(t, err, ErrCaptureUnavailable)
	assert.False(t, m.Status().Locked)

	// The failure is transient; a retry succeeds.
	require.NoError(t, m.Lock(testSettings()))
}

func TestLockRejectsInvalidHotkey(t *testing.T) {
	m, _ := testMachine(t)

	s := testSettings()
	s.ReleaseHotkey.Modifiers = 0
	err := m.Lock(s)
	assert.ErrorIs(t, err, hotkey.ErrNoModifiers)
	assert.False(t, m.Status().Locked)
}

// ============================================================
// Auto-release
// ============================================================

func TestAutoRelease(t *testing.T) {
	m, _ := testMachine(t)

	var mu sync.Mutex
	var transitions []bool
	m.OnStateChanged(func(locked bool, at time.Time) {
		mu.Lock()
		transitions = append(transitions, locked)
		mu.Unlock()
	})

	s := testSettings()
	s.AutoRelease = Timed(time.Second)
	start := time.Now()
	require.NoError(t, m.Lock(s))

	st := m.Status()
	require.False(t, st.AutoReleaseDeadline.IsZero())
	assert.WithinDuration(t, start.Add(time.Second), st.AutoReleaseDeadline, 200*time.Millisecond)

	// Must still be held shortly before the deadline.
	time.Sleep(500 * time.Millisecond)
	assert.True(t, m.Status().Locked)

	waitUnlocked(t, m)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Second)

	st = m.Status()
	assert.True(t, st.AutoReleaseDeadline.IsZero())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestAutoReleaseStaleTimerIgnored(t *testing.T) {
	m, _ := testMachine(t)

	s := testSettings()
	s.AutoRelease = Timed(time.Second)
	require.NoError(t, m.Lock(s))
	m.Unlock()

	// Re-acquire without a timeout; the first lock's timer must not
	// release this one even after its deadline passes.
	require.NoError(t, m.Lock(testSettings()))
	time.Sleep(1200 * time.Millisecond)
	assert.True(t, m.Status().Locked)
}

// ============================================================
// Event filtering
// ============================================================

func TestEventsConsumedWhileLocked(t *testing.T) {
	m, tap := testMachine(t)
	require.NoError(t, m.Lock(testSettings()))

	events := []capture.Event{
		{Kind: capture.KeyDown, KeyCode: 30},                                    // a
		{Kind: capture.KeyUp, KeyCode: 30},                                      // a
		{Kind: capture.KeyDown, KeyCode: 38},                                    // l, no modifiers
		{Kind: capture.KeyDown, KeyCode: 38, Modifiers: hotkey.ModControl},      // partial combo
		{Kind: capture.ModifierChange, Modifiers: hotkey.ModControl},            //
		{Kind: capture.SideButtonDown, KeyCode: 0x113},                          //
		{Kind: capture.KeyDown, KeyCode: 30, Modifiers: hotkey.ModControl | hotkey.ModAlt}, // wrong key
	}
	for _, ev := range events {
		assert.Equal(t, capture.Consume, tap.Inject(ev), "event %+v must be consumed", ev)
	}
	assert.True(t, m.Status().Locked)
}

func TestEventsPassWhenUnlocked(t *testing.T) {
	m, tap := testMachine(t)
	require.NoError(t, m.Lock(testSettings()))
	m.Unlock()

	action := tap.Inject(capture.Event{Kind: capture.KeyDown, KeyCode: 30})
	assert.Equal(t, capture.Pass, action)
}

func TestReleaseHotkeyUnlocks(t *testing.T) {
	m, tap := testMachine(t)

	released := make(chan struct{}, 1)
	m.OnReleaseHotkey(func() { released <- struct{}{} })

	require.NoError(t, m.Lock(testSettings()))

	// The trigger keystroke itself must be suppressed.
	action := tap.Inject(capture.Event{
		Kind:      capture.KeyDown,
		KeyCode:   38,
		Modifiers: hotkey.ModControl | hotkey.ModAlt,
	})
	assert.Equal(t, capture.Consume, action)

	waitUnlocked(t, m)
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release hook not invoked")
	}
}

func TestReleaseHookCanUseMachine(t *testing.T) {
	m, tap := testMachine(t)

	// A hook that calls back into the machine must not wedge the loop
	// goroutine the unlock runs on.
	hookDone := make(chan struct{})
	m.OnReleaseHotkey(func() {
		m.Unlock()
		m.Status()
		close(hookDone)
	})

	require.NoError(t, m.Lock(testSettings()))
	tap.Inject(capture.Event{
		Kind:      capture.KeyDown,
		KeyCode:   38,
		Modifiers: hotkey.ModControl | hotkey.ModAlt,
	})

	select {
	case <-hookDone:
	case <-time.After(2 * time.Second):
		t.Fatal("release hook blocked calling back into the machine")
	}
	waitUnlocked(t, m)
}

func TestReleaseHotkeyIgnoresVolatileModifiers(t *testing.T) {
	m, tap := testMachine(t)
	require.NoError(t, m.Lock(testSettings()))

	// Caps lock and num lock must not mask the combination.
	action := tap.Inject(capture.Event{
		Kind:      capture.KeyDown,
		KeyCode:   38,
		Modifiers: hotkey.ModControl | hotkey.ModAlt | hotkey.ModCapsLock | hotkey.ModNumLock,
	})
	assert.Equal(t, capture.Consume, action)
	waitUnlocked(t, m)
}

func TestReleaseHotkeyIgnoresRepeats(t *testing.T) {
	m, tap := testMachine(t)
	require.NoError(t, m.Lock(testSettings()))

	tap.Inject(capture.Event{
		Kind:      capture.KeyDown,
		KeyCode:   38,
		Modifiers: hotkey.ModControl | hotkey.ModAlt,
		Repeat:    true,
	})

	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.Status().Locked)
}

func TestModifierOnlyHotkey(t *testing.T) {
	m, tap := testMachine(t)

	s := Settings{
		ReleaseHotkey: hotkey.Hotkey{
			Modifiers: hotkey.ModControl | hotkey.ModShift,
		},
	}
	require.NoError(t, m.Lock(s))

	// Partial combination held: stay locked.
	tap.Inject(capture.Event{Kind: capture.ModifierChange, Modifiers: hotkey.ModControl})
	time.Sleep(50 * time.Millisecond)
	assert.True(t, m.Status().Locked)

	action := tap.Inject(capture.Event{
		Kind:      capture.ModifierChange,
		Modifiers: hotkey.ModControl | hotkey.ModShift,
	})
	assert.Equal(t, capture.Consume, action)
	waitUnlocked(t, m)
}

func TestModifierChangeNeedsKeyHeld(t *testing.T) {
	m, tap := testMachine(t)
	require.NoError(t, m.Lock(testSettings()))

	// Modifiers complete but the key was never pressed: stay locked.
	tap.Inject(capture.Event{
		Kind:      capture.ModifierChange,
		Modifiers: hotkey.ModControl | hotkey.ModAlt,
	})
	time.Sleep(50 * time.Millisecond)
	assert.True(t, m.Status().Locked)

	// Key goes down first (without full modifiers), then the last
	// modifier arrives: release.
	tap.Inject(capture.Event{
		Kind:      capture.KeyDown,
		KeyCode:   38,
		Modifiers: hotkey.ModControl,
	})
	tap.Inject(capture.Event{
		Kind:      capture.ModifierChange,
		Modifiers: hotkey.ModControl | hotkey.ModAlt,
	})
	waitUnlocked(t, m)
}

func TestTapDisabledReenables(t *testing.T) {
	m, tap := testMachine(t)
	require.NoError(t, m.Lock(testSettings()))

	action := tap.Inject(capture.Event{Kind: capture.TapDisabled})
	assert.Equal(t, capture.Pass, action)
	assert.Equal(t, int64(1), tap.EnableCalls())
	assert.True(t, m.Status().Locked)
}

func TestFilterDoesNotBlock(t *testing.T) {
	m, tap := testMachine(t)
	require.NoError(t, m.Lock(testSettings()))

	// A burst far larger than the loop backlog must still return
	// promptly from every call.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			tap.Inject(capture.Event{Kind: capture.KeyDown, KeyCode: 30})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("filter blocked under burst")
	}
}

func TestCloseReleasesLock(t *testing.T) {
	tap := capture.NewSimulated()
	m := New(tap, logging.Default())

	require.NoError(t, m.Lock(testSettings()))
	m.Close()

	assert.False(t, tap.Running())
}
