// Package capture provides exclusive input interception.
//
// A Tap grabs the system keyboard/mouse input and feeds every matched
// event through a Filter, which decides per event whether it is passed to
// the rest of the system or consumed. The tap is the scarce single-owner
// resource of the whole service: at most one tap is active per machine,
// and a tap left enabled by a crashed owner can render the machine
// unusable, so ownership and teardown order matter.
//
// Platform support:
//   - Linux: evdev device grab (EVIOCGRAB), requires input group or root
//   - other platforms: not available, the simulated tap still works
package capture

import (
	"context"
	"errors"

	"inputlockd/internal/hotkey"
)

// EventKind classifies an intercepted input event.
type EventKind int

const (
	// KeyDown is a key press (Repeat marks auto-repeat).
	KeyDown EventKind = iota
	// KeyUp is a key release.
	KeyUp
	// ModifierChange reports a change in modifier state with no
	// accompanying key event.
	ModifierChange
	// SideButtonDown and SideButtonUp are auxiliary mouse buttons.
	SideButtonDown
	SideButtonUp
	// TapDisabled signals that the host involuntarily disabled the tap
	// (event timeout or excessive user input). This is a liveness
	// notification, not an input event.
	TapDisabled
)

// Event is a single intercepted input event.
type Event struct {
	Kind      EventKind
	KeyCode   uint16
	Modifiers hotkey.Modifiers
	Repeat    bool
}

// Action is the filter's verdict for one event.
type Action int

const (
	// Pass delivers the event to the rest of the system unmodified.
	Pass Action = iota
	// Consume suppresses the event entirely.
	Consume
)

// Filter receives every matched event while the tap is active. It runs on
// the tap's dispatch thread and must not block or panic; any state
// mutation it wants must be redispatched elsewhere.
type Filter interface {
	HandleEvent(Event) Action
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(Event) Action

func (f FilterFunc) HandleEvent(ev Event) Action { return f(ev) }

// Tap is the live interception registration. Start and Stop must be
// called from the goroutine that owns the tap's event loop; the state
// machine funnels all tap operations through its loop goroutine for that
// reason.
type Tap interface {
	// Start registers the tap and begins delivering events to the
	// filter. The tap stops when Stop is called or ctx is cancelled.
	Start(ctx context.Context, f Filter) error

	// Stop disables event delivery first and then invalidates the
	// registration, in that order, so no callback races teardown.
	Stop() error

	// Enable re-arms a tap the host disabled (see TapDisabled).
	Enable()

	// Available reports whether interception can work with the current
	// platform and permissions, with a human-readable reason.
	Available() (bool, string)
}

// Errors shared by tap implementations.
var (
	// ErrPermissionDenied means the elevated input-monitoring privilege
	// is not granted to this process.
	ErrPermissionDenied = errors.New("capture: input monitoring permission denied")

	// ErrTapUnavailable means the platform refused to create the
	// interception handle.
	ErrTapUnavailable = errors.New("capture: interception unavailable")

	// ErrAlreadyRunning is returned by Start on a running tap.
	ErrAlreadyRunning = errors.New("capture: tap already running")
)

// New returns the interception tap for the current platform.
func New() Tap {
	return newPlatformTap()
}
