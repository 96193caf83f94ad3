package lock

import (
	"time"

	"inputlockd/internal/hotkey"
)

// AutoRelease is the self-expiry policy for a lock. The zero value means
// the lock holds until explicitly released.
type AutoRelease struct {
	Enabled bool  `json:"enabled"`
	Seconds int64 `json:"seconds,omitempty"`
}

// Timed returns a policy that releases the lock after d.
func Timed(d time.Duration) AutoRelease {
	return AutoRelease{Enabled: true, Seconds: int64(d / time.Second)}
}

// Duration returns the configured expiry interval.
func (a AutoRelease) Duration() time.Duration {
	return time.Duration(a.Seconds) * time.Second
}

// Settings is the immutable per-lock configuration snapshot. It is
// serializable because unprivileged collaborators persist it in the local
// settings store; the daemon reads it at lock time and never writes it.
type Settings struct {
	AutoRelease     AutoRelease   `json:"auto_release"`
	ReleaseHotkey   hotkey.Hotkey `json:"release_hotkey"`
	NotifyOnRelease bool          `json:"notify_on_release"`
}

// DefaultSettings returns the settings used when the store has none:
// no auto-release, ctrl+alt+l to escape.
func DefaultSettings() Settings {
	return Settings{
		ReleaseHotkey: hotkey.Hotkey{
			KeyCode:   38, // l
			Modifiers: hotkey.ModControl | hotkey.ModAlt,
		},
	}
}

// State is a point-in-time snapshot of the machine. AutoReleaseDeadline is
// non-zero only while locked under a timed policy; LockedAt is non-zero
// iff Locked.
type State struct {
	Locked              bool      `json:"locked"`
	LockedAt            time.Time `json:"locked_at,omitzero"`
	AutoReleaseDeadline time.Time `json:"auto_release_deadline,omitzero"`
	Settings            Settings  `json:"settings"`
}
