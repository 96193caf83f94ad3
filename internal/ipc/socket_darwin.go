//go:build darwin

package ipc

import (
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the conventional socket location for a
// launchd daemon or a per-user agent.
func DefaultSocketPath() string {
	if os.Geteuid() == 0 {
		return "/var/run/inputlockd/inputlockd.sock"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "inputlockd", "inputlockd.sock")
	}
	return filepath.Join(home, "Library", "Application Support", "inputlockd", "inputlockd.sock")
}
