//go:build linux

package ipc

import (
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the conventional socket location: a /run
// subdirectory when running privileged, the user runtime directory
// otherwise.
func DefaultSocketPath() string {
	if os.Geteuid() == 0 {
		return "/run/inputlockd/inputlockd.sock"
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "inputlockd", "inputlockd.sock")
	}
	return filepath.Join(os.TempDir(), "inputlockd", "inputlockd.sock")
}
