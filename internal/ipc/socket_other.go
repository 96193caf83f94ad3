//go:build !linux && !darwin

package ipc

import (
	"os"
	"path/filepath"
)

// DefaultSocketPath is a placeholder on unsupported platforms; the
// daemon itself refuses to start without a capture backend.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), "inputlockd", "inputlockd.sock")
}
