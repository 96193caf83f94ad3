//go:build unix

package security

import (
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// disableCoreDumps zeroes the core rlimit so no keystroke buffer ever
// reaches a dump file.
func disableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0})
}

// setRestrictiveUmask makes every file the daemon creates owner-only.
func setRestrictiveUmask() {
	syscall.Umask(0077)
}

// debuggerAttached reports whether a tracer is attached. Linux exposes
// this in /proc/self/status; elsewhere we cannot tell and report false.
func debuggerAttached() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if tracer, ok := strings.CutPrefix(line, "TracerPid:"); ok {
			tracer = strings.TrimSpace(tracer)
			return tracer != "" && tracer != "0"
		}
	}
	return false
}
