// Package security hardens the daemon process at startup.
//
// The daemon sees every keystroke while a lock is held, so its memory
// is sensitive: core dumps are disabled, the umask is tightened so
// sockets and logs are never group-readable, and loader-injection
// environment variables are scrubbed before any library code runs.
package security

import (
	"os"
	"runtime"

	"inputlockd/internal/logging"
)

// Report captures the process state after hardening, for the startup
// log and diagnostics.
type Report struct {
	PID              int      `json:"pid"`
	EUID             int      `json:"euid"`
	Root             bool     `json:"root"`
	Platform         string   `json:"platform"`
	DebuggerAttached bool     `json:"debugger_attached"`
	Warnings         []string `json:"warnings,omitempty"`
}

// injectionVars are loader environment variables that let another
// process interpose code into ours.
var injectionVars = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"LD_AUDIT",
	"DYLD_INSERT_LIBRARIES",
	"DYLD_LIBRARY_PATH",
	"DYLD_FRAMEWORK_PATH",
}

// Harden applies process hardening and returns a report. Individual
// failures are downgraded to warnings; a daemon that cannot tighten a
// limit still provides more protection running than not.
func Harden(log *logging.Logger) *Report {
	log = log.WithComponent("security")

	report := &Report{
		PID:      os.Getpid(),
		EUID:     os.Geteuid(),
		Root:     os.Geteuid() == 0,
		Platform: runtime.GOOS,
	}

	for _, v := range injectionVars {
		if os.Getenv(v) != "" {
			os.Unsetenv(v)
			report.Warnings = append(report.Warnings, "scrubbed "+v)
		}
	}

	if err := disableCoreDumps(); err != nil {
		report.Warnings = append(report.Warnings, "core dumps not disabled: "+err.Error())
	}
	setRestrictiveUmask()

	report.DebuggerAttached = debuggerAttached()
	if report.DebuggerAttached {
		report.Warnings = append(report.Warnings, "debugger attached, captured input may be observable")
	}

	for _, w := range report.Warnings {
		log.Warn("hardening", "warning", w)
	}
	log.Info("process hardened",
		"pid", report.PID, "euid", report.EUID, "root", report.Root)
	return report
}
