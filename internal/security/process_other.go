//go:build !unix

package security

import "errors"

func disableCoreDumps() error {
	return errors.New("not supported on this platform")
}

func setRestrictiveUmask() {}

func debuggerAttached() bool { return false }
