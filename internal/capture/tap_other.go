//go:build !linux

package capture

import "context"

// stubTap is used on platforms without an interception backend.
type stubTap struct{}

func newPlatformTap() Tap {
	return &stubTap{}
}

func (s *stubTap) Available() (bool, string) {
	return false, "input interception not implemented for this platform"
}

func (s *stubTap) Start(ctx context.Context, f Filter) error {
	return ErrTapUnavailable
}

func (s *stubTap) Stop() error { return nil }

func (s *stubTap) Enable() {}
