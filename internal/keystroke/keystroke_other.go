//go:build !darwin && !linux

package keystroke

import (
	"context"
)

// StubSource is used on unsupported platforms.
type StubSource struct {
	baseSource
}

func newPlatformSource(Options) Source {
	return &StubSource{}
}

// Available returns false on unsupported platforms.
func (s *StubSource) Available() (bool, string) {
	return false, "keyboard interception not implemented for this platform"
}

// Start returns an error on unsupported platforms.
func (s *StubSource) Start(context.Context, Decider) error {
	return ErrNotAvailable
}

// Stop is a no-op on unsupported platforms.
func (s *StubSource) Stop() error {
	return nil
}

// Devices always returns 0.
func (s *StubSource) Devices() int {
	return 0
}
