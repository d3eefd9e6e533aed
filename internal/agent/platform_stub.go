//go:build !windows

package agent

import "log/slog"

// StubPlatform implements Platform where no foreground-window API is
// wired up. It reports a fixed placeholder so the monitor loop stays
// exercisable on development machines.
type StubPlatform struct {
	logger *slog.Logger
}

// NewStubPlatform creates a new stub platform implementation
func NewStubPlatform(logger *slog.Logger) *StubPlatform {
	return &StubPlatform{
		logger: logger.With("component", "platform-stub"),
	}
}

// ForegroundApp returns the deterministic placeholder descriptor
func (p *StubPlatform) ForegroundApp() (*ForegroundApp, error) {
	return &ForegroundApp{
		Executable:  "dummy.exe",
		WindowTitle: "Dummy Window",
		PID:         0,
	}, nil
}

// NewPlatform creates a new platform implementation for the current OS
func NewPlatform(logger *slog.Logger) Platform {
	return NewStubPlatform(logger)
}

// Ensure StubPlatform implements Platform
var _ Platform = (*StubPlatform)(nil)
