package agent

// ForegroundApp identifies the process that owns the foreground window.
type ForegroundApp struct {
	Executable  string
	WindowTitle string
	PID         int32
}

// Platform abstracts the foreground-window query per OS. This allows
// testing the monitor on any platform with fake implementations.
type Platform interface {
	// ForegroundApp returns the current foreground application, or nil
	// when no window has focus.
	ForegroundApp() (*ForegroundApp, error)
}
