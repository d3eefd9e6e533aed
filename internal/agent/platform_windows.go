//go:build windows

package agent

import (
	"log/slog"
	"syscall"
	"unsafe"

	"github.com/shirou/gopsutil/v3/process"
)

// WindowsPlatform reads the foreground window through user32.dll
type WindowsPlatform struct {
	logger *slog.Logger
}

// NewWindowsPlatform creates a new Windows platform implementation
func NewWindowsPlatform(logger *slog.Logger) *WindowsPlatform {
	return &WindowsPlatform{
		logger: logger.With("component", "platform"),
	}
}

// ForegroundApp returns the executable, window title and pid of the
// process owning the foreground window. A vanished owner reads as no
// foreground at all.
func (p *WindowsPlatform) ForegroundApp() (*ForegroundApp, error) {
	user32 := syscall.NewLazyDLL("user32.dll")
	getForegroundWindow := user32.NewProc("GetForegroundWindow")
	getWindowThreadProcessId := user32.NewProc("GetWindowThreadProcessId")
	getWindowTextW := user32.NewProc("GetWindowTextW")

	hwnd, _, _ := getForegroundWindow.Call()
	if hwnd == 0 {
		return nil, nil
	}

	var pid uint32
	getWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))
	if pid == 0 {
		return nil, nil
	}

	buf := make([]uint16, 256)
	n, _, _ := getWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, nil
	}
	name, err := proc.Name()
	if err != nil || name == "" {
		p.logger.Debug("foreground process has no readable name", "pid", pid, "error", err)
		return nil, nil
	}

	return &ForegroundApp{
		Executable:  name,
		WindowTitle: syscall.UTF16ToString(buf[:n]),
		PID:         int32(pid),
	}, nil
}

// NewPlatform creates a new platform implementation for the current OS
func NewPlatform(logger *slog.Logger) Platform {
	return NewWindowsPlatform(logger)
}

// Ensure WindowsPlatform implements Platform
var _ Platform = (*WindowsPlatform)(nil)
