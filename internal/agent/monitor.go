package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"heimdall/internal/core"
)

// AppSession is one continuous stretch of a single application holding
// the foreground. AppGroupID is empty when the executable maps to no
// tracked group.
type AppSession struct {
	Executable  string    `json:"executable"`
	WindowTitle string    `json:"window_title"`
	AppGroupID  string    `json:"app_group_id,omitempty"`
	PID         int32     `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
}

// AppChangeFunc receives foreground transitions. Either session may be
// nil: no prior session, or the foreground was lost.
type AppChangeFunc func(old, new *AppSession)

// Monitor samples the foreground application and turns changes into
// session transitions.
type Monitor struct {
	// OnAppChange is invoked outside the monitor lock for every
	// transition. Assign before Run.
	OnAppChange AppChangeFunc

	platform Platform
	interval time.Duration
	clock    core.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	groupMap  map[string]string
	current   *AppSession
	simulated *ForegroundApp
}

// NewMonitor creates a monitor over the given platform. groupMap keys
// are lowercased on the way in so lookups stay case-insensitive.
func NewMonitor(platform Platform, groupMap map[string]string, interval time.Duration, clock core.Clock, logger *slog.Logger) *Monitor {
	m := &Monitor{
		platform: platform,
		interval: interval,
		clock:    clock,
		logger:   logger.With("component", "monitor"),
		groupMap: map[string]string{},
	}
	m.SetAppGroupMap(groupMap)
	return m
}

// SetAppGroupMap replaces the executable-to-group mapping. Rules pushes
// carry a fresh mapping, so this runs concurrently with polling.
func (m *Monitor) SetAppGroupMap(groupMap map[string]string) {
	normalized := make(map[string]string, len(groupMap))
	for exe, groupID := range groupMap {
		normalized[strings.ToLower(exe)] = groupID
	}

	m.mu.Lock()
	m.groupMap = normalized
	m.mu.Unlock()
}

// AppGroupMap returns a copy of the current mapping
func (m *Monitor) AppGroupMap() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.groupMap))
	for exe, groupID := range m.groupMap {
		out[exe] = groupID
	}
	return out
}

// SimulateForeground overrides the platform query with a fixed app,
// used by tests and the remote control surface
func (m *Monitor) SimulateForeground(executable, windowTitle string) {
	m.mu.Lock()
	m.simulated = &ForegroundApp{Executable: executable, WindowTitle: windowTitle, PID: 0}
	m.mu.Unlock()

	m.logger.Info("simulating foreground app", "executable", executable)
}

// ClearSimulation removes the simulation override
func (m *Monitor) ClearSimulation() {
	m.mu.Lock()
	m.simulated = nil
	m.mu.Unlock()
}

// CurrentSession returns the active session, or nil when nothing holds
// the foreground
func (m *Monitor) CurrentSession() *AppSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Poll samples the foreground once and emits a transition when the
// application changed since the last sample.
func (m *Monitor) Poll() {
	m.mu.Lock()

	fg := m.simulated
	if fg == nil {
		var err error
		fg, err = m.platform.ForegroundApp()
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("foreground query failed", "error", err)
			return
		}
	}

	if fg == nil {
		old := m.current
		m.current = nil
		m.mu.Unlock()
		if old != nil {
			m.emit(old, nil)
		}
		return
	}

	if m.current != nil && m.current.Executable == fg.Executable && m.current.PID == fg.PID {
		m.mu.Unlock()
		return
	}

	session := &AppSession{
		Executable:  fg.Executable,
		WindowTitle: fg.WindowTitle,
		AppGroupID:  m.groupMap[strings.ToLower(fg.Executable)],
		PID:         fg.PID,
		StartedAt:   m.clock.Now().UTC(),
	}
	old := m.current
	m.current = session
	m.mu.Unlock()

	m.logger.Debug("foreground changed",
		"executable", session.Executable,
		"app_group_id", session.AppGroupID,
		"pid", session.PID,
	)
	m.emit(old, session)
}

// Run polls at the configured interval until the context is cancelled.
// An active session is closed out on the way down so its usage gets
// reported.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			old := m.current
			m.current = nil
			m.mu.Unlock()
			if old != nil {
				m.emit(old, nil)
			}
			return
		case <-ticker.C:
			m.Poll()
		}
	}
}

func (m *Monitor) emit(old, new *AppSession) {
	if m.OnAppChange != nil {
		m.OnAppChange(old, new)
	}
}
