package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pquerna/otp"
	otplib "github.com/pquerna/otp/totp"

	"heimdall/internal/core"
)

// Tray states surfaced through OnStateChange
const (
	StateConnected = "connected"
	StateWarning   = "warning"
	StateBlocked   = "blocked"
	StateOffline   = "offline"
)

const (
	// syncInterval is the offline-queue drain cadence
	syncInterval = 30 * time.Second
	// syncBatchSize bounds one drain pass
	syncBatchSize = 50
	// cacheRetention is how long replayed events stay around
	cacheRetention = 7 * 24 * time.Hour
	// warningMinutes is the remaining-time threshold for the warning state
	warningMinutes = 5
	// defaultUnlockMinutes applies when the cached TOTP config carries
	// no usable minute value
	defaultUnlockMinutes = 30
)

// Local TOTP unlock refusals
var (
	ErrTOTPNotConfigured  = errors.New("no totp configuration cached")
	ErrTOTPModeNotAllowed = errors.New("requested mode not allowed")
	ErrTOTPInvalidCode    = errors.New("invalid totp code")
)

var errUndecodable = errors.New("undecodable cached payload")

// StateChangeFunc receives tray state transitions
type StateChangeFunc func(state string)

// Status is the live snapshot served by the remote control surface
type Status struct {
	Running       bool                      `json:"running"`
	DemoMode      bool                      `json:"demo_mode"`
	Online        bool                      `json:"online"`
	State         string                    `json:"state"`
	BlockedGroups []string                  `json:"blocked_groups"`
	CurrentApp    *AppSession               `json:"current_app,omitempty"`
	GroupLimits   []core.ResolvedGroupLimit `json:"group_limits"`
}

// Agent wires monitor, blocker, clients and cache into the loops that
// keep a device in policy.
type Agent struct {
	// OnStateChange fires when the tray state flips. The CLI logs it, a
	// tray UI can render it. Assign before Run.
	OnStateChange StateChangeFunc

	config  *Config
	monitor *Monitor
	blocker *Blocker
	rest    *RestClient
	ws      *WSClient
	cache   *Cache
	clock   core.Clock
	logger  *slog.Logger
	demo    bool

	mu                sync.Mutex
	running           bool
	online            bool
	state             string
	rules             *core.ResolvedRules
	totpConfig        *core.TOTPConfig
	totpOverrideUntil time.Time
}

// New creates a fully wired agent. The offline cache lives beside the
// config file.
func New(config *Config, cachePath string, clock core.Clock, logger *slog.Logger) (*Agent, error) {
	cache, err := OpenCache(cachePath, clock)
	if err != nil {
		return nil, err
	}

	platform := NewPlatform(logger)
	a := &Agent{
		config:  config,
		monitor: NewMonitor(platform, config.AppGroupMap, config.MonitorInterval(), clock, logger),
		blocker: NewBlocker(logger),
		rest:    NewRestClient(config, logger),
		ws:      NewWSClient(config, logger),
		cache:   cache,
		clock:   clock,
		logger:  logger.With("component", "agent"),
		state:   StateOffline,
	}
	a.monitor.OnAppChange = a.handleAppChange
	a.ws.OnMessage = a.handleWSMessage
	return a, nil
}

// NewDemo creates an agent running against the demo fixtures. No
// server, no cache; monitor and blocker behave normally.
func NewDemo(clock core.Clock, logger *slog.Logger) *Agent {
	config := DemoConfig()
	platform := NewPlatform(logger)

	a := &Agent{
		config:  config,
		monitor: NewMonitor(platform, config.AppGroupMap, config.MonitorInterval(), clock, logger),
		blocker: NewBlocker(logger),
		clock:   clock,
		logger:  logger.With("component", "agent"),
		demo:    true,
		online:  true,
		state:   StateConnected,
	}
	a.monitor.OnAppChange = a.handleAppChange
	return a
}

// Monitor exposes the process monitor for the remote control surface
func (a *Agent) Monitor() *Monitor { return a.monitor }

// Blocker exposes the app blocker for the remote control surface
func (a *Agent) Blocker() *Blocker { return a.blocker }

// DemoMode reports whether the agent runs without a server
func (a *Agent) DemoMode() bool { return a.demo }

// Run starts every loop and blocks until the context is cancelled. An
// unregistered non-demo agent refuses to start.
func (a *Agent) Run(ctx context.Context) error {
	if !a.demo && !a.config.IsRegistered() {
		return ErrNotRegistered
	}

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	if a.demo {
		a.logger.Info("starting in demo mode", "device_name", a.config.DeviceName)
		a.ApplyRules(DemoRules())
	} else {
		a.logger.Info("starting",
			"server_url", a.config.ServerURL,
			"device_name", a.config.DeviceName,
			"heartbeat_interval", a.config.HeartbeatInterval(),
			"rule_poll_interval", a.config.RulePollInterval(),
		)
		a.fetchAndCacheRules(ctx)
	}

	var wg sync.WaitGroup
	run := func(loop func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(ctx)
		}()
	}

	run(a.monitor.Run)
	run(a.enforceLoop)
	if !a.demo {
		run(a.ws.Run)
		run(a.heartbeatLoop)
		run(a.rulePollLoop)
		run(a.syncLoop)
	}

	<-ctx.Done()
	wg.Wait()

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close failed", "error", err)
		}
	}
	a.logger.Info("stopped")
	return nil
}

// Status returns a snapshot of the agent's state
func (a *Agent) Status() Status {
	a.mu.Lock()
	running := a.running
	online := a.online
	state := a.state
	rules := a.rules
	a.mu.Unlock()

	status := Status{
		Running:       running,
		DemoMode:      a.demo,
		Online:        online,
		State:         state,
		BlockedGroups: a.blocker.BlockedGroups(),
		CurrentApp:    a.monitor.CurrentSession(),
		GroupLimits:   []core.ResolvedGroupLimit{},
	}
	if rules != nil {
		status.GroupLimits = rules.GroupLimits
	}
	return status
}

// handleAppChange reports the closing and opening sessions as usage
// events, falling back to the offline cache when the server is away
func (a *Agent) handleAppChange(old, new *AppSession) {
	now := a.clock.Now().UTC()

	if old != nil {
		started := old.StartedAt
		seconds := int(now.Sub(old.StartedAt).Seconds())
		ended := now
		a.reportUsage(UsageEvent{
			AppPackage:      old.Executable,
			AppGroupID:      old.AppGroupID,
			EventType:       core.UsageEventStop,
			StartedAt:       &started,
			EndedAt:         &ended,
			DurationSeconds: &seconds,
		})
	}

	if new != nil {
		started := new.StartedAt
		a.reportUsage(UsageEvent{
			AppPackage: new.Executable,
			AppGroupID: new.AppGroupID,
			EventType:  core.UsageEventStart,
			StartedAt:  &started,
		})
	}
}

func (a *Agent) reportUsage(event UsageEvent) {
	if a.rest == nil {
		a.logger.Debug("usage event (demo)", "executable", event.AppPackage, "event_type", event.EventType)
		return
	}

	if err := a.rest.SendUsageEvent(context.Background(), event); err != nil {
		a.logger.Warn("usage report failed, queueing", "executable", event.AppPackage, "error", err)
		if a.cache != nil {
			if qerr := a.cache.QueueUsageEvent(event); qerr != nil {
				a.logger.Error("offline queue write failed", "error", qerr)
			}
		}
		a.setOnline(false)
		return
	}
	a.setOnline(true)
}

// heartbeatLoop posts a liveness ping every heartbeat interval
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := Heartbeat{Timestamp: a.clock.Now().UTC()}
			if session := a.monitor.CurrentSession(); session != nil {
				hb.ActiveApp = session.Executable
			}

			if err := a.rest.SendHeartbeat(ctx, hb); err != nil {
				a.logger.Warn("heartbeat failed, queueing", "error", err)
				if qerr := a.cache.QueueHeartbeat(hb); qerr != nil {
					a.logger.Error("offline queue write failed", "error", qerr)
				}
				a.setOnline(false)
				continue
			}
			a.setOnline(true)
		}
	}
}

// rulePollLoop refreshes policy every rule poll interval
func (a *Agent) rulePollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.RulePollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.fetchAndCacheRules(ctx)
		}
	}
}

// fetchAndCacheRules pulls fresh rules, applying the cached copy as a
// fallback when the server is unreachable
func (a *Agent) fetchAndCacheRules(ctx context.Context) {
	if a.rest == nil {
		return
	}

	rules, err := a.rest.FetchRules(ctx)
	if err != nil {
		a.logger.Warn("rule fetch failed, using cached rules", "error", err)
		a.setOnline(false)
		if a.cache != nil {
			cached, cerr := a.cache.CachedRules()
			if cerr != nil {
				a.logger.Error("cached rules unreadable", "error", cerr)
				return
			}
			if cached != nil {
				a.ApplyRules(cached)
			}
		}
		return
	}

	a.setOnline(true)
	a.ApplyRules(rules)
	if a.cache != nil {
		if err := a.cache.CacheRules(rules); err != nil {
			a.logger.Error("rules caching failed", "error", err)
		}
	}
}

// syncLoop drains the offline queue in order, stopping a batch on the
// first server failure so nothing is replayed out of sequence
func (a *Agent) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainPending(ctx)
		}
	}
}

func (a *Agent) drainPending(ctx context.Context) {
	events, err := a.cache.PendingEvents(syncBatchSize)
	if err != nil {
		a.logger.Error("pending events unreadable", "error", err)
		return
	}

	var synced []uint64
	for _, event := range events {
		if err := a.replayEvent(ctx, event); err != nil {
			if errors.Is(err, errUndecodable) {
				// A wedged entry would block the queue forever, count
				// it as replayed and let cleanup reap it
				a.logger.Warn("dropping undecodable queued event", "id", event.ID, "error", err)
				synced = append(synced, event.ID)
				continue
			}
			break
		}
		synced = append(synced, event.ID)
	}

	if len(synced) > 0 {
		if err := a.cache.MarkSyncedBatch(synced); err != nil {
			a.logger.Error("marking synced failed", "error", err)
		} else {
			a.logger.Info("offline events replayed", "count", len(synced))
		}
	}

	if removed, err := a.cache.Cleanup(cacheRetention); err != nil {
		a.logger.Warn("cache cleanup failed", "error", err)
	} else if removed > 0 {
		a.logger.Debug("cache cleaned", "removed", removed)
	}
}

func (a *Agent) replayEvent(ctx context.Context, event PendingEvent) error {
	switch event.Kind {
	case EventKindUsage:
		var payload UsageEvent
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("%w: %v", errUndecodable, err)
		}
		return a.rest.SendUsageEvent(ctx, payload)
	case EventKindHeartbeat:
		var payload Heartbeat
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("%w: %v", errUndecodable, err)
		}
		return a.rest.SendHeartbeat(ctx, payload)
	default:
		return fmt.Errorf("%w: unknown kind %q", errUndecodable, event.Kind)
	}
}

// enforceLoop applies the blocked set to the current session every
// monitor tick, except while a TOTP override window is open
func (a *Agent) enforceLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.overrideActive() {
				continue
			}
			a.blocker.Enforce(a.monitor.CurrentSession())
		}
	}
}

func (a *Agent) overrideActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.totpOverrideUntil.IsZero() {
		return false
	}
	if a.clock.Now().Before(a.totpOverrideUntil) {
		return true
	}

	a.totpOverrideUntil = time.Time{}
	a.logger.Info("totp override expired, enforcement resumed")
	return false
}

// handleWSMessage dispatches one server frame
func (a *Agent) handleWSMessage(msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "rules_updated":
		rules, err := decodeRules(msg["rules"])
		if err != nil {
			a.logger.Warn("rules frame undecodable", "error", err)
			return
		}
		a.ApplyRules(rules)
		if a.cache != nil {
			if err := a.cache.CacheRules(rules); err != nil {
				a.logger.Error("rules caching failed", "error", err)
			}
		}

	case "block_app":
		groupID, _ := msg["group_id"].(string)
		if groupID == "" {
			return
		}
		a.blocker.BlockGroup(groupID)
		a.blocker.Enforce(a.monitor.CurrentSession())
		a.updateState()

	case "unblock_app":
		groupID, _ := msg["group_id"].(string)
		if groupID == "" {
			return
		}
		a.blocker.UnblockGroup(groupID)
		a.updateState()

	case "tan_activated", "tan_redeemed":
		a.logger.Info("tan activation pushed, refreshing rules")
		a.fetchAndCacheRules(context.Background())

	case "pong", "heartbeat_ack", "ack":
		// Keepalive answers, nothing to do

	default:
		a.logger.Debug("unhandled server frame", "type", msgType)
	}
}

func decodeRules(raw any) (*core.ResolvedRules, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var rules core.ResolvedRules
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, err
	}
	return &rules, nil
}

// ApplyRules updates the blocked set, the executable mapping and the
// cached TOTP config from a rules payload, then recomputes the tray
// state
func (a *Agent) ApplyRules(rules *core.ResolvedRules) {
	if rules == nil {
		return
	}

	for _, limit := range rules.GroupLimits {
		if limit.MaxMinutes > 0 && limit.UsedMinutes >= limit.MaxMinutes {
			a.blocker.BlockGroup(limit.GroupID)
			continue
		}
		a.blocker.UnblockGroup(limit.GroupID)

		remaining := limit.MaxMinutes - limit.UsedMinutes
		if limit.MaxMinutes > 0 && remaining <= warningMinutes {
			a.logger.Info("group close to its limit",
				"group_id", limit.GroupID,
				"remaining_minutes", remaining,
			)
		}
	}

	if len(rules.AppGroupMap) > 0 {
		a.monitor.SetAppGroupMap(rules.AppGroupMap)
	}

	a.mu.Lock()
	a.rules = rules
	a.totpConfig = rules.TOTPConfig
	a.mu.Unlock()

	a.updateState()
	a.logger.Info("rules applied",
		"day_type", rules.DayType,
		"groups", len(rules.GroupLimits),
		"blocked", len(a.blocker.BlockedGroups()),
	)
}

// UnlockTOTP validates an authenticator code against the cached secret
// and opens a local override window, no server round-trip needed. It
// returns the granted window length.
func (a *Agent) UnlockTOTP(code, mode string) (time.Duration, error) {
	a.mu.Lock()
	config := a.totpConfig
	a.mu.Unlock()

	if config == nil || !config.Enabled || config.Secret == "" {
		return 0, ErrTOTPNotConfigured
	}

	switch mode {
	case string(core.TOTPModeTAN), string(core.TOTPModeOverride):
	default:
		return 0, fmt.Errorf("%w: %q", ErrTOTPModeNotAllowed, mode)
	}
	if config.Mode != core.TOTPModeBoth && string(config.Mode) != mode {
		return 0, fmt.Errorf("%w: configured mode is %q", ErrTOTPModeNotAllowed, config.Mode)
	}

	valid, err := otplib.ValidateCustom(code, config.Secret, a.clock.Now().UTC(), otplib.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return 0, ErrTOTPInvalidCode
	}

	minutes := config.TANMinutes
	if mode == string(core.TOTPModeOverride) {
		minutes = config.OverrideMinutes
	}
	if minutes <= 0 {
		minutes = defaultUnlockMinutes
	}
	window := time.Duration(minutes) * time.Minute

	a.mu.Lock()
	a.totpOverrideUntil = a.clock.Now().Add(window)
	a.mu.Unlock()

	for _, groupID := range a.blocker.BlockedGroups() {
		a.blocker.UnblockGroup(groupID)
	}
	a.updateState()

	a.logger.Info("totp unlock granted", "mode", mode, "minutes", minutes)
	return window, nil
}

func (a *Agent) setOnline(online bool) {
	a.mu.Lock()
	changed := a.online != online
	a.online = online
	a.mu.Unlock()

	if changed {
		a.logger.Info("connectivity changed", "online", online)
		a.updateState()
	}
}

// updateState recomputes the tray state: blocked beats warning beats
// connected/offline
func (a *Agent) updateState() {
	a.mu.Lock()
	rules := a.rules
	online := a.online
	a.mu.Unlock()

	var state string
	switch {
	case len(a.blocker.BlockedGroups()) > 0:
		state = StateBlocked
	case hasWarning(rules):
		state = StateWarning
	case online:
		state = StateConnected
	default:
		state = StateOffline
	}

	a.mu.Lock()
	changed := a.state != state
	a.state = state
	a.mu.Unlock()

	if changed {
		a.logger.Info("state changed", "state", state)
		if a.OnStateChange != nil {
			a.OnStateChange(state)
		}
	}
}

func hasWarning(rules *core.ResolvedRules) bool {
	if rules == nil {
		return false
	}
	for _, limit := range rules.GroupLimits {
		remaining := limit.MaxMinutes - limit.UsedMinutes
		if limit.MaxMinutes > 0 && remaining > 0 && remaining <= warningMinutes {
			return true
		}
	}
	return false
}
