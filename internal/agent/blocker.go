package agent

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	// gracefulKillTimeout is how long a process gets to exit after the
	// polite terminate signal
	gracefulKillTimeout = 3 * time.Second
	// forceKillTimeout bounds the wait after the hard kill
	forceKillTimeout = 2 * time.Second
	// killPollInterval is the liveness re-check cadence while waiting
	killPollInterval = 100 * time.Millisecond
)

// BlockActionFunc is notified after a blocked session's processes were
// terminated, so a UI layer can surface the block to the child.
type BlockActionFunc func(executable, groupID string)

// Blocker holds the set of blocked app groups and terminates processes
// that belong to them.
type Blocker struct {
	// OnBlockAction fires once per enforced session. Assign before use.
	OnBlockAction BlockActionFunc

	mu      sync.Mutex
	blocked map[string]struct{}
	logger  *slog.Logger
}

// NewBlocker creates a blocker with an empty blocked set
func NewBlocker(logger *slog.Logger) *Blocker {
	return &Blocker{
		blocked: map[string]struct{}{},
		logger:  logger.With("component", "blocker"),
	}
}

// BlockGroup adds a group to the blocked set. Idempotent.
func (b *Blocker) BlockGroup(groupID string) {
	b.mu.Lock()
	_, already := b.blocked[groupID]
	b.blocked[groupID] = struct{}{}
	b.mu.Unlock()

	if !already {
		b.logger.Info("group blocked", "group_id", groupID)
	}
}

// UnblockGroup removes a group from the blocked set. Idempotent.
func (b *Blocker) UnblockGroup(groupID string) {
	b.mu.Lock()
	_, present := b.blocked[groupID]
	delete(b.blocked, groupID)
	b.mu.Unlock()

	if present {
		b.logger.Info("group unblocked", "group_id", groupID)
	}
}

// IsBlocked reports whether the group is blocked. The empty group id,
// meaning an unmapped executable, is never blocked.
func (b *Blocker) IsBlocked(groupID string) bool {
	if groupID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[groupID]
	return ok
}

// BlockedGroups returns a sorted copy of the blocked set
func (b *Blocker) BlockedGroups() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.blocked))
	for groupID := range b.blocked {
		out = append(out, groupID)
	}
	b.mu.Unlock()

	sort.Strings(out)
	return out
}

// Enforce kills every process matching the session's executable when
// its group is blocked, then fires OnBlockAction. Nil sessions and
// unblocked groups are no-ops. Returns the number of processes killed.
func (b *Blocker) Enforce(session *AppSession) int {
	if session == nil || !b.IsBlocked(session.AppGroupID) {
		return 0
	}

	killed := b.KillByExecutable(session.Executable)
	b.logger.Info("blocked app enforced",
		"executable", session.Executable,
		"group_id", session.AppGroupID,
		"killed", killed,
	)

	if b.OnBlockAction != nil {
		b.OnBlockAction(session.Executable, session.AppGroupID)
	}
	return killed
}

// KillProcess terminates one process, politely first: terminate, wait
// up to 3 s, then kill and wait up to 2 s. A pid that is already gone
// counts as success.
func (b *Blocker) KillProcess(pid int32) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return true
	}

	if err := proc.Terminate(); err != nil {
		b.logger.Debug("terminate failed, escalating", "pid", pid, "error", err)
	} else if waitGone(proc, gracefulKillTimeout) {
		return true
	}

	if err := proc.Kill(); err != nil {
		gone, _ := isGone(proc)
		return gone
	}
	return waitGone(proc, forceKillTimeout)
}

// KillByExecutable kills every running process whose name matches the
// executable, case-insensitively. Returns how many were killed.
func (b *Blocker) KillByExecutable(executable string) int {
	procs, err := process.Processes()
	if err != nil {
		b.logger.Warn("process enumeration failed", "error", err)
		return 0
	}

	count := 0
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil || !strings.EqualFold(name, executable) {
			continue
		}
		if b.KillProcess(proc.Pid) {
			count++
		}
	}
	return count
}

func isGone(proc *process.Process) (bool, error) {
	running, err := proc.IsRunning()
	if err != nil {
		return true, err
	}
	return !running, nil
}

func waitGone(proc *process.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if gone, _ := isGone(proc); gone {
			return true
		}
		time.Sleep(killPollInterval)
	}
	gone, _ := isGone(proc)
	return gone
}
