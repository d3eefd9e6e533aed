package agent

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockerSetOperations(t *testing.T) {
	blocker := NewBlocker(testLogger())

	blocker.BlockGroup("grp-games")
	blocker.BlockGroup("grp-games")
	blocker.BlockGroup("grp-browser")

	assert.Equal(t, []string{"grp-browser", "grp-games"}, blocker.BlockedGroups())
	assert.True(t, blocker.IsBlocked("grp-games"))
	assert.False(t, blocker.IsBlocked("grp-office"))

	blocker.UnblockGroup("grp-games")
	blocker.UnblockGroup("grp-games")
	assert.Equal(t, []string{"grp-browser"}, blocker.BlockedGroups())
}

func TestBlockerEmptyGroupNeverBlocked(t *testing.T) {
	blocker := NewBlocker(testLogger())
	blocker.BlockGroup("grp-games")

	assert.False(t, blocker.IsBlocked(""))
}

func TestEnforceSkipsNilAndUnblocked(t *testing.T) {
	blocker := NewBlocker(testLogger())
	fired := false
	blocker.OnBlockAction = func(executable, groupID string) { fired = true }

	assert.Zero(t, blocker.Enforce(nil))
	assert.Zero(t, blocker.Enforce(&AppSession{Executable: "game.exe", AppGroupID: "grp-games"}))
	assert.Zero(t, blocker.Enforce(&AppSession{Executable: "game.exe"}))
	assert.False(t, fired)
}

func TestEnforceFiresBlockAction(t *testing.T) {
	blocker := NewBlocker(testLogger())
	blocker.BlockGroup("grp-games")

	var gotExe, gotGroup string
	blocker.OnBlockAction = func(executable, groupID string) {
		gotExe = executable
		gotGroup = groupID
	}

	// No such process is running, so nothing dies, but the block still
	// surfaces to the UI callback
	killed := blocker.Enforce(&AppSession{Executable: "heimdall-no-such.exe", AppGroupID: "grp-games"})

	assert.Zero(t, killed)
	assert.Equal(t, "heimdall-no-such.exe", gotExe)
	assert.Equal(t, "grp-games", gotGroup)
}

func TestKillProcessAlreadyGone(t *testing.T) {
	blocker := NewBlocker(testLogger())

	assert.True(t, blocker.KillProcess(2147483646))
}

// spawnVictim copies the sleep binary under a distinctive name so the
// kill-by-name path cannot touch unrelated processes. Linux truncates
// process names to 15 chars, keep it short.
func spawnVictim(t *testing.T) (*exec.Cmd, int32) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("victim spawning uses the sleep binary")
	}
	sleepBin, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("no sleep binary available")
	}

	data, err := os.ReadFile(sleepBin)
	require.NoError(t, err)
	victim := filepath.Join(t.TempDir(), "hmdl-slp")
	require.NoError(t, os.WriteFile(victim, data, 0o755))

	cmd := exec.Command(victim, "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot execute test binary: %v", err)
	}
	// Reap promptly so liveness checks see the process disappear
	go cmd.Wait()

	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	})
	return cmd, int32(cmd.Process.Pid)
}

func TestKillProcessTerminatesVictim(t *testing.T) {
	blocker := NewBlocker(testLogger())
	_, pid := spawnVictim(t)

	assert.True(t, blocker.KillProcess(pid))
}

func TestKillByExecutableIsCaseInsensitive(t *testing.T) {
	blocker := NewBlocker(testLogger())
	_, _ = spawnVictim(t)

	// Give the process table a moment to show the new process
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, blocker.KillByExecutable("HMDL-SLP"))
	assert.Zero(t, blocker.KillByExecutable("HMDL-SLP"))
}
