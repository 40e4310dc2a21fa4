package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/pueued/internal/config"
	"github.com/maumercado/pueued/internal/state"
	"github.com/maumercado/pueued/internal/task"
	"github.com/maumercado/pueued/internal/timerwheel"
)

func TestCheckAndWritePIDFile_WritesFreshFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pueued.pid")

	require.NoError(t, checkAndWritePIDFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCheckAndWritePIDFile_ConflictOnLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pueued.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := checkAndWritePIDFile(path)
	require.ErrorIs(t, err, ErrPIDFileConflict)
}

func TestCheckAndWritePIDFile_OverwritesStalePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pueued.pid")
	// A pid astronomically unlikely to be alive in the test sandbox.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	require.NoError(t, checkAndWritePIDFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRescheduleStashedTasks_SchedulesPendingEnqueueAt(t *testing.T) {
	future := time.Now().Add(time.Hour)
	snap := &state.State{
		Tasks: map[int64]*task.Task{
			1: {ID: 1, Status: task.StatusStashed, EnqueueAt: &future},
			2: {ID: 2, Status: task.StatusStashed},
			3: {ID: 3, Status: task.StatusQueued},
		},
	}

	wheel := timerwheel.New()
	rescheduleStashedTasks(wheel, snap)

	assert.Equal(t, 1, wheel.Len())
	due := wheel.PopDue(future.Add(time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, int64(1), due[0].TaskID)
}

func TestSeedConfiguredGroups_AppliesDefaultLimitOnFreshState(t *testing.T) {
	store := state.NewStore(t.TempDir())
	require.NoError(t, store.Restore())

	require.NoError(t, seedConfiguredGroups(store, map[string]config.GroupConfig{
		"default": {ParallelLimit: 4},
		"gpu":     {ParallelLimit: 2},
	}, true))

	snap := store.Snapshot()
	assert.Equal(t, 4, snap.Groups[task.DefaultGroup].ParallelLimit)
	require.Contains(t, snap.Groups, "gpu")
	assert.Equal(t, 2, snap.Groups["gpu"].ParallelLimit)
}

func TestSeedConfiguredGroups_DoesNotOverrideDefaultOnRestart(t *testing.T) {
	dir := t.TempDir()
	store := state.NewStore(dir)
	require.NoError(t, store.Restore())
	require.NoError(t, store.Mutate(func(s *state.State) error {
		return s.SetParallelLimit(task.DefaultGroup, 7)
	}))

	// Simulate a restart: a fresh Store instance restoring the same
	// on-disk state.json, which is no longer "empty".
	restarted := state.NewStore(dir)
	require.NoError(t, restarted.Restore())

	require.NoError(t, seedConfiguredGroups(restarted, map[string]config.GroupConfig{
		"default": {ParallelLimit: 1},
	}, false))

	assert.Equal(t, 7, restarted.Snapshot().Groups[task.DefaultGroup].ParallelLimit)
}

func TestDaemon_RunBootstrapsServesAndShutsDownCleanly(t *testing.T) {
	base := t.TempDir()
	cfg := &config.Config{
		BaseDir: base,
		Transport: config.TransportConfig{
			Mode:       "unix",
			SocketPath: filepath.Join(base, "pueued.sock"),
		},
		Timer:       config.TimerConfig{TickInterval: 20 * time.Millisecond},
		Shutdown:    config.ShutdownConfig{DrainTimeout: time.Second},
		RateLimit:   config.RateLimitConfig{ConnectionsPerSecond: 100},
		Diagnostics: config.DiagnosticsConfig{},
	}

	d := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	pidPath := filepath.Join(base, pidFileName)
	waitUntilFileExists(t, pidPath)
	assert.FileExists(t, filepath.Join(base, secretFileName))
	assert.FileExists(t, cfg.Transport.SocketPath)

	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down within timeout")
	}

	_, err := os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err), "pid file should be removed on shutdown")
}

func TestDaemon_RunRejectsConflictingPIDFile(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, pidFileName), []byte(strconv.Itoa(os.Getpid())), 0o644))

	cfg := &config.Config{
		BaseDir: base,
		Transport: config.TransportConfig{
			Mode:       "unix",
			SocketPath: filepath.Join(base, "pueued.sock"),
		},
		Timer:     config.TimerConfig{TickInterval: 20 * time.Millisecond},
		Shutdown:  config.ShutdownConfig{DrainTimeout: time.Second},
		RateLimit: config.RateLimitConfig{ConnectionsPerSecond: 100},
	}

	err := New(cfg).Run(context.Background())
	require.ErrorIs(t, err, ErrPIDFileConflict)
}

func waitUntilFileExists(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s did not appear within timeout", path)
}

