// Package integration exercises pueued end to end: a real lifecycle.Daemon
// listening on a Unix socket, driven only through pkg/client, the way a
// real CLI would. Grounded on the daemon()/add_task/wait_for_task_condition/
// get_task helpers used by original_source/pueue/tests/daemon/integration's
// kill.rs and stashed.rs, reimplemented against this daemon's in-process Go
// API and framed mTLS protocol instead of pueue's own.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maumercado/pueued/internal/certs"
	"github.com/maumercado/pueued/internal/config"
	"github.com/maumercado/pueued/internal/lifecycle"
	"github.com/maumercado/pueued/internal/protocol"
	"github.com/maumercado/pueued/internal/secret"
	"github.com/maumercado/pueued/internal/task"
	"github.com/maumercado/pueued/pkg/client"
)

// testDaemon wraps a running lifecycle.Daemon and a client dialed into it.
type testDaemon struct {
	t      *testing.T
	base   string
	client *client.Client
	cancel context.CancelFunc
	done   chan error
}

// startDaemon boots a lifecycle.Daemon over a Unix socket in a temp base
// directory and dials a pkg/client.Client into it, the way
// original_source's daemon() fixture spins up a real pueue-daemon process
// and a matching client.
func startDaemon(t *testing.T) *testDaemon {
	t.Helper()

	base := t.TempDir()
	cfg := &config.Config{
		BaseDir: base,
		Transport: config.TransportConfig{
			Mode:       "unix",
			SocketPath: filepath.Join(base, "pueued.sock"),
		},
		Groups:      map[string]config.GroupConfig{task.DefaultGroup: {ParallelLimit: 0}},
		Timer:       config.TimerConfig{TickInterval: 20 * time.Millisecond},
		Shutdown:    config.ShutdownConfig{DrainTimeout: 2 * time.Second},
		RateLimit:   config.RateLimitConfig{ConnectionsPerSecond: 100},
		Diagnostics: config.DiagnosticsConfig{},
	}

	d := lifecycle.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	sockPath := cfg.Transport.SocketPath
	waitUntilExists(t, sockPath)

	certPaths := certs.NewPaths(base)
	clientTLS, err := certs.LoadClientTLSConfig(certPaths)
	require.NoError(t, err)
	secretBytes, err := secret.Load(filepath.Join(base, "pueued.secret"))
	require.NoError(t, err)

	c, err := client.DialUnix(sockPath, clientTLS, secretBytes, client.WithSendTimeout(5*time.Second))
	require.NoError(t, err)

	td := &testDaemon{t: t, base: base, client: c, cancel: cancel, done: done}
	t.Cleanup(td.stop)
	return td
}

func (td *testDaemon) stop() {
	_ = td.client.Close()
	td.cancel()
	select {
	case <-td.done:
	case <-time.After(5 * time.Second):
		td.t.Fatal("daemon did not shut down within timeout")
	}
}

func waitUntilExists(t *testing.T, path string) {
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

// addTask submits an Add request and returns the newly assigned task id,
// mirroring the Rust suite's add_task helper.
func (td *testDaemon) addTask(command string, mutate func(*protocol.Request)) int64 {
	td.t.Helper()
	req := protocol.Request{Type: protocol.ReqAdd, Command: command}
	if mutate != nil {
		mutate(&req)
	}
	reply, err := td.client.Send(req)
	require.NoError(td.t, err)
	require.Equal(td.t, protocol.ReplySuccess, reply.Type, reply.Error)
	return reply.TaskID
}

// getTask fetches a single task's current snapshot via Status, mirroring
// the Rust suite's get_task helper.
func (td *testDaemon) getTask(id int64) *task.Task {
	td.t.Helper()
	reply, err := td.client.Send(protocol.Request{Type: protocol.ReqStatus})
	require.NoError(td.t, err)
	require.Equal(td.t, protocol.ReplyStatus, reply.Type)
	tk, ok := reply.Tasks[id]
	require.True(td.t, ok, "task %d not found in status snapshot", id)
	return tk
}

// waitForTaskStatus polls Status until task id reaches want or the
// deadline elapses, mirroring wait_for_task_condition.
func (td *testDaemon) waitForTaskStatus(id int64, want task.Status) *task.Task {
	td.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *task.Task
	for time.Now().Before(deadline) {
		last = td.getTask(id)
		if last.Status == want {
			return last
		}
		time.Sleep(20 * time.Millisecond)
	}
	td.t.Fatalf("task %d did not reach status %s within timeout (last status: %s)", id, want, last.Status)
	return nil
}

// groupStatus fetches a group's current run state.
func (td *testDaemon) groupStatus(name string) task.GroupStatus {
	td.t.Helper()
	reply, err := td.client.Send(protocol.Request{Type: protocol.ReqStatus})
	require.NoError(td.t, err)
	g, ok := reply.Groups[name]
	require.True(td.t, ok, "group %q not found in status snapshot", name)
	return g.Status
}
