// Package lifecycle bootstraps and tears down a daemon process: it owns
// every long-lived component (State Store, Timer Wheel, Event Hub,
// Dispatcher, Connection Acceptor, diagnostics listener) and sequences
// their startup and shutdown the way original_source/pueue/src/daemon/
// mod.rs's run() does, restructured around Go idioms and the teacher's
// signal-driven shutdown pattern (spec §4.7).
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maumercado/pueued/internal/certs"
	"github.com/maumercado/pueued/internal/config"
	"github.com/maumercado/pueued/internal/diag"
	"github.com/maumercado/pueued/internal/dispatcher"
	"github.com/maumercado/pueued/internal/events"
	"github.com/maumercado/pueued/internal/logger"
	"github.com/maumercado/pueued/internal/protocol"
	"github.com/maumercado/pueued/internal/secret"
	"github.com/maumercado/pueued/internal/state"
	"github.com/maumercado/pueued/internal/task"
	"github.com/maumercado/pueued/internal/timerwheel"
	"github.com/maumercado/pueued/internal/transport"
)

// pidFileName and secretFileName are the two daemon-owned files that
// live directly under the base directory (spec §6 filesystem layout).
const (
	pidFileName    = "pueued.pid"
	secretFileName = "pueued.secret"
)

// Daemon owns every long-lived component the Lifecycle Manager
// bootstraps and tears down.
type Daemon struct {
	cfg *config.Config

	store *state.Store
	wheel *timerwheel.Wheel
	hub   *events.Hub
	disp  *dispatcher.Dispatcher

	listener *transport.Listener
	diagSrv  *diag.Listener

	pidPath string
}

// New wires a Daemon from cfg without starting anything; call Run to
// bootstrap and serve until ctx is cancelled or a shutdown signal
// arrives.
func New(cfg *config.Config) *Daemon {
	return &Daemon{cfg: cfg}
}

// Run performs the full bootstrap sequence, serves until ctx is
// cancelled or SIGINT/SIGTERM is received, then drains gracefully. It
// returns nil on a clean stop, ErrPIDFileConflict if another instance
// already owns the base directory, or a wrapped bootstrap error
// otherwise (spec §6 exit codes: callers map these to process exit
// status).
func (d *Daemon) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("daemon panicked, cleaning up")
			d.cleanupFiles()
			err = fmt.Errorf("lifecycle: recovered panic: %v", r)
		}
	}()

	if bootErr := d.bootstrap(); bootErr != nil {
		d.cleanupFiles()
		return bootErr
	}
	defer d.cleanupFiles()

	dispCtx, cancelDisp := context.WithCancel(context.Background())
	defer cancelDisp()

	dispDone := make(chan error, 1)
	go func() { dispDone <- d.disp.Run(dispCtx) }()
	d.waitReady()

	listenCtx, cancelListen := context.WithCancel(context.Background())
	defer cancelListen()

	listenDone := make(chan error, 1)
	go func() { listenDone <- d.listener.Serve(listenCtx) }()

	var diagDone chan error
	if d.diagSrv.Enabled() {
		diagDone = make(chan error, 1)
		go func() { diagDone <- d.diagSrv.Run() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	logger.Info().Msg("daemon ready")

	select {
	case <-ctx.Done():
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case lerr := <-listenDone:
		if lerr != nil {
			logger.Error().Err(lerr).Msg("connection acceptor stopped unexpectedly")
		}
	case derr := <-dispDone:
		if derr != nil {
			logger.Error().Err(derr).Msg("dispatcher stopped unexpectedly")
		}
		return derr
	}

	return d.shutdown(cancelListen, cancelDisp, dispDone, diagDone)
}

// shutdown drains the daemon gracefully (spec §4.7): it first stops and
// closes the Acceptor, then submits a DaemonShutdown command so the
// Dispatcher stops admitting new work and waits out its drain timeout
// before the Run loop exits on its own, and finally shuts down the
// diagnostics listener.
func (d *Daemon) shutdown(cancelListen context.CancelFunc, cancelDisp context.CancelFunc, dispDone chan error, diagDone chan error) error {
	cancelListen()
	if err := d.listener.Close(); err != nil {
		logger.Warn().Err(err).Msg("error closing connection acceptor")
	}

	reply := <-d.disp.Submit(protocol.Request{Type: protocol.ReqDaemonShutdown, ShutdownKind: protocol.ShutdownGraceful})
	if reply.Type == protocol.ReplyFailure {
		logger.Warn().Str("error", reply.Error).Msg("daemon shutdown command rejected")
	}

	select {
	case <-dispDone:
	case <-time.After(d.cfg.Shutdown.DrainTimeout + 2*time.Second):
		logger.Warn().Msg("dispatcher did not stop within drain timeout, cancelling")
		cancelDisp()
		<-dispDone
	}

	if diagDone != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.diagSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("error shutting down diagnostics listener")
		}
		<-diagDone
	}

	logger.Info().Msg("daemon stopped")
	return nil
}

// waitReady blocks until the Dispatcher's Run loop reports ready, so the
// Acceptor never starts handling commands before there is anything to
// submit them to.
func (d *Daemon) waitReady() {
	for !d.disp.Ready() {
		time.Sleep(5 * time.Millisecond)
	}
}

// bootstrap creates the on-disk layout, loads or generates the TLS
// certificates and shared secret, claims the pid file, restores state
// from disk, re-populates the Timer Wheel for any Stashed task that was
// still waiting on its scheduled time, and constructs the Dispatcher,
// Acceptor, and diagnostics listener (spec §4.7, §6 filesystem layout).
func (d *Daemon) bootstrap() error {
	base := d.cfg.BaseDir
	if err := os.MkdirAll(base, 0o700); err != nil {
		return fmt.Errorf("lifecycle: create base directory %s: %w", base, err)
	}
	if err := os.MkdirAll(filepath.Join(base, "log"), 0o700); err != nil {
		return fmt.Errorf("lifecycle: create log directory: %w", err)
	}

	certPaths := certs.NewPaths(base)
	if err := certs.EnsureAll(certPaths); err != nil {
		return fmt.Errorf("lifecycle: ensure certificates: %w", err)
	}
	tlsCfg, err := certs.LoadServerTLSConfig(certPaths)
	if err != nil {
		return fmt.Errorf("lifecycle: load server TLS config: %w", err)
	}

	secretBytes, err := secret.Load(filepath.Join(base, secretFileName))
	if err != nil {
		return fmt.Errorf("lifecycle: load shared secret: %w", err)
	}

	d.pidPath = filepath.Join(base, pidFileName)
	if err := checkAndWritePIDFile(d.pidPath); err != nil {
		if errors.Is(err, ErrPIDFileConflict) {
			return err
		}
		return fmt.Errorf("lifecycle: claim pid file: %w", err)
	}

	_, statErr := os.Stat(filepath.Join(base, "state.json"))
	fresh := os.IsNotExist(statErr)

	d.store = state.NewStore(base)
	if err := d.store.Restore(); err != nil {
		return fmt.Errorf("lifecycle: restore state: %w", err)
	}
	if err := seedConfiguredGroups(d.store, d.cfg.Groups, fresh); err != nil {
		return fmt.Errorf("lifecycle: seed configured groups: %w", err)
	}

	d.wheel = timerwheel.New()
	rescheduleStashedTasks(d.wheel, d.store.Snapshot())

	d.hub = events.NewHub()

	d.disp = dispatcher.New(d.store, base, d.wheel, d.hub, d.cfg.Timer.TickInterval, d.cfg.Shutdown.DrainTimeout)

	rl := transport.NewConnRateLimiter(d.cfg.RateLimit.ConnectionsPerSecond)
	switch d.cfg.Transport.Mode {
	case "unix":
		d.listener, err = transport.ListenUnix(d.cfg.Transport.SocketPath, tlsCfg, secretBytes, d.disp, rl)
	case "tcp":
		d.listener, err = transport.ListenTCP(d.cfg.Transport.Addr, tlsCfg, secretBytes, d.disp, rl)
	default:
		return fmt.Errorf("lifecycle: unknown transport mode %q", d.cfg.Transport.Mode)
	}
	if err != nil {
		return fmt.Errorf("lifecycle: start connection acceptor: %w", err)
	}

	d.diagSrv = diag.Listen(d.cfg.Diagnostics.Listen, d.disp.Ready)

	return nil
}

// seedConfiguredGroups applies the daemon's configured group table to
// the Store: any group named in cfg.Groups that doesn't already exist
// in state.json is created with its configured parallel limit. The
// default group is a special case, since Restore always creates it on
// its own (possibly with the wrong limit) - its configured limit is
// applied only when fresh is true (no state.json existed before this
// boot), so a later `Group set-parallel` command survives across
// restarts instead of being silently overwritten by the config file
// every boot.
func seedConfiguredGroups(store *state.Store, groups map[string]config.GroupConfig, fresh bool) error {
	snap := store.Snapshot()

	for name, gc := range groups {
		if name == task.DefaultGroup {
			if !fresh {
				continue
			}
			if err := store.Mutate(func(s *state.State) error {
				return s.SetParallelLimit(task.DefaultGroup, gc.ParallelLimit)
			}); err != nil {
				return err
			}
			continue
		}
		if _, exists := snap.Groups[name]; exists {
			continue
		}
		if err := store.Mutate(func(s *state.State) error {
			if _, exists := s.Groups[name]; exists {
				return nil
			}
			return s.AddGroup(name, gc.ParallelLimit)
		}); err != nil {
			return err
		}
	}
	return nil
}

// rescheduleStashedTasks repopulates the Timer Wheel for every Stashed
// task with a pending auto-enqueue time. Store.Restore normalizes
// orphaned Running/Paused tasks on its own, but it has no Timer Wheel to
// write to, so this step exists purely to close that gap on startup.
func rescheduleStashedTasks(wheel *timerwheel.Wheel, snap *state.State) {
	for _, t := range snap.Tasks {
		if t.Status == task.StatusStashed && t.EnqueueAt != nil {
			wheel.Schedule(t.ID, *t.EnqueueAt)
		}
	}
}

// cleanupFiles removes the pid file and, for a Unix-socket transport,
// the socket file, so a later start does not find stale conflict
// markers (spec §4.7: "remove the socket and pid file" on shutdown).
func (d *Daemon) cleanupFiles() {
	if d.pidPath != "" {
		removePIDFile(d.pidPath)
	}
	if d.listener != nil && d.cfg.Transport.Mode == "unix" {
		if err := os.Remove(d.cfg.Transport.SocketPath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", d.cfg.Transport.SocketPath).Msg("failed to remove socket file")
		}
	}
}
