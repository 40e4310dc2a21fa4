// Package dispatcher implements the Message Dispatcher (spec §4.5): the
// single-writer event loop that is the only caller of Store.Mutate. It
// drains three event sources at equal priority - inbound client
// commands, process-exit notifications from the Supervisor, and timer
// ticks - applying each to the State Store under one mutation lock, then
// re-running the Scheduler so newly eligible tasks start immediately.
package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/maumercado/pueued/internal/events"
	"github.com/maumercado/pueued/internal/logger"
	"github.com/maumercado/pueued/internal/metrics"
	"github.com/maumercado/pueued/internal/protocol"
	"github.com/maumercado/pueued/internal/scheduler"
	"github.com/maumercado/pueued/internal/state"
	"github.com/maumercado/pueued/internal/supervisor"
	"github.com/maumercado/pueued/internal/task"
	"github.com/maumercado/pueued/internal/timerwheel"
)

// ErrUnknownCommand is returned when a Request's Type does not match any
// known command.
var ErrUnknownCommand = errors.New("dispatcher: unknown command")

// ErrUnknownGroupOp is returned when a Group request's GroupOp does not
// match add/remove/set-parallel.
var ErrUnknownGroupOp = errors.New("dispatcher: unknown group operation")

// ErrShuttingDown is the reply sent to a command submitted after the
// Dispatcher has stopped accepting new inbound work.
var ErrShuttingDown = errors.New("dispatcher: daemon is shutting down")

// Envelope pairs a client request with the channel its reply is
// delivered on. The Connection Acceptor (internal/transport) builds
// these and hands them to Submit; it never touches the Dispatcher's
// internal state directly (spec §9: single-writer pattern).
type Envelope struct {
	Request protocol.Request
	Reply   chan protocol.Reply
}

// Dispatcher is the single-writer event loop described in spec §4.5. It
// owns the daemon's only Supervisor. The Store and Timer Wheel are
// created by the Lifecycle Manager, which uses them during bootstrap;
// once Run has started, the Dispatcher is their only caller.
type Dispatcher struct {
	store *state.Store
	sup   *supervisor.Supervisor
	wheel *timerwheel.Wheel
	hub   *events.Hub

	inbound chan Envelope
	exited  chan supervisor.ProcessExited

	tickInterval time.Duration
	drainTimeout time.Duration

	shuttingDown     bool
	shutdownKind     protocol.ShutdownKind
	shutdownDeadline *time.Time

	ready atomic.Bool
	done  chan struct{}
}

// New creates a Dispatcher. baseDir is where the Supervisor writes task
// log files; store, wheel, and hub are owned elsewhere (the Lifecycle
// Manager wires them together at startup) but mutated/read only from
// this Dispatcher's Run loop.
func New(store *state.Store, baseDir string, wheel *timerwheel.Wheel, hub *events.Hub, tickInterval, drainTimeout time.Duration) *Dispatcher {
	exited := make(chan supervisor.ProcessExited, 64)
	d := &Dispatcher{
		store:        store,
		wheel:        wheel,
		hub:          hub,
		inbound:      make(chan Envelope, 64),
		exited:       exited,
		tickInterval: tickInterval,
		drainTimeout: drainTimeout,
		done:         make(chan struct{}),
	}
	d.sup = supervisor.New(baseDir, exited)
	return d
}

// Submit enqueues req for the Dispatcher loop and returns a channel that
// receives exactly one reply. The channel is closed after the reply is
// sent, so callers may safely range over it.
func (d *Dispatcher) Submit(req protocol.Request) <-chan protocol.Reply {
	reply := make(chan protocol.Reply, 1)
	select {
	case d.inbound <- Envelope{Request: req, Reply: reply}:
	case <-d.done:
		reply <- protocol.NewFailure(ErrShuttingDown)
		close(reply)
	}
	return reply
}

// Ready reports whether the Run loop has started processing events.
func (d *Dispatcher) Ready() bool {
	return d.ready.Load()
}

// LogPath delegates to the Supervisor, for the transport layer's Log
// handler to stream a task's log file directly - log I/O never runs on
// this loop (spec §4.5: "Handlers never block on I/O other than disk
// snapshots").
func (d *Dispatcher) LogPath(taskID int64) string {
	return d.sup.LogPath(taskID)
}

// Events returns the Hub the transport layer subscribes to for
// log-follow streaming.
func (d *Dispatcher) Events() *events.Hub {
	return d.hub
}

// Run drives the main select loop until ctx is cancelled or a
// DaemonShutdown command fully drains. It returns nil on a clean stop.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()
	defer close(d.done)

	d.updateGaugeMetrics()
	d.ready.Store(true)
	d.hub.Publish(events.New(events.KindDaemonStarted, 0, "", nil))
	logger.Info().Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.hub.Publish(events.New(events.KindDaemonStopped, 0, "", nil))
			return nil

		case env := <-d.inbound:
			d.handleRequest(env)
			if d.drainComplete() {
				return nil
			}

		case ev := <-d.exited:
			d.handleExited(ev)

		case now := <-ticker.C:
			d.runTick(now)
			if d.shuttingDown && d.shutdownDeadline != nil && now.After(*d.shutdownDeadline) {
				d.forceKillAll()
			}
			if d.drainComplete() {
				return nil
			}
		}
	}
}

// runTick pops due Timer Wheel entries, re-runs the Scheduler, and
// refreshes gauge metrics - the work spec §4.4 and §4.5 assign to every
// Dispatcher tick.
func (d *Dispatcher) runTick(now time.Time) {
	start := time.Now()
	defer func() {
		metrics.DispatcherTickDuration.Observe(time.Since(start).Seconds())
	}()

	due := d.wheel.PopDue(now)
	if len(due) > 0 {
		_ = d.store.Mutate(func(s *state.State) error {
			for _, de := range due {
				t, ok := s.Tasks[de.TaskID]
				if !ok || t.Status != task.StatusStashed {
					continue
				}
				if t.EnqueueAt == nil || !t.EnqueueAt.Equal(de.EnqueueAt) {
					continue
				}
				_ = s.TransitionTask(de.TaskID, task.StatusQueued)
			}
			return nil
		})
	}

	d.runScheduler()
	d.updateGaugeMetrics()
}

// runScheduler transitions every Scheduler-selected task to Running and
// hands it to the Supervisor. It is called after every mutation that
// could have made a Queued task eligible: a tick, a command, or a
// process exit freeing a parallel-limit slot.
func (d *Dispatcher) runScheduler() {
	var toStart []scheduler.Assignment
	var failedDeps []int64
	_ = d.store.Mutate(func(s *state.State) error {
		failedDeps = resolveDependencyWaits(s)
		toStart = scheduler.Select(s)
		for _, a := range toStart {
			if err := s.TransitionTask(a.TaskID, task.StatusRunning); err != nil {
				return err
			}
		}
		return nil
	})
	for _, id := range failedDeps {
		d.hub.Publish(events.New(events.KindTaskFinished, id, "", map[string]any{
			"result": task.ResultFailed.String(),
			"reason": "a dependency failed or was removed",
		}))
	}

	if len(toStart) == 0 {
		return
	}

	snap := d.store.Snapshot()
	for _, a := range toStart {
		t, ok := snap.Tasks[a.TaskID]
		if !ok {
			continue
		}
		d.sup.Spawn(t)
		d.hub.Publish(events.New(events.KindTaskStarted, a.TaskID, a.Group, nil))
	}
}

// resolveDependencyWaits re-checks every DependencyWait task against its
// current dependencies: satisfied ones move to Queued, ones depending on
// a failed/removed task fail out immediately as Done{Failed} rather than
// waiting forever for a Success that will never arrive (resolved Open
// Question, see DESIGN.md). It returns the ids that failed out this way.
func resolveDependencyWaits(s *state.State) []int64 {
	var failed []int64
	for id, t := range s.Tasks {
		if t.Status != task.StatusDependencyWait {
			continue
		}
		satisfied, depFailed := t.DependenciesSatisfied(s.Lookup)
		switch {
		case satisfied:
			_ = s.TransitionTask(id, task.StatusQueued)
		case depFailed:
			if err := s.FinishTask(id, task.ExitResult{
				Kind:    task.ExitKindFailedToSpawn,
				Message: "a dependency failed or was removed",
			}); err == nil {
				failed = append(failed, id)
			}
		}
	}
	return failed
}

// handleExited applies a ProcessExited event to the State Store,
// records completion metrics, and republishes it as a TaskFinished
// event for subscribers (spec §4.2: "emit a ProcessExited event to the
// Dispatcher").
func (d *Dispatcher) handleExited(ev supervisor.ProcessExited) {
	var group string
	var durationSeconds float64

	_ = d.store.Mutate(func(s *state.State) error {
		t, ok := s.Tasks[ev.TaskID]
		if !ok {
			return nil
		}
		group = t.Group
		startedAt := t.StartedAt
		if err := s.FinishTask(ev.TaskID, ev.Result); err != nil {
			return err
		}
		if startedAt != nil {
			durationSeconds = time.Since(*startedAt).Seconds()
		}
		return nil
	})

	if ev.Result.Kind == task.ExitKindFailedToSpawn {
		metrics.RecordSpawnFailure()
	}
	metrics.RecordTaskCompleted(group, ev.Result.Result().String(), durationSeconds)
	d.hub.Publish(events.New(events.KindTaskFinished, ev.TaskID, group, map[string]any{
		"result": ev.Result.Result().String(),
	}))

	d.runScheduler()
	d.updateGaugeMetrics()
}

// drainComplete reports whether a shutdown is in progress and every
// Supervisor-owned process has exited.
func (d *Dispatcher) drainComplete() bool {
	return d.shuttingDown && len(d.sup.RunningTaskIDs()) == 0
}

// forceKillAll sends an unconditional kill to every still-running task,
// used when a shutdown's drain deadline elapses (spec §4.7).
func (d *Dispatcher) forceKillAll() {
	for _, id := range d.sup.RunningTaskIDs() {
		if err := d.sup.Kill(id); err != nil {
			logger.Warn().Int64("task_id", id).Err(err).Msg("forced shutdown kill failed")
		}
	}
}

// updateGaugeMetrics refreshes the per-group queue-depth, running-count,
// and parallel-limit gauges from a fresh snapshot.
func (d *Dispatcher) updateGaugeMetrics() {
	snap := d.store.Snapshot()
	for name, g := range snap.Groups {
		metrics.SetGroupQueueDepth(name, float64(len(snap.Queues[name])))
		metrics.SetGroupRunningTasks(name, float64(snap.RunningCount(name)))
		metrics.SetGroupParallelLimit(name, float64(g.ParallelLimit))
	}
}
