package dispatcher

import (
	"fmt"
	"sort"
	"time"

	"github.com/maumercado/pueued/internal/events"
	"github.com/maumercado/pueued/internal/logger"
	"github.com/maumercado/pueued/internal/metrics"
	"github.com/maumercado/pueued/internal/protocol"
	"github.com/maumercado/pueued/internal/state"
	"github.com/maumercado/pueued/internal/supervisor"
	"github.com/maumercado/pueued/internal/task"
)

// handleRequest dispatches one client command to its handler, records
// the command metric, and delivers the reply - then re-runs the
// Scheduler, since almost any command can change what is eligible to
// run (spec §4.5 step (c)). Once a DaemonShutdown has set shuttingDown,
// every command except Status is refused outright (spec §4.7).
func (d *Dispatcher) handleRequest(env Envelope) {
	req := env.Request
	var reply protocol.Reply

	if d.shuttingDown && req.Type != protocol.ReqStatus {
		reply = protocol.NewFailure(ErrShuttingDown)
	} else {
		switch req.Type {
		case protocol.ReqAdd:
			reply = d.handleAdd(req)
		case protocol.ReqRemove:
			reply = d.handleRemove(req)
		case protocol.ReqStart:
			reply = d.handleStart(req)
		case protocol.ReqPause:
			reply = d.handlePause(req)
		case protocol.ReqKill:
			reply = d.handleKill(req)
		case protocol.ReqStash:
			reply = d.handleStash(req)
		case protocol.ReqEnqueue:
			reply = d.handleEnqueue(req)
		case protocol.ReqSwitch:
			reply = d.handleSwitch(req)
		case protocol.ReqClean:
			reply = d.handleClean(req)
		case protocol.ReqReset:
			reply = d.handleReset(req)
		case protocol.ReqGroup:
			reply = d.handleGroup(req)
		case protocol.ReqStatus:
			reply = d.handleStatus(req)
		case protocol.ReqLog:
			reply = d.handleLog(req)
		case protocol.ReqSend:
			reply = d.handleSend(req)
		case protocol.ReqDaemonShutdown:
			reply = d.handleDaemonShutdown(req)
		case protocol.ReqRestart:
			reply = d.handleRestart(req)
		default:
			reply = protocol.NewFailure(fmt.Errorf("%w: %q", ErrUnknownCommand, req.Type))
		}
	}

	outcome := "ok"
	if reply.Type == protocol.ReplyFailure {
		outcome = "error"
	}
	metrics.RecordDispatcherCommand(req.Type, outcome)

	if env.Reply != nil {
		env.Reply <- reply
		close(env.Reply)
	}

	d.runScheduler()
	d.updateGaugeMetrics()
}

// resolveSelection expands sel against s into a sorted list of task ids.
// Resolving against a snapshot (or the Mutate working copy) and then
// mutating using the same ids is race-free because the Dispatcher is
// the State Store's only writer (spec §9).
func resolveSelection(s *state.State, sel protocol.Selection) []int64 {
	var ids []int64
	switch sel.Kind {
	case protocol.SelectAll:
		for id := range s.Tasks {
			ids = append(ids, id)
		}
	case protocol.SelectGroup:
		for id, t := range s.Tasks {
			if t.Group == sel.Group {
				ids = append(ids, id)
			}
		}
	case protocol.SelectTaskIDs:
		ids = append(ids, sel.TaskIDs...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// groupNamesForSelection returns the group names a whole-group-shaped
// selection (All or Group) refers to.
func groupNamesForSelection(s *state.State, sel protocol.Selection) []string {
	switch sel.Kind {
	case protocol.SelectAll:
		names := make([]string, 0, len(s.Groups))
		for name := range s.Groups {
			names = append(names, name)
		}
		return names
	case protocol.SelectGroup:
		if _, ok := s.Groups[sel.Group]; !ok {
			return nil
		}
		return []string{sel.Group}
	default:
		return nil
	}
}

// affectedGroups returns the groups whose run status Start and Pause
// update: the named group(s) for an All/Group selection, or the
// distinct groups of the resolved task ids for an explicit TaskIds
// selection. Kill does not use it; it pauses groups only for an
// All/Group selection.
func affectedGroups(s *state.State, sel protocol.Selection, ids []int64) []string {
	if sel.Kind == protocol.SelectAll || sel.Kind == protocol.SelectGroup {
		return groupNamesForSelection(s, sel)
	}
	seen := make(map[string]struct{})
	var names []string
	for _, id := range ids {
		t, ok := s.Tasks[id]
		if !ok {
			continue
		}
		if _, dup := seen[t.Group]; dup {
			continue
		}
		seen[t.Group] = struct{}{}
		names = append(names, t.Group)
	}
	return names
}

// handleAdd creates a task with its initial status derived per spec
// §4.3: Stashed if a stash or future enqueue time was requested,
// DependencyWait if dependencies are specified and not yet satisfied,
// else Queued.
func (d *Dispatcher) handleAdd(req protocol.Request) protocol.Reply {
	group := req.Group
	if group == "" {
		group = task.DefaultGroup
	}

	t := task.New(req.Command, req.WorkingDir, group, req.Env)
	t.Label = req.Label
	t.Dependencies = req.Dependencies
	t.PrintClean = req.PrintClean
	t.EnqueueAt = req.EnqueueAt

	var id int64
	err := d.store.Mutate(func(s *state.State) error {
		switch {
		case req.StashFlag || req.EnqueueAt != nil:
			t.Status = task.StatusStashed
		case len(t.Dependencies) > 0:
			satisfied, _ := t.DependenciesSatisfied(s.Lookup)
			if satisfied {
				t.Status = task.StatusQueued
			} else {
				t.Status = task.StatusDependencyWait
			}
		default:
			t.Status = task.StatusQueued
		}
		var addErr error
		id, addErr = s.AddTask(t)
		return addErr
	})
	if err != nil {
		return protocol.NewFailure(err)
	}

	if t.Status == task.StatusStashed && t.EnqueueAt != nil {
		d.wheel.Schedule(id, *t.EnqueueAt)
	}

	metrics.RecordTaskSubmitted(group)
	d.hub.Publish(events.New(events.KindTaskAdded, id, group, nil))
	return protocol.NewSuccess(id, "task added")
}

// handleRemove deletes every id in the request that is not Running or
// Paused,
// collecting (rather than aborting on) the first error so a batch
// remove still removes every valid id.
func (d *Dispatcher) handleRemove(req protocol.Request) protocol.Reply {
	var removed []int64
	var firstErr error

	_ = d.store.Mutate(func(s *state.State) error {
		for _, id := range req.TaskIDs {
			if rmErr := s.RemoveTask(id); rmErr != nil {
				if firstErr == nil {
					firstErr = rmErr
				}
				continue
			}
			removed = append(removed, id)
		}
		return nil
	})

	if len(removed) == 0 && firstErr != nil {
		return protocol.NewFailure(firstErr)
	}
	for _, id := range removed {
		d.hub.Publish(events.New(events.KindTaskRemoved, id, "", nil))
	}
	return protocol.NewSuccess(0, fmt.Sprintf("removed %d task(s)", len(removed)))
}

// handleStart resumes matching Paused tasks via SIGCONT and sets their
// groups' status to Running.
func (d *Dispatcher) handleStart(req protocol.Request) protocol.Reply {
	var resumed []int64

	err := d.store.Mutate(func(s *state.State) error {
		ids := resolveSelection(s, req.Selection)
		for _, id := range ids {
			t, ok := s.Tasks[id]
			if !ok || t.Status != task.StatusPaused {
				continue
			}
			if tErr := s.TransitionTask(id, task.StatusRunning); tErr != nil {
				continue
			}
			resumed = append(resumed, id)
		}
		for _, name := range affectedGroups(s, req.Selection, ids) {
			_ = s.SetGroupStatus(name, task.GroupRunning)
		}
		return nil
	})
	if err != nil {
		return protocol.NewFailure(err)
	}

	for _, id := range resumed {
		if sigErr := d.sup.Resume(id); sigErr != nil {
			logger.Warn().Int64("task_id", id).Err(sigErr).Msg("resume signal failed")
		}
		d.hub.Publish(events.New(events.KindTaskStatus, id, "", map[string]any{"status": task.StatusRunning.String()}))
	}
	return protocol.NewSuccess(0, fmt.Sprintf("resumed %d task(s)", len(resumed)))
}

// handlePause sets the affected groups' status to Paused, and - unless
// WaitFlag asked to let running tasks finish - SIGSTOPs every matching
// Running task.
func (d *Dispatcher) handlePause(req protocol.Request) protocol.Reply {
	var paused []int64

	err := d.store.Mutate(func(s *state.State) error {
		ids := resolveSelection(s, req.Selection)
		for _, name := range affectedGroups(s, req.Selection, ids) {
			_ = s.SetGroupStatus(name, task.GroupPaused)
		}
		if req.WaitFlag {
			return nil
		}
		for _, id := range ids {
			t, ok := s.Tasks[id]
			if !ok || t.Status != task.StatusRunning {
				continue
			}
			if tErr := s.TransitionTask(id, task.StatusPaused); tErr != nil {
				continue
			}
			paused = append(paused, id)
		}
		return nil
	})
	if err != nil {
		return protocol.NewFailure(err)
	}

	for _, id := range paused {
		if sigErr := d.sup.Pause(id); sigErr != nil {
			logger.Warn().Int64("task_id", id).Err(sigErr).Msg("pause signal failed")
		}
		d.hub.Publish(events.New(events.KindTaskStatus, id, "", map[string]any{"status": task.StatusPaused.String()}))
	}

	if req.WaitFlag {
		return protocol.NewSuccess(0, "group(s) paused; running tasks left to finish")
	}
	return protocol.NewSuccess(0, fmt.Sprintf("paused %d task(s)", len(paused)))
}

// handleKill signals matching Running/Paused tasks (default SIGKILL)
// and, per the kill-group/kill-all safety contract, pauses any group
// the selection names wholesale so queued tasks don't start moments
// later.
func (d *Dispatcher) handleKill(req protocol.Request) protocol.Reply {
	sig := supervisor.ParseSignal(req.SigName)
	var killed []int64

	err := d.store.Mutate(func(s *state.State) error {
		ids := resolveSelection(s, req.Selection)
		for _, id := range ids {
			t, ok := s.Tasks[id]
			if !ok || !t.Status.IsActive() {
				continue
			}
			killed = append(killed, id)
		}
		if req.Selection.Kind == protocol.SelectAll || req.Selection.Kind == protocol.SelectGroup {
			for _, name := range groupNamesForSelection(s, req.Selection) {
				_ = s.SetGroupStatus(name, task.GroupPaused)
			}
		}
		return nil
	})
	if err != nil {
		return protocol.NewFailure(err)
	}

	for _, id := range killed {
		if sigErr := d.sup.Signal(id, sig); sigErr != nil {
			logger.Warn().Int64("task_id", id).Err(sigErr).Msg("kill signal failed")
		}
	}
	return protocol.NewSuccess(0, fmt.Sprintf("sent signal to %d task(s)", len(killed)))
}

// handleStash moves Queued/DependencyWait tasks to Stashed.
func (d *Dispatcher) handleStash(req protocol.Request) protocol.Reply {
	var stashed []int64
	var firstErr error

	_ = d.store.Mutate(func(s *state.State) error {
		for _, id := range req.TaskIDs {
			t, ok := s.Tasks[id]
			if !ok {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %d", task.ErrTaskNotFound, id)
				}
				continue
			}
			if t.Status != task.StatusQueued && t.Status != task.StatusDependencyWait {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: task %d", task.ErrTaskWrongState, id)
				}
				continue
			}
			if tErr := s.TransitionTask(id, task.StatusStashed); tErr != nil {
				if firstErr == nil {
					firstErr = tErr
				}
				continue
			}
			stashed = append(stashed, id)
		}
		return nil
	})

	for _, id := range stashed {
		d.hub.Publish(events.New(events.KindTaskStatus, id, "", map[string]any{"status": task.StatusStashed.String()}))
	}

	if len(stashed) == 0 && firstErr != nil {
		return protocol.NewFailure(firstErr)
	}
	return protocol.NewSuccess(0, fmt.Sprintf("stashed %d task(s)", len(stashed)))
}

// handleEnqueue moves Stashed tasks back to Queued, or - if EnqueueAt is
// set - schedules them on the Timer Wheel for a future auto-enqueue.
func (d *Dispatcher) handleEnqueue(req protocol.Request) protocol.Reply {
	var scheduled []int64
	var enqueuedNow []int64
	var firstErr error

	err := d.store.Mutate(func(s *state.State) error {
		for _, id := range req.TaskIDs {
			t, ok := s.Tasks[id]
			if !ok || t.Status != task.StatusStashed {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: task %d", task.ErrTaskWrongState, id)
				}
				continue
			}
			if req.EnqueueAt != nil {
				t.EnqueueAt = req.EnqueueAt
				scheduled = append(scheduled, id)
				continue
			}
			t.EnqueueAt = nil
			if tErr := s.TransitionTask(id, task.StatusQueued); tErr != nil {
				if firstErr == nil {
					firstErr = tErr
				}
				continue
			}
			enqueuedNow = append(enqueuedNow, id)
		}
		return nil
	})
	if err != nil {
		return protocol.NewFailure(err)
	}

	for _, id := range enqueuedNow {
		d.hub.Publish(events.New(events.KindTaskStatus, id, "", map[string]any{"status": task.StatusQueued.String()}))
	}

	for _, id := range scheduled {
		d.wheel.Schedule(id, *req.EnqueueAt)
	}

	total := len(scheduled) + len(enqueuedNow)
	if total == 0 && firstErr != nil {
		return protocol.NewFailure(firstErr)
	}
	return protocol.NewSuccess(0, fmt.Sprintf("enqueued %d task(s)", total))
}

// handleSwitch swaps the command/working-dir/env of two Queued tasks in
// the same group, leaving their ids unchanged.
func (d *Dispatcher) handleSwitch(req protocol.Request) protocol.Reply {
	err := d.store.Mutate(func(s *state.State) error {
		a, ok := s.Tasks[req.SwitchA]
		if !ok {
			return fmt.Errorf("%w: %d", task.ErrTaskNotFound, req.SwitchA)
		}
		b, ok := s.Tasks[req.SwitchB]
		if !ok {
			return fmt.Errorf("%w: %d", task.ErrTaskNotFound, req.SwitchB)
		}
		if a.Status != task.StatusQueued || b.Status != task.StatusQueued {
			return fmt.Errorf("%w: both tasks must be queued to switch", task.ErrTaskWrongState)
		}
		if a.Group != b.Group {
			return fmt.Errorf("%w: both tasks must be in the same group to switch", task.ErrTaskWrongState)
		}
		a.Command, b.Command = b.Command, a.Command
		a.WorkingDir, b.WorkingDir = b.WorkingDir, a.WorkingDir
		a.Env, b.Env = b.Env, a.Env
		return nil
	})
	if err != nil {
		return protocol.NewFailure(err)
	}
	return protocol.NewSuccess(0, "switched task commands")
}

// handleClean removes terminal tasks matching the filter: group,
// success-only, an age threshold (CleanOlderThan), and/or a label
// substring (CleanLabel).
func (d *Dispatcher) handleClean(req protocol.Request) protocol.Reply {
	var removed []int64
	_ = d.store.Mutate(func(s *state.State) error {
		removed = s.CleanTerminal(req.CleanGroup, req.CleanSuccessOnly, req.CleanOlderThan, req.CleanLabel)
		return nil
	})

	for _, id := range removed {
		d.hub.Publish(events.New(events.KindTaskRemoved, id, "", nil))
	}
	return protocol.NewSuccess(0, fmt.Sprintf("cleaned %d task(s)", len(removed)))
}

// handleReset kills every active task, clears every queue, and resets
// every group's status to Running.
func (d *Dispatcher) handleReset(req protocol.Request) protocol.Reply {
	var toKill []int64
	_ = d.store.Mutate(func(s *state.State) error {
		for id, t := range s.Tasks {
			if t.Status.IsActive() {
				toKill = append(toKill, id)
			}
		}
		s.Reset()
		return nil
	})

	for _, id := range toKill {
		if sigErr := d.sup.Kill(id); sigErr != nil {
			logger.Warn().Int64("task_id", id).Err(sigErr).Msg("reset kill failed")
		}
	}
	return protocol.NewSuccess(0, "reset")
}

// handleGroup mutates the group table per req.GroupOp.
func (d *Dispatcher) handleGroup(req protocol.Request) protocol.Reply {
	err := d.store.Mutate(func(s *state.State) error {
		switch req.GroupOp {
		case protocol.GroupOpAdd:
			return s.AddGroup(req.GroupName, req.ParallelLimit)
		case protocol.GroupOpRemove:
			return s.RemoveGroup(req.GroupName)
		case protocol.GroupOpSetParallel:
			return s.SetParallelLimit(req.GroupName, req.ParallelLimit)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownGroupOp, req.GroupOp)
		}
	})
	if err != nil {
		return protocol.NewFailure(err)
	}
	d.hub.Publish(events.New(events.KindGroupChanged, 0, req.GroupName, nil))
	return protocol.NewSuccess(0, "group updated")
}

// handleStatus returns a read-only snapshot; it performs no mutation.
func (d *Dispatcher) handleStatus(req protocol.Request) protocol.Reply {
	snap := d.store.Snapshot()
	return protocol.NewStatus(snap.Tasks, snap.Groups)
}

// handleLog validates the requested ids exist. The actual byte
// streaming happens outside the Dispatcher loop: the transport layer
// calls LogPath directly and reads the file itself, since Log I/O must
// never block the single-writer loop (spec §4.5).
func (d *Dispatcher) handleLog(req protocol.Request) protocol.Reply {
	snap := d.store.Snapshot()
	for _, id := range req.LogTaskIDs {
		if _, ok := snap.Tasks[id]; !ok {
			return protocol.NewFailure(fmt.Errorf("%w: %d", task.ErrTaskNotFound, id))
		}
	}
	return protocol.NewSuccess(0, "log request accepted")
}

// handleSend writes input to a Running task's stdin.
func (d *Dispatcher) handleSend(req protocol.Request) protocol.Reply {
	snap := d.store.Snapshot()
	t, ok := snap.Tasks[req.TaskID]
	if !ok {
		return protocol.NewFailure(fmt.Errorf("%w: %d", task.ErrTaskNotFound, req.TaskID))
	}
	if t.Status != task.StatusRunning {
		return protocol.NewFailure(fmt.Errorf("%w: task %d is not running", task.ErrTaskWrongState, req.TaskID))
	}
	if err := d.sup.Write(req.TaskID, req.Input); err != nil {
		return protocol.NewFailure(err)
	}
	return protocol.NewSuccess(req.TaskID, "input sent")
}

// handleDaemonShutdown marks the Dispatcher as shutting down. An
// Emergency shutdown SIGKILLs every running task immediately; a Graceful
// one sends SIGTERM and lets tasks exit on their own. Either way a
// deadline bounds how long Run waits before forceKillAll SIGKILLs any
// stragglers (spec §4.7: "SIGTERM, then SIGKILL after the drain
// deadline").
func (d *Dispatcher) handleDaemonShutdown(req protocol.Request) protocol.Reply {
	d.shuttingDown = true
	d.shutdownKind = req.ShutdownKind

	for _, id := range d.sup.RunningTaskIDs() {
		sig := supervisor.SigTerm
		if req.ShutdownKind == protocol.ShutdownEmergency {
			sig = supervisor.SigKill
		}
		if err := d.sup.Signal(id, sig); err != nil {
			logger.Warn().Int64("task_id", id).Err(err).Msg("shutdown signal failed")
		}
	}

	deadline := time.Now().Add(d.drainTimeout)
	d.shutdownDeadline = &deadline
	return protocol.NewSuccess(0, "shutdown acknowledged")
}

// handleRestart creates a fresh task (new id, Queued status) copying
// the command/env/group/deps of each terminal source task.
func (d *Dispatcher) handleRestart(req protocol.Request) protocol.Reply {
	var newIDs []int64

	err := d.store.Mutate(func(s *state.State) error {
		for _, id := range req.TaskIDs {
			orig, ok := s.Tasks[id]
			if !ok || !orig.Status.IsTerminal() {
				continue
			}
			n := orig.RestartCopy()
			newID, addErr := s.AddTask(n)
			if addErr != nil {
				continue
			}
			newIDs = append(newIDs, newID)
		}
		return nil
	})
	if err != nil {
		return protocol.NewFailure(err)
	}

	for _, id := range newIDs {
		d.hub.Publish(events.New(events.KindTaskAdded, id, "", nil))
	}
	return protocol.NewSuccess(0, fmt.Sprintf("restarted %d task(s)", len(newIDs)))
}
