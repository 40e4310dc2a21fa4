package state

import (
	"fmt"
	"strings"
	"time"

	"github.com/maumercado/pueued/internal/task"
)

// Lookup returns the task with id, implementing the function shape
// task.Task.DependenciesSatisfied expects.
func (s *State) Lookup(id int64) (*task.Task, bool) {
	t, ok := s.Tasks[id]
	return t, ok
}

// AddTask assigns the next id, inserts t into Tasks, and - if its initial
// status is Queued - appends it to its group's FIFO queue. The caller is
// responsible for setting the correct initial Status per spec §4.3 before
// calling AddTask.
func (s *State) AddTask(t *task.Task) (int64, error) {
	if _, ok := s.Groups[t.Group]; !ok {
		return 0, fmt.Errorf("%w: %q", task.ErrGroupNotFound, t.Group)
	}
	id := s.NextID
	t.ID = id
	s.NextID++
	s.Tasks[id] = t
	if t.Status == task.StatusQueued {
		s.Queues[t.Group] = append(s.Queues[t.Group], id)
	}
	return id, nil
}

// RemoveTask deletes any task that is not Running or Paused (terminal,
// Stashed, Queued or DependencyWait), per the Remove command contract;
// Running and Paused tasks return TaskWrongState.
func (s *State) RemoveTask(id int64) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", task.ErrTaskNotFound, id)
	}
	if t.Status.IsActive() {
		return fmt.Errorf("%w: task %d is running", task.ErrTaskWrongState, id)
	}
	delete(s.Tasks, id)
	s.dequeue(t.Group, id)
	return nil
}

// dequeue removes id from group's FIFO queue if present; a no-op
// otherwise (e.g. the task was never queued, such as a Stashed task).
func (s *State) dequeue(group string, id int64) {
	ids := s.Queues[group]
	for i, v := range ids {
		if v == id {
			s.Queues[group] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// enqueue appends id to group's FIFO queue unless already present.
func (s *State) enqueue(group string, id int64) {
	for _, v := range s.Queues[group] {
		if v == id {
			return
		}
	}
	s.Queues[group] = append(s.Queues[group], id)
}

// TransitionTask runs t through its Machine to target, keeping the FIFO
// queue in sync: entering Queued appends, leaving Queued removes.
func (s *State) TransitionTask(id int64, target task.Status) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", task.ErrTaskNotFound, id)
	}
	wasQueued := t.Status == task.StatusQueued
	m := task.NewMachine(t)
	if err := m.Transition(target); err != nil {
		return err
	}
	if wasQueued && target != task.StatusQueued {
		s.dequeue(t.Group, id)
	}
	if !wasQueued && target == task.StatusQueued {
		s.enqueue(t.Group, id)
	}
	return nil
}

// FinishTask transitions a Running, Paused or DependencyWait task to
// Done with result,
// removing it from any FIFO queue bookkeeping (a running task is never
// queued, but this keeps the invariant explicit).
func (s *State) FinishTask(id int64, result task.ExitResult) error {
	t, ok := s.Tasks[id]
	if !ok {
		return fmt.Errorf("%w: %d", task.ErrTaskNotFound, id)
	}
	m := task.NewMachine(t)
	if err := m.Done(result); err != nil {
		return err
	}
	s.dequeue(t.Group, id)
	return nil
}

// AddGroup creates a new group. The reserved "all" sentinel and duplicate
// names are rejected.
func (s *State) AddGroup(name string, parallelLimit int) error {
	if name == "" || name == task.AllGroupsSentinel {
		return fmt.Errorf("%w: %q", task.ErrInvalidGroupName, name)
	}
	if _, ok := s.Groups[name]; ok {
		return fmt.Errorf("%w: %q", task.ErrGroupExists, name)
	}
	g := task.NewGroup(name)
	g.ParallelLimit = parallelLimit
	s.Groups[name] = g
	s.Queues[name] = []int64{}
	return nil
}

// RemoveGroup deletes a group, refusing if any non-terminal task still
// references it (spec §3 invariant 2) or if it is the default group.
func (s *State) RemoveGroup(name string) error {
	if name == task.DefaultGroup {
		return fmt.Errorf("%w: %q is the default group and cannot be removed", task.ErrInvalidGroupName, name)
	}
	if _, ok := s.Groups[name]; !ok {
		return fmt.Errorf("%w: %q", task.ErrGroupNotFound, name)
	}
	for _, t := range s.Tasks {
		if t.Group == name && !t.Status.IsTerminal() {
			return fmt.Errorf("%w: %q", task.ErrGroupInUse, name)
		}
	}
	delete(s.Groups, name)
	delete(s.Queues, name)
	return nil
}

// SetParallelLimit updates a group's ParallelLimit. A decrease below the
// current running count is allowed: running tasks continue, no new ones
// start until the count drops at or below the new limit (spec §8).
func (s *State) SetParallelLimit(name string, limit int) error {
	g, ok := s.Groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", task.ErrGroupNotFound, name)
	}
	g.ParallelLimit = limit
	return nil
}

// SetGroupStatus updates a group's run state (Running/Paused/Reset).
func (s *State) SetGroupStatus(name string, status task.GroupStatus) error {
	g, ok := s.Groups[name]
	if !ok {
		return fmt.Errorf("%w: %q", task.ErrGroupNotFound, name)
	}
	g.Status = status
	return nil
}

// CleanTerminal removes every terminal task matching group (empty means
// any group), restricted to Result.Success when successOnly is set, to
// tasks whose EndedAt is at least olderThan in the past (zero means no
// age threshold), and to tasks whose Label contains label as a
// substring (empty means no label filter). It returns the removed task
// ids, for logging/event purposes.
func (s *State) CleanTerminal(group string, successOnly bool, olderThan time.Duration, label string) []int64 {
	var removed []int64
	for id, t := range s.Tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		if group != "" && t.Group != group {
			continue
		}
		if successOnly && (t.ExitResult == nil || t.ExitResult.Result() != task.ResultSuccess) {
			continue
		}
		if olderThan > 0 && (t.EndedAt == nil || time.Since(*t.EndedAt) < olderThan) {
			continue
		}
		if label != "" && !strings.Contains(t.Label, label) {
			continue
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		delete(s.Tasks, id)
	}
	return removed
}

// Reset kills nothing itself (the Dispatcher signals running processes
// separately) but deletes every task that is neither active nor
// terminal, empties every group's queue, and resets every group's run
// status to Running, per the Reset command contract (spec §4.5).
// Terminal tasks are kept for Clean.
func (s *State) Reset() {
	for id, t := range s.Tasks {
		if t.Status.IsActive() {
			continue
		}
		if t.Status.IsTerminal() {
			continue
		}
		delete(s.Tasks, id)
	}
	for name := range s.Queues {
		s.Queues[name] = nil
	}
	for _, g := range s.Groups {
		g.Status = task.GroupRunning
	}
}

// RunningCount returns the number of Running tasks in group.
func (s *State) RunningCount(group string) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Group == group && t.Status == task.StatusRunning {
			n++
		}
	}
	return n
}
