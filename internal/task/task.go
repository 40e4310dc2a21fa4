// Package task defines the Task and Group data model and the status state
// machine that governs their lifecycle (spec §3, §4.3).
package task

import (
	"encoding/json"
	"time"
)

// DefaultGroup is the always-present group every task falls into when no
// group is specified. It cannot be deleted (spec §3).
const DefaultGroup = "default"

// AllGroupsSentinel is the reserved name a Group may never use; it
// identifies the "All" selection (spec §3, Glossary: Selection).
const AllGroupsSentinel = "all"

// Task is a single shell command tracked from submission to terminal
// state (spec §3).
type Task struct {
	ID           int64             `json:"id"`
	Command      string            `json:"command"`
	WorkingDir   string            `json:"working_dir"`
	Env          map[string]string `json:"env,omitempty"`
	Group        string            `json:"group"`
	Status       Status            `json:"status"`
	Label        string            `json:"label,omitempty"`
	Dependencies []int64           `json:"dependencies,omitempty"`
	PrintClean   bool              `json:"print_clean,omitempty"`

	// EnqueueAt is set for a Stashed task scheduled to auto-enqueue at a
	// future time (spec §3 invariant 5). Nil means "stashed indefinitely".
	EnqueueAt *time.Time `json:"enqueue_at,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	ExitResult *ExitResult `json:"exit_result,omitempty"`
}

// New creates a Task with default values. The caller is responsible for
// assigning ID (owned by the State Store's nextID counter, spec §3
// invariant 4) and choosing the initial Status per spec §4.3.
func New(command, workingDir, group string, env map[string]string) *Task {
	return &Task{
		Command:    command,
		WorkingDir: workingDir,
		Group:      group,
		Env:        env,
		Status:     StatusQueued,
		CreatedAt:  time.Now().UTC(),
	}
}

// DependenciesSatisfied reports whether the task's dependencies (if any)
// have all reached Result.Success (satisfied), or whether one of them is
// missing or ended with any other result (failed). Both are false while
// a dependency has not finished yet. An empty Dependencies list is
// trivially satisfied.
func (t *Task) DependenciesSatisfied(lookup func(id int64) (*Task, bool)) (satisfied bool, failed bool) {
	for _, depID := range t.Dependencies {
		dep, ok := lookup(depID)
		if !ok {
			// A removed dependency can never complete; treat as failed
			// rather than hanging the dependent forever.
			return false, true
		}
		if dep.Status != StatusDone {
			return false, false
		}
		if dep.ExitResult == nil || dep.ExitResult.Result() != ResultSuccess {
			return false, true
		}
	}
	return true, false
}

// Clone returns a deep-enough copy for snapshot isolation: callers may
// freely mutate the returned Task without affecting the Store's copy.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Env != nil {
		clone.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			clone.Env[k] = v
		}
	}
	if t.Dependencies != nil {
		clone.Dependencies = append([]int64(nil), t.Dependencies...)
	}
	if t.EnqueueAt != nil {
		v := *t.EnqueueAt
		clone.EnqueueAt = &v
	}
	if t.EnqueuedAt != nil {
		v := *t.EnqueuedAt
		clone.EnqueuedAt = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		clone.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		clone.EndedAt = &v
	}
	if t.ExitResult != nil {
		v := *t.ExitResult
		clone.ExitResult = &v
	}
	return &clone
}

// ToJSON serializes the task to JSON.
func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

// FromJSON deserializes a task from JSON.
func FromJSON(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RestartCopy builds the new task created by a Restart command: same
// command/env/group/deps, fresh id assigned by the caller, Queued status.
func (t *Task) RestartCopy() *Task {
	n := New(t.Command, t.WorkingDir, t.Group, t.Env)
	n.Dependencies = append([]int64(nil), t.Dependencies...)
	n.Label = t.Label
	n.PrintClean = t.PrintClean
	return n
}
