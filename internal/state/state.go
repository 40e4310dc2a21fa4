// Package state owns the canonical in-memory State (tasks, groups, the
// next-id counter) and its atomic on-disk snapshot. It is the only package
// that knows how to mutate a Task or Group; every other package goes
// through Store.Mutate or reads a Snapshot.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maumercado/pueued/internal/logger"
	"github.com/maumercado/pueued/internal/task"
)

// StateVersion is the schema version written to disk. Startup refuses to
// load a version higher than this one, per the filesystem layout contract:
// unknown future versions abort startup rather than silently downgrade.
const StateVersion = 1

// ErrFutureVersion is returned by Restore when state.json declares a
// version newer than this binary understands.
var ErrFutureVersion = errors.New("state: persisted version is newer than this build supports")

// State is the canonical snapshot: every task and group, the id counter,
// and each group's FIFO queue of Queued task ids. Groups never hold direct
// references to tasks (spec §9 design note on cyclic references); the
// FIFO queue stores ids only.
type State struct {
	Version int                    `json:"version"`
	NextID  int64                  `json:"next_id"`
	Tasks   map[int64]*task.Task   `json:"tasks"`
	Groups  map[string]*task.Group `json:"groups"`
	Queues  map[string][]int64     `json:"queues"`
}

// newEmpty returns a fresh State with only the default group.
func newEmpty() *State {
	return &State{
		Version: StateVersion,
		NextID:  0,
		Tasks:   make(map[int64]*task.Task),
		Groups:  map[string]*task.Group{task.DefaultGroup: task.NewGroup(task.DefaultGroup)},
		Queues:  map[string][]int64{task.DefaultGroup: {}},
	}
}

// clone returns a deep-enough copy suitable for handing to a reader that
// must not observe subsequent mutations.
func (s *State) clone() *State {
	c := &State{
		Version: s.Version,
		NextID:  s.NextID,
		Tasks:   make(map[int64]*task.Task, len(s.Tasks)),
		Groups:  make(map[string]*task.Group, len(s.Groups)),
		Queues:  make(map[string][]int64, len(s.Queues)),
	}
	for id, t := range s.Tasks {
		c.Tasks[id] = t.Clone()
	}
	for name, g := range s.Groups {
		c.Groups[name] = g.Clone()
	}
	for name, ids := range s.Queues {
		c.Queues[name] = append([]int64(nil), ids...)
	}
	return c
}

// checkInvariants validates spec §3 invariants 1-4 against s. Invariant 7
// (atomic persistence) is enforced by Store.persist, not here; invariants
// 5-6 are enforced by task.Machine and the Timer Wheel, not the Store.
func checkInvariants(s *State) error {
	for id, t := range s.Tasks {
		if id != t.ID {
			return fmt.Errorf("state: task map key %d does not match task id %d", id, t.ID)
		}
		if _, ok := s.Groups[t.Group]; !ok {
			return fmt.Errorf("%w: task %d references group %q", task.ErrGroupNotFound, id, t.Group)
		}
		if id >= s.NextID {
			return fmt.Errorf("state: task id %d is not less than next_id %d", id, s.NextID)
		}
	}
	running := make(map[string]int, len(s.Groups))
	for _, t := range s.Tasks {
		if t.Status == task.StatusRunning {
			running[t.Group]++
		}
	}
	for name, g := range s.Groups {
		if g.ParallelLimit > 0 && running[name] > g.ParallelLimit {
			return fmt.Errorf("state: group %q has %d running tasks, exceeding limit %d", name, running[name], g.ParallelLimit)
		}
	}
	return nil
}

// Store serializes every mutation behind a single lock (the Go-level
// equivalent of the Dispatcher's single-writer guarantee) and persists
// after each successful mutation.
type Store struct {
	mu   sync.RWMutex
	path string
	cur  *State
}

// NewStore creates a Store that persists to <baseDir>/state.json. It does
// not load from disk; call Restore for that.
func NewStore(baseDir string) *Store {
	return &Store{
		path: filepath.Join(baseDir, "state.json"),
		cur:  newEmpty(),
	}
}

// Restore loads state.json from disk. A missing file yields an empty
// state with no error. A malformed file yields an empty state and a
// logged warning, per §4.1. A future-versioned file is a hard error.
func (st *Store) Restore() error {
	data, err := os.ReadFile(st.path)
	if errors.Is(err, os.ErrNotExist) {
		st.mu.Lock()
		st.cur = newEmpty()
		st.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("state: read %s: %w", st.path, err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		logger.Warn().Err(err).Str("path", st.path).Msg("state file is malformed, starting empty")
		st.mu.Lock()
		st.cur = newEmpty()
		st.mu.Unlock()
		return nil
	}
	if loaded.Version > StateVersion {
		return fmt.Errorf("%w: found %d, support up to %d", ErrFutureVersion, loaded.Version, StateVersion)
	}
	if loaded.Tasks == nil {
		loaded.Tasks = make(map[int64]*task.Task)
	}
	if loaded.Groups == nil {
		loaded.Groups = make(map[string]*task.Group)
	}
	if _, ok := loaded.Groups[task.DefaultGroup]; !ok {
		loaded.Groups[task.DefaultGroup] = task.NewGroup(task.DefaultGroup)
	}
	if loaded.Queues == nil {
		loaded.Queues = make(map[string][]int64)
	}

	// Tasks Running or Paused at shutdown had no daemon watching their
	// process; the daemon cannot adopt orphaned children, so they are
	// normalized to Done{Killed} with a diagnostic note (spec §4.7, §8
	// round-trip property).
	for _, t := range loaded.Tasks {
		if t.Status == task.StatusRunning || t.Status == task.StatusPaused {
			m := task.NewMachine(t)
			_ = m.Done(task.ExitResult{
				Kind:    task.ExitKindNeverStarted,
				Message: "daemon restarted while task was active; process state is unknown",
			})
			removeID(loaded.Queues[t.Group], t.ID)
		}
	}

	st.mu.Lock()
	st.cur = &loaded
	st.mu.Unlock()
	return nil
}

func removeID(ids []int64, id int64) []int64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Snapshot returns a deep copy of the current state, safe for the caller
// to read or retain without synchronization.
func (st *Store) Snapshot() *State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cur.clone()
}

// Mutate applies fn to a working copy of the state under the single
// mutation lock. If fn returns an error, or the result violates an
// invariant, the mutation is discarded and the error is returned. On
// success the new state is persisted to disk before Mutate returns,
// satisfying "a successful reply to a mutating command implies the
// mutation is durable on disk" (spec §5).
func (st *Store) Mutate(fn func(*State) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	working := st.cur.clone()
	if err := fn(working); err != nil {
		return err
	}
	if err := checkInvariants(working); err != nil {
		return err
	}
	if err := persist(st.path, working); err != nil {
		return err
	}
	st.cur = working
	return nil
}

// persist writes state to path using write-temp-then-rename atomicity
// (spec §3 invariant 7, §4.1).
func persist(path string, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("state: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("state: rename temp file: %w", err)
	}
	return nil
}
