// Package scheduler implements the pure selection function described in
// spec §4.3: given a State snapshot, decide which Queued tasks become
// Running this tick. It has no side effects and holds no state of its
// own between calls - the same snapshot always yields the same result
// (spec §8 idempotence property).
package scheduler

import (
	"sort"

	"github.com/maumercado/pueued/internal/state"
	"github.com/maumercado/pueued/internal/task"
)

// Assignment is one task the Dispatcher should hand to the Supervisor
// this tick.
type Assignment struct {
	TaskID int64
	Group  string
}

// Select returns, for each Running group, the prefix of its FIFO queue
// that fits under the remaining parallel slots and whose dependencies are
// all terminally successful. Tasks still waiting on dependencies are
// skipped without consuming a slot, but do not block tasks behind them
// that have no pending dependencies - FIFO order governs start order
// only among tasks that are actually eligible to run.
func Select(s *state.State) []Assignment {
	var out []Assignment

	groupNames := make([]string, 0, len(s.Groups))
	for name := range s.Groups {
		groupNames = append(groupNames, name)
	}
	sort.Strings(groupNames)

	for _, name := range groupNames {
		g := s.Groups[name]
		if g.Status != task.GroupRunning {
			continue
		}

		slots := -1 // unlimited
		if g.ParallelLimit > 0 {
			slots = g.ParallelLimit - s.RunningCount(name)
			if slots <= 0 {
				continue
			}
		}

		ids := orderedByEnqueue(s, s.Queues[name])
		for _, id := range ids {
			if slots == 0 {
				break
			}
			t, ok := s.Tasks[id]
			if !ok || t.Status != task.StatusQueued {
				continue
			}
			satisfied, _ := t.DependenciesSatisfied(s.Lookup)
			if len(t.Dependencies) > 0 && !satisfied {
				continue
			}
			out = append(out, Assignment{TaskID: id, Group: name})
			if slots > 0 {
				slots--
			}
		}
	}

	return out
}

// orderedByEnqueue returns ids sorted by enqueue timestamp, tie-broken by
// ascending id (spec §4.3). The Queues slice is already insertion-order
// FIFO, but dependency-wait re-entries and restores can disturb exact
// enqueue-time ordering, so this re-sorts defensively.
func orderedByEnqueue(s *state.State, ids []int64) []int64 {
	sorted := append([]int64(nil), ids...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, oki := s.Tasks[sorted[i]]
		tj, okj := s.Tasks[sorted[j]]
		if !oki || !okj {
			return sorted[i] < sorted[j]
		}
		ei, ej := ti.EnqueuedAt, tj.EnqueuedAt
		switch {
		case ei == nil && ej == nil:
			return sorted[i] < sorted[j]
		case ei == nil:
			return false
		case ej == nil:
			return true
		case ei.Equal(*ej):
			return sorted[i] < sorted[j]
		default:
			return ei.Before(*ej)
		}
	})
	return sorted
}
