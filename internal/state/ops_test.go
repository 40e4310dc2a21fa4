package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/pueued/internal/task"
)

func newTestState() *State {
	return newEmpty()
}

func TestState_AddTask_QueuesByDefault(t *testing.T) {
	s := newTestState()
	tk := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	tk.Status = task.StatusQueued

	id, err := s.AddTask(tk)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	assert.Equal(t, []int64{0}, s.Queues[task.DefaultGroup])
	assert.Equal(t, int64(1), s.NextID)
}

func TestState_AddTask_UnknownGroup(t *testing.T) {
	s := newTestState()
	tk := task.New("echo hi", "/tmp", "ghost", nil)

	_, err := s.AddTask(tk)
	assert.ErrorIs(t, err, task.ErrGroupNotFound)
}

func TestState_AddTask_StashedNotQueued(t *testing.T) {
	s := newTestState()
	tk := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	tk.Status = task.StatusStashed

	_, err := s.AddTask(tk)
	require.NoError(t, err)
	assert.Empty(t, s.Queues[task.DefaultGroup])
}

func TestState_RemoveTask(t *testing.T) {
	s := newTestState()
	tk := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	tk.Status = task.StatusStashed
	id, _ := s.AddTask(tk)

	require.NoError(t, s.RemoveTask(id))
	_, ok := s.Tasks[id]
	assert.False(t, ok)
}

func TestState_RemoveTask_RunningRejected(t *testing.T) {
	s := newTestState()
	tk := task.New("sleep 60", "/tmp", task.DefaultGroup, nil)
	tk.Status = task.StatusRunning
	id, _ := s.AddTask(tk)

	err := s.RemoveTask(id)
	assert.ErrorIs(t, err, task.ErrTaskWrongState)
}

func TestState_TransitionTask_QueueBookkeeping(t *testing.T) {
	s := newTestState()
	tk := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	tk.Status = task.StatusQueued
	id, _ := s.AddTask(tk)

	require.NoError(t, s.TransitionTask(id, task.StatusRunning))
	assert.NotContains(t, s.Queues[task.DefaultGroup], id)
	assert.Equal(t, task.StatusRunning, s.Tasks[id].Status)
}

func TestState_AddGroup(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AddGroup("builders", 3))

	g, ok := s.Groups["builders"]
	require.True(t, ok)
	assert.Equal(t, 3, g.ParallelLimit)
	assert.Equal(t, task.GroupRunning, g.Status)
}

func TestState_AddGroup_RejectsReservedSentinel(t *testing.T) {
	s := newTestState()
	err := s.AddGroup(task.AllGroupsSentinel, 0)
	assert.ErrorIs(t, err, task.ErrInvalidGroupName)
}

func TestState_AddGroup_RejectsDuplicate(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AddGroup("builders", 0))
	err := s.AddGroup("builders", 0)
	assert.ErrorIs(t, err, task.ErrGroupExists)
}

func TestState_RemoveGroup_InUse(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AddGroup("builders", 0))
	tk := task.New("sleep 60", "/tmp", "builders", nil)
	tk.Status = task.StatusQueued
	_, err := s.AddTask(tk)
	require.NoError(t, err)

	err = s.RemoveGroup("builders")
	assert.ErrorIs(t, err, task.ErrGroupInUse)
}

func TestState_RemoveGroup_DefaultRejected(t *testing.T) {
	s := newTestState()
	err := s.RemoveGroup(task.DefaultGroup)
	assert.ErrorIs(t, err, task.ErrInvalidGroupName)
}

func TestState_RemoveGroup_Succeeds(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AddGroup("builders", 0))
	require.NoError(t, s.RemoveGroup("builders"))

	_, ok := s.Groups["builders"]
	assert.False(t, ok)
}

func TestState_SetParallelLimit(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.SetParallelLimit(task.DefaultGroup, 5))
	assert.Equal(t, 5, s.Groups[task.DefaultGroup].ParallelLimit)
}

func TestState_RunningCount(t *testing.T) {
	s := newTestState()
	running := task.New("sleep 60", "/tmp", task.DefaultGroup, nil)
	running.Status = task.StatusRunning
	s.AddTask(running)

	queued := task.New("sleep 60", "/tmp", task.DefaultGroup, nil)
	queued.Status = task.StatusQueued
	s.AddTask(queued)

	assert.Equal(t, 1, s.RunningCount(task.DefaultGroup))
}

func TestState_CleanTerminal_AllGroups(t *testing.T) {
	s := newTestState()

	done := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	done.Status = task.StatusDone
	done.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	doneID, err := s.AddTask(done)
	require.NoError(t, err)

	running := task.New("sleep 60", "/tmp", task.DefaultGroup, nil)
	running.Status = task.StatusRunning
	runningID, err := s.AddTask(running)
	require.NoError(t, err)

	removed := s.CleanTerminal("", false, 0, "")
	assert.Equal(t, []int64{doneID}, removed)

	_, ok := s.Tasks[doneID]
	assert.False(t, ok)
	_, ok = s.Tasks[runningID]
	assert.True(t, ok)
}

func TestState_CleanTerminal_SuccessOnly(t *testing.T) {
	s := newTestState()

	success := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	success.Status = task.StatusDone
	success.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	successID, err := s.AddTask(success)
	require.NoError(t, err)

	failed := task.New("false", "/tmp", task.DefaultGroup, nil)
	failed.Status = task.StatusDone
	failed.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 1}
	failedID, err := s.AddTask(failed)
	require.NoError(t, err)

	removed := s.CleanTerminal("", true, 0, "")
	assert.Equal(t, []int64{successID}, removed)

	_, ok := s.Tasks[failedID]
	assert.True(t, ok)
}

func TestState_CleanTerminal_GroupFilter(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.AddGroup("builders", 0))

	defaultDone := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	defaultDone.Status = task.StatusDone
	defaultDone.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	defaultID, err := s.AddTask(defaultDone)
	require.NoError(t, err)

	buildersDone := task.New("echo hi", "/tmp", "builders", nil)
	buildersDone.Status = task.StatusDone
	buildersDone.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	buildersID, err := s.AddTask(buildersDone)
	require.NoError(t, err)

	removed := s.CleanTerminal("builders", false, 0, "")
	assert.Equal(t, []int64{buildersID}, removed)

	_, ok := s.Tasks[defaultID]
	assert.True(t, ok)
}

func TestState_CleanTerminal_OlderThan(t *testing.T) {
	s := newTestState()

	stale := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	stale.Status = task.StatusDone
	stale.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	staleEnded := time.Now().Add(-time.Hour)
	stale.EndedAt = &staleEnded
	staleID, err := s.AddTask(stale)
	require.NoError(t, err)

	fresh := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	fresh.Status = task.StatusDone
	fresh.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	freshEnded := time.Now()
	fresh.EndedAt = &freshEnded
	freshID, err := s.AddTask(fresh)
	require.NoError(t, err)

	removed := s.CleanTerminal("", false, 10*time.Minute, "")
	assert.Equal(t, []int64{staleID}, removed)

	_, ok := s.Tasks[freshID]
	assert.True(t, ok)
}

func TestState_CleanTerminal_LabelFilter(t *testing.T) {
	s := newTestState()

	matching := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	matching.Status = task.StatusDone
	matching.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	matching.Label = "nightly-build"
	matchingID, err := s.AddTask(matching)
	require.NoError(t, err)

	other := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	other.Status = task.StatusDone
	other.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	other.Label = "smoke-test"
	otherID, err := s.AddTask(other)
	require.NoError(t, err)

	removed := s.CleanTerminal("", false, 0, "nightly")
	assert.Equal(t, []int64{matchingID}, removed)

	_, ok := s.Tasks[otherID]
	assert.True(t, ok)
}

func TestState_Reset(t *testing.T) {
	s := newTestState()
	require.NoError(t, s.SetGroupStatus(task.DefaultGroup, task.GroupPaused))

	queued := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	queued.Status = task.StatusQueued
	queuedID, err := s.AddTask(queued)
	require.NoError(t, err)

	running := task.New("sleep 60", "/tmp", task.DefaultGroup, nil)
	running.Status = task.StatusRunning
	runningID, err := s.AddTask(running)
	require.NoError(t, err)

	done := task.New("echo hi", "/tmp", task.DefaultGroup, nil)
	done.Status = task.StatusDone
	done.ExitResult = &task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	doneID, err := s.AddTask(done)
	require.NoError(t, err)

	s.Reset()

	_, ok := s.Tasks[queuedID]
	assert.False(t, ok, "queued task should be cleared")
	_, ok = s.Tasks[runningID]
	assert.True(t, ok, "running task must survive a reset")
	_, ok = s.Tasks[doneID]
	assert.True(t, ok, "terminal task is left for Clean, not Reset")

	assert.Empty(t, s.Queues[task.DefaultGroup])
	assert.Equal(t, task.GroupRunning, s.Groups[task.DefaultGroup].Status)
}
