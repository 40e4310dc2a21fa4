package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tk := New("echo hi", "/tmp", "default", map[string]string{"FOO": "bar"})

	assert.Equal(t, "echo hi", tk.Command)
	assert.Equal(t, "/tmp", tk.WorkingDir)
	assert.Equal(t, "default", tk.Group)
	assert.Equal(t, StatusQueued, tk.Status)
	assert.Equal(t, "bar", tk.Env["FOO"])
	assert.False(t, tk.CreatedAt.IsZero())
}

func TestTask_Clone(t *testing.T) {
	started := tk0Clone()

	clone := started.Clone()
	clone.Env["FOO"] = "mutated"
	clone.Dependencies[0] = 999
	*clone.StartedAt = clone.StartedAt.Add(time.Hour)

	assert.Equal(t, "bar", started.Env["FOO"], "mutating clone must not affect original")
	assert.EqualValues(t, 1, started.Dependencies[0])
	assert.NotEqual(t, *clone.StartedAt, *started.StartedAt)
}

func tk0Clone() *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           1,
		Command:      "echo hi",
		Env:          map[string]string{"FOO": "bar"},
		Dependencies: []int64{1},
		StartedAt:    &now,
		ExitResult:   &ExitResult{Kind: ExitKindNormal},
	}
}

func TestTask_ToJSON_FromJSON(t *testing.T) {
	original := New("echo hi", "/tmp", "default", map[string]string{"FOO": "bar"})
	original.ID = 42
	original.Label = "greeting"
	original.Dependencies = []int64{1, 2}

	data, err := original.ToJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Command, restored.Command)
	assert.Equal(t, original.Label, restored.Label)
	assert.Equal(t, original.Dependencies, restored.Dependencies)
	assert.Equal(t, original.Env, restored.Env)
}

func TestTask_RestartCopy(t *testing.T) {
	original := New("echo hi", "/tmp", "builders", map[string]string{"FOO": "bar"})
	original.ID = 7
	original.Status = StatusDone
	original.Label = "build"
	original.PrintClean = true
	original.Dependencies = []int64{3}

	restarted := original.RestartCopy()

	assert.NotEqual(t, original.ID, restarted.ID, "RestartCopy does not assign an id; caller does")
	assert.Equal(t, StatusQueued, restarted.Status)
	assert.Equal(t, original.Command, restarted.Command)
	assert.Equal(t, original.Group, restarted.Group)
	assert.Equal(t, original.Label, restarted.Label)
	assert.Equal(t, original.PrintClean, restarted.PrintClean)
	assert.Equal(t, original.Dependencies, restarted.Dependencies)
	assert.Nil(t, restarted.StartedAt)
	assert.Nil(t, restarted.ExitResult)
}
