package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, TasksSubmitted)
	assert.NotNil(t, TasksCompleted)
	assert.NotNil(t, TaskDuration)
	assert.NotNil(t, GroupQueueDepth)
	assert.NotNil(t, GroupRunningTasks)
	assert.NotNil(t, GroupParallelLimit)
	assert.NotNil(t, DispatcherTickDuration)
	assert.NotNil(t, DispatcherCommandsTotal)
	assert.NotNil(t, SpawnFailuresTotal)
	assert.NotNil(t, ActiveConnections)
	assert.NotNil(t, AuthFailuresTotal)
}

func TestRecordTaskSubmitted(t *testing.T) {
	TasksSubmitted.Reset()

	RecordTaskSubmitted("default")
	RecordTaskSubmitted("builders")

	// Just ensure no panic; value assertions belong to an e2e scrape test.
}

func TestRecordTaskCompleted(t *testing.T) {
	TasksCompleted.Reset()
	TaskDuration.Reset()

	RecordTaskCompleted("default", "success", 1.5)
	RecordTaskCompleted("default", "failed", 0.5)
}

func TestSetGroupGauges(t *testing.T) {
	SetGroupQueueDepth("default", 3)
	SetGroupRunningTasks("default", 2)
	SetGroupParallelLimit("default", 4)
}

func TestRecordDispatcherCommand(t *testing.T) {
	DispatcherCommandsTotal.Reset()

	RecordDispatcherCommand("Add", "ok")
	RecordDispatcherCommand("Kill", "TaskNotFound")
}

func TestRecordSpawnFailure(t *testing.T) {
	before := testutil.ToFloat64(SpawnFailuresTotal)
	RecordSpawnFailure()
	after := testutil.ToFloat64(SpawnFailuresTotal)
	assert.Equal(t, before+1, after)
}

func TestRecordAuthFailure(t *testing.T) {
	before := testutil.ToFloat64(AuthFailuresTotal)
	RecordAuthFailure()
	after := testutil.ToFloat64(AuthFailuresTotal)
	assert.Equal(t, before+1, after)
}

func TestSetActiveConnections(t *testing.T) {
	SetActiveConnections(0)
	SetActiveConnections(3)
}
