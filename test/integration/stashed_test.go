package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/pueued/internal/protocol"
	"github.com/maumercado/pueued/internal/task"
)

// Grounded on original_source/pueue/tests/daemon/integration/stashed.rs's
// test_enqueued_tasks: a task added with a stash flag, a future
// enqueue_at, or both lands in Stashed and stays there until a manual
// Enqueue request moves it to Queued (and then Running).
func TestStashedTasks_ManualEnqueue(t *testing.T) {
	cases := []struct {
		name      string
		stash     bool
		enqueueAt bool
	}{
		{"stashedOnly", true, false},
		{"stashedWithFutureTime", true, true},
		{"futureTimeOnly", false, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			td := startDaemon(t)

			var at *time.Time
			if tc.enqueueAt {
				future := time.Now().Add(2 * time.Minute)
				at = &future
			}

			id := td.addTask("sleep 10", func(req *protocol.Request) {
				req.StashFlag = tc.stash
				req.EnqueueAt = at
			})

			stashedTask := td.waitForTaskStatus(id, task.StatusStashed)
			assert.Nil(t, stashedTask.EnqueuedAt)
			if tc.enqueueAt {
				require.NotNil(t, stashedTask.EnqueueAt)
				assert.WithinDuration(t, *at, *stashedTask.EnqueueAt, time.Second)
			}

			preEnqueue := time.Now()

			reply, err := td.client.Send(protocol.Request{Type: protocol.ReqEnqueue, TaskIDs: []int64{id}})
			require.NoError(t, err)
			assert.Equal(t, protocol.ReplySuccess, reply.Type)

			running := td.waitForTaskStatus(id, task.StatusRunning)
			require.NotNil(t, running.EnqueuedAt)
			assert.True(t, running.EnqueuedAt.After(preEnqueue))

			_, _ = td.client.Send(protocol.Request{Type: protocol.ReqKill, Selection: protocol.Selection{Kind: protocol.SelectTaskIDs, TaskIDs: []int64{id}}})
		})
	}
}

// Grounded on stashed.rs's test_delayed_tasks: a task stashed with a
// near-future enqueue_at is picked up by the Timer Wheel and auto-started
// without any client interaction.
func TestStashedTasks_AutoEnqueueAfterDelay(t *testing.T) {
	td := startDaemon(t)

	future := time.Now().Add(time.Second)
	id := td.addTask("sleep 10", func(req *protocol.Request) {
		req.StashFlag = true
		req.EnqueueAt = &future
	})

	td.waitForTaskStatus(id, task.StatusStashed)
	td.waitForTaskStatus(id, task.StatusRunning)

	_, _ = td.client.Send(protocol.Request{Type: protocol.ReqKill, Selection: protocol.Selection{Kind: protocol.SelectTaskIDs, TaskIDs: []int64{id}}})
}

// Grounded on stashed.rs's test_stash_queued_task: stashing a task that
// is currently Queued (because its group is paused, so it never actually
// started running) moves it straight to Stashed with no enqueue_at set.
func TestStashQueuedTask(t *testing.T) {
	td := startDaemon(t)

	reply, err := td.client.Send(protocol.Request{Type: protocol.ReqPause, Selection: protocol.Selection{Kind: protocol.SelectAll}})
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplySuccess, reply.Type)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && td.groupStatus(task.DefaultGroup) != task.GroupPaused {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, task.GroupPaused, td.groupStatus(task.DefaultGroup))

	id := td.addTask("sleep 10", nil)

	stashReply, err := td.client.Send(protocol.Request{Type: protocol.ReqStash, TaskIDs: []int64{id}})
	require.NoError(t, err)
	assert.Equal(t, protocol.ReplySuccess, stashReply.Type)

	stashed := td.getTask(id)
	assert.Equal(t, task.StatusStashed, stashed.Status)
	assert.Nil(t, stashed.EnqueueAt)
	assert.Nil(t, stashed.EnqueuedAt)
}
