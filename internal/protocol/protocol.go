// Package protocol defines the wire message shapes exchanged between a
// client and the daemon (spec §6: "Wire protocol"). The length-prefixed
// JSON framing they ride on lives in internal/transport.
package protocol

import (
	"time"

	"github.com/maumercado/pueued/internal/task"
)

// SelectionKind discriminates a command's target set.
type SelectionKind string

const (
	SelectAll     SelectionKind = "All"
	SelectGroup   SelectionKind = "Group"
	SelectTaskIDs SelectionKind = "TaskIds"
)

// Selection identifies the targets of a command: every task, one group,
// or an explicit id list (spec Glossary: Selection).
type Selection struct {
	Kind    SelectionKind `json:"kind"`
	Group   string        `json:"group,omitempty"`
	TaskIDs []int64       `json:"task_ids,omitempty"`
}

// ShutdownKind distinguishes a graceful drain from an immediate kill.
type ShutdownKind string

const (
	ShutdownGraceful  ShutdownKind = "Graceful"
	ShutdownEmergency ShutdownKind = "Emergency"
)

// Request is the discriminated union of every command a client may send.
// Type selects which of the optional payload fields is populated; the
// Dispatcher switches on Type, not on which fields happen to be set.
type Request struct {
	Type string `json:"type"`

	// Add
	Command      string            `json:"command,omitempty"`
	WorkingDir   string            `json:"working_dir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Group        string            `json:"group,omitempty"`
	Label        string            `json:"label,omitempty"`
	Dependencies []int64           `json:"dependencies,omitempty"`
	PrintClean   bool              `json:"print_clean,omitempty"`
	StashFlag    bool              `json:"stash,omitempty"`
	EnqueueAt    *time.Time        `json:"enqueue_at,omitempty"`

	// Remove, Stash, Switch, Restart
	TaskIDs []int64 `json:"task_ids,omitempty"`
	SwitchA int64   `json:"switch_a,omitempty"`
	SwitchB int64   `json:"switch_b,omitempty"`

	// Start, Pause, Kill
	Selection Selection `json:"selection,omitempty"`
	WaitFlag  bool      `json:"wait,omitempty"`
	SigName   string    `json:"signal,omitempty"`

	// Group {add, remove, set-parallel}
	GroupOp       string `json:"group_op,omitempty"`
	GroupName     string `json:"group_name,omitempty"`
	ParallelLimit int    `json:"parallel_limit,omitempty"`

	// Clean
	CleanGroup       string        `json:"clean_group,omitempty"`
	CleanSuccessOnly bool          `json:"clean_success_only,omitempty"`
	CleanOlderThan   time.Duration `json:"clean_older_than,omitempty"`
	CleanLabel       string        `json:"clean_label,omitempty"`

	// Log
	LogTaskIDs []int64 `json:"log_task_ids,omitempty"`
	Tail       int     `json:"tail,omitempty"`
	Follow     bool    `json:"follow,omitempty"`

	// Send
	TaskID int64  `json:"task_id,omitempty"`
	Input  []byte `json:"input,omitempty"`

	// DaemonShutdown
	ShutdownKind ShutdownKind `json:"shutdown_kind,omitempty"`
}

// Request type discriminators, one per command in spec §4.5.
const (
	ReqAdd            = "Add"
	ReqRemove         = "Remove"
	ReqStart          = "Start"
	ReqPause          = "Pause"
	ReqKill           = "Kill"
	ReqStash          = "Stash"
	ReqEnqueue        = "Enqueue"
	ReqSwitch         = "Switch"
	ReqClean          = "Clean"
	ReqReset          = "Reset"
	ReqGroup          = "Group"
	ReqStatus         = "Status"
	ReqLog            = "Log"
	ReqSend           = "Send"
	ReqDaemonShutdown = "DaemonShutdown"
	ReqRestart        = "Restart"
)

// Group sub-operation discriminators for a ReqGroup request.
const (
	GroupOpAdd         = "add"
	GroupOpRemove      = "remove"
	GroupOpSetParallel = "set-parallel"
)

// Reply is the discriminated union of every response the daemon sends
// back. Exactly one of Success, Failure, Status, or LogChunk applies,
// selected by Type.
type Reply struct {
	Type string `json:"type"`

	// Success
	TaskID  int64  `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`

	// Failure
	Error string `json:"error,omitempty"`

	// Status
	Tasks  map[int64]*task.Task   `json:"tasks,omitempty"`
	Groups map[string]*task.Group `json:"groups,omitempty"`

	// Log (may be sent as multiple frames when Follow was requested)
	LogTaskID int64  `json:"log_task_id,omitempty"`
	LogChunk  []byte `json:"log_chunk,omitempty"`
	LogDone   bool   `json:"log_done,omitempty"`
}

const (
	ReplySuccess = "Success"
	ReplyFailure = "Failure"
	ReplyStatus  = "Status"
	ReplyLog     = "Log"
)

// NewSuccess builds a Success reply, optionally carrying a newly assigned
// task id (e.g. the response to Add).
func NewSuccess(taskID int64, message string) Reply {
	return Reply{Type: ReplySuccess, TaskID: taskID, Message: message}
}

// NewFailure builds a Failure reply from err.
func NewFailure(err error) Reply {
	return Reply{Type: ReplyFailure, Error: err.Error()}
}

// NewStatus builds a Status reply from a state snapshot's tasks/groups.
func NewStatus(tasks map[int64]*task.Task, groups map[string]*task.Group) Reply {
	return Reply{Type: ReplyStatus, Tasks: tasks, Groups: groups}
}
