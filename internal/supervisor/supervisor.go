// Package supervisor spawns and supervises child processes on behalf of
// the Dispatcher (spec §4.2). Each active task owns one goroutine that
// runs the child, streams its combined output to a log file, and reports
// the exit back to the Dispatcher over a channel - process-exit events
// share the same channel priority as client commands and timer ticks
// (spec §5).
package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/maumercado/pueued/internal/logger"
	"github.com/maumercado/pueued/internal/task"
)

// ProcessExited is the event the Supervisor reports back to the
// Dispatcher when a task's process has stopped running, for any reason.
type ProcessExited struct {
	TaskID int64
	Result task.ExitResult
}

// ErrNotRunning is returned by Signal/Kill when the task has no active
// process (spec §4.2: both are no-ops on a non-Running task).
var ErrNotRunning = fmt.Errorf("supervisor: task is not running")

// handle tracks one active child process.
type handle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// Supervisor spawns and signals child processes, streaming each one's
// combined stdout/stderr to <baseDir>/task_logs/<id>.log.
type Supervisor struct {
	baseDir string
	exited  chan<- ProcessExited

	mu      sync.Mutex
	running map[int64]*handle
}

// New creates a Supervisor that writes log files under baseDir and
// reports exits on exited. exited should be buffered or drained promptly;
// the Supervisor blocks sending to it, the same way it blocks delivering
// any other Dispatcher event.
func New(baseDir string, exited chan<- ProcessExited) *Supervisor {
	return &Supervisor{
		baseDir: baseDir,
		exited:  exited,
		running: make(map[int64]*handle),
	}
}

// LogPath returns the path to a task's combined stdout+stderr log file.
func (s *Supervisor) LogPath(taskID int64) string {
	return filepath.Join(s.baseDir, "task_logs", fmt.Sprintf("%d.log", taskID))
}

// Spawn launches t's command under the platform shell, in its own
// process group, truncating any prior log file for this task id. It
// returns immediately; the exit is reported asynchronously via the
// exited channel.
func (s *Supervisor) Spawn(t *task.Task) {
	logPath := s.LogPath(t.ID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		s.reportFailure(t.ID, fmt.Sprintf("create log directory: %s", err))
		return
	}

	logFile, err := os.Create(logPath) // O_TRUNC per "truncated on each (re)start"
	if err != nil {
		s.reportFailure(t.ID, fmt.Sprintf("create log file: %s", err))
		return
	}

	cmd := shellCommand(t.Command)
	cmd.Dir = t.WorkingDir
	cmd.Env = mergedEnv(t.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		s.reportFailure(t.ID, err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		s.reportFailure(t.ID, err.Error())
		return
	}

	s.mu.Lock()
	s.running[t.ID] = &handle{cmd: cmd, stdin: stdin}
	s.mu.Unlock()

	go s.wait(t.ID, cmd, logFile)
}

func (s *Supervisor) wait(taskID int64, cmd *exec.Cmd, logFile io.Closer) {
	err := cmd.Wait()
	logFile.Close()

	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()

	result := exitResultFromWait(cmd, err)
	s.exited <- ProcessExited{TaskID: taskID, Result: result}
}

func (s *Supervisor) reportFailure(taskID int64, message string) {
	logger.Error().Int64("task_id", taskID).Str("error", message).Msg("task failed to spawn")
	s.exited <- ProcessExited{
		TaskID: taskID,
		Result: task.ExitResult{Kind: task.ExitKindFailedToSpawn, Message: message},
	}
}

// Signal delivers sig to the task's process group. A no-op "not running"
// error is returned if the task has no active process.
func (s *Supervisor) Signal(taskID int64, sig Signal) error {
	s.mu.Lock()
	h, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	return signalProcessGroup(h.cmd, sig)
}

// Kill sends an unconditional termination signal (SIGKILL on POSIX) to
// the task's process group.
func (s *Supervisor) Kill(taskID int64) error {
	return s.Signal(taskID, SigKill)
}

// Pause sends SIGSTOP to the task's process group.
func (s *Supervisor) Pause(taskID int64) error {
	return s.Signal(taskID, SigStop)
}

// Resume sends SIGCONT to the task's process group.
func (s *Supervisor) Resume(taskID int64) error {
	return s.Signal(taskID, SigCont)
}

// Write sends input to the task's stdin, if still open and Running.
func (s *Supervisor) Write(taskID int64, input []byte) error {
	s.mu.Lock()
	h, ok := s.running[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	_, err := h.stdin.Write(input)
	return err
}

// IsRunning reports whether the Supervisor currently owns a live process
// for taskID.
func (s *Supervisor) IsRunning(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// RunningTaskIDs returns the ids of every task this Supervisor currently
// owns a live process for, used by shutdown to deliver a bounded drain.
func (s *Supervisor) RunningTaskIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

func mergedEnv(taskEnv map[string]string) []string {
	env := os.Environ()
	for k, v := range taskEnv {
		env = append(env, k+"="+v)
	}
	return env
}
