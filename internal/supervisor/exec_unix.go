//go:build !windows

package supervisor

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/maumercado/pueued/internal/task"
)

// Signal is a platform-neutral alias for the handful of signals the
// Dispatcher needs to send; POSIX builds map them onto real signals.
type Signal = syscall.Signal

const (
	SigKill = syscall.SIGKILL
	SigTerm = syscall.SIGTERM
	SigStop = syscall.SIGSTOP
	SigCont = syscall.SIGCONT
)

// shellCommand wraps command in the platform shell, per spec §4.2
// ("sh -c on POSIX, cmd /C on Windows").
func shellCommand(command string) *exec.Cmd {
	return exec.Command("sh", "-c", command)
}

// setProcessGroup places the child in its own process group so that a
// group-wide signal reaches every descendant it spawns, not just the
// shell itself.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcessGroup delivers sig to every process in cmd's process
// group by signaling the negative of its pid (the POSIX convention for
// "this process group").
func signalProcessGroup(cmd *exec.Cmd, sig Signal) error {
	if cmd.Process == nil {
		return ErrNotRunning
	}
	return unix.Kill(-cmd.Process.Pid, sig)
}

// exitResultFromWait classifies a reaped child's outcome into the task
// package's ExitResult shape.
func exitResultFromWait(cmd *exec.Cmd, waitErr error) task.ExitResult {
	if waitErr == nil {
		return task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return task.ExitResult{
				Kind:   task.ExitKindSignaled,
				Signal: ws.Signal().String(),
			}
		}
		return task.ExitResult{Kind: task.ExitKindNormal, Code: exitErr.ExitCode()}
	}

	return task.ExitResult{Kind: task.ExitKindFailedToSpawn, Message: waitErr.Error()}
}
