//go:build windows

package supervisor

import (
	"errors"
	"os/exec"

	"github.com/maumercado/pueued/internal/task"
)

// Signal is a platform-neutral alias; Windows has no native signal
// delivery so these are sentinel values interpreted by signalProcessGroup.
type Signal int

const (
	SigKill Signal = iota
	SigTerm
	SigStop
	SigCont
)

// shellCommand wraps command in cmd.exe, per spec §4.2.
func shellCommand(command string) *exec.Cmd {
	return exec.Command("cmd", "/C", command)
}

// setProcessGroup is a no-op placeholder: a full port would assign the
// child to a job object so CREATE_NEW_PROCESS_GROUP semantics extend to
// its descendants. Not implemented here; Windows is not this daemon's
// primary target platform.
func setProcessGroup(cmd *exec.Cmd) {}

// signalProcessGroup supports only Kill and Term, both of which kill the
// process outright: Windows has no SIGSTOP/SIGCONT equivalent without a
// job object, so Pause/Resume return an error on this platform.
func signalProcessGroup(cmd *exec.Cmd, sig Signal) error {
	if cmd.Process == nil {
		return ErrNotRunning
	}
	if sig == SigKill || sig == SigTerm {
		return cmd.Process.Kill()
	}
	return errors.New("supervisor: pause/resume is not supported on windows")
}

func exitResultFromWait(cmd *exec.Cmd, waitErr error) task.ExitResult {
	if waitErr == nil {
		return task.ExitResult{Kind: task.ExitKindNormal, Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return task.ExitResult{Kind: task.ExitKindNormal, Code: exitErr.ExitCode()}
	}
	return task.ExitResult{Kind: task.ExitKindFailedToSpawn, Message: waitErr.Error()}
}
