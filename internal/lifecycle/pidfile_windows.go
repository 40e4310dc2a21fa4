//go:build windows

package lifecycle

import (
	"os"
	"syscall"
)

// processAlive reports whether pid refers to a live process. Windows has
// no POSIX signal-0 existence probe, so this opens a handle via
// os.FindProcess (which itself validates the pid on Windows) and probes
// it with a zero signal - good enough for the conflict check this
// daemon needs, since Windows is not its primary target platform.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
