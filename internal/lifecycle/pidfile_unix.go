//go:build !windows

package lifecycle

import "syscall"

// processAlive reports whether pid refers to a live process, using the
// POSIX convention that signal 0 performs existence/permission checks
// without actually delivering a signal.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
