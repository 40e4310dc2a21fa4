package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/maumercado/pueued/internal/logger"
)

// ErrPIDFileConflict is returned when pueued.pid names a process that is
// still alive - a second daemon instance must refuse to start against
// the same base directory (spec §4.7, §6 exit codes).
var ErrPIDFileConflict = errors.New("lifecycle: another daemon instance is already running")

// checkAndWritePIDFile reads any existing pid file at path. If it names
// a live process, ErrPIDFileConflict is returned. Otherwise (missing
// file, unreadable contents, or a stale pid) the file is overwritten
// with the current process's pid.
func checkAndWritePIDFile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
			if processAlive(pid) {
				return fmt.Errorf("%w: pid %d in %s", ErrPIDFileConflict, pid, path)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("lifecycle: read pid file %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("lifecycle: write pid file %s: %w", path, err)
	}
	return nil
}

// removePIDFile best-effort removes the pid file on shutdown; an
// already-missing file is not an error.
func removePIDFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", path).Msg("failed to remove pid file")
	}
}
