// Command pueued is the task-queue daemon: it owns the State Store,
// schedules and supervises task processes, and serves the mTLS framed
// protocol described in spec §6. Grounded on teacher's cmd/api-server/
// main.go top-level shape (load config, init logger, construct
// components, signal-driven graceful shutdown), merged with cmd/worker/
// main.go's shutdown-timeout pattern since pueued is a single binary
// covering both roles the teacher split across two.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/maumercado/pueued/internal/config"
	"github.com/maumercado/pueued/internal/lifecycle"
	"github.com/maumercado/pueued/internal/logger"
)

// Exit codes per spec §6.
const (
	exitOK          = 0
	exitPanic       = 1
	exitConfig      = 2
	exitPIDConflict = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to the daemon's YAML config file")
		profile    = flag.String("profile", "", "named config profile to apply over the defaults")
		verbosity  = 0
	)
	for name, n := range map[string]int{"v": 1, "vv": 2, "vvv": 3} {
		n := n
		flag.BoolFunc(name, "increase log verbosity (repeatable: -v, -vv, -vvv)", func(string) error {
			verbosity += n
			return nil
		})
	}
	flag.Parse()

	cfg, err := config.Load(*configPath, *profile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pueued: config error: %v\n", err)
		return exitConfig
	}

	level := cfg.LogLevel
	if verbosity > 0 {
		level = logger.LevelForVerbosity(verbosity)
	}
	logger.Init(level, os.Getenv("PUEUE_ENV") != "production")

	logger.Info().Str("base_dir", cfg.BaseDir).Msg("starting pueued")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon := lifecycle.New(cfg)
	if err := daemon.Run(ctx); err != nil {
		if errors.Is(err, lifecycle.ErrPIDFileConflict) {
			logger.Error().Err(err).Msg("another daemon instance is already running")
			return exitPIDConflict
		}
		logger.Error().Err(err).Msg("daemon exited with an error")
		return exitPanic
	}

	return exitOK
}
