// Package logger wraps zerolog with the daemon's global structured
// logger, adapted from the teacher's internal/logger package: same
// Init/Get/convenience-event shape, child-logger helpers renamed from
// worker/task-queue terms to this domain's group/task/connection terms.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// LevelForVerbosity maps the daemon's -v/-vv/-vvv flag count to a
// zerolog level name (spec §6: "-v/-vv/-vvv log verbosity"), ladder
// rooted at Warn so the default (0 flags) stays quiet.
func LevelForVerbosity(count int) string {
	switch {
	case count <= 0:
		return zerolog.WarnLevel.String()
	case count == 1:
		return zerolog.InfoLevel.String()
	case count == 2:
		return zerolog.DebugLevel.String()
	default:
		return zerolog.TraceLevel.String()
	}
}

func Get() *zerolog.Logger {
	return &log
}

// WithGroup returns a child logger tagging every event with the group
// name.
func WithGroup(group string) zerolog.Logger {
	return log.With().Str("group", group).Logger()
}

// WithTask returns a child logger tagging every event with the task id.
func WithTask(taskID int64) zerolog.Logger {
	return log.With().Int64("task_id", taskID).Logger()
}

// WithConn returns a child logger tagging every event with the
// per-connection correlation id (internal/transport).
func WithConn(connID string) zerolog.Logger {
	return log.With().Str("conn_id", connID).Logger()
}

// Convenience methods
func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
