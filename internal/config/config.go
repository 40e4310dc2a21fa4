package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon's full configuration tree (spec §6 External
// Interfaces, SPEC_FULL.md §10 Ambient Stack).
type Config struct {
	BaseDir     string
	Transport   TransportConfig
	Groups      map[string]GroupConfig
	Timer       TimerConfig
	Shutdown    ShutdownConfig
	RateLimit   RateLimitConfig
	Diagnostics DiagnosticsConfig
	LogLevel    string
}

// TransportConfig selects and configures exactly one listening
// transport (spec §6: "mutually exclusive").
type TransportConfig struct {
	// Mode is "tcp" or "unix".
	Mode       string
	Addr       string
	SocketPath string
}

// GroupConfig is the on-disk shape of a configured group's concurrency
// limit; `default` is always implicitly present even if absent here.
type GroupConfig struct {
	ParallelLimit int
}

// TimerConfig tunes the Timer Wheel's polling cadence.
type TimerConfig struct {
	TickInterval time.Duration
}

// ShutdownConfig tunes the graceful-shutdown drain window (spec §4.7).
type ShutdownConfig struct {
	DrainTimeout time.Duration
}

// RateLimitConfig tunes the per-connection token bucket
// (internal/transport.ConnRateLimiter).
type RateLimitConfig struct {
	ConnectionsPerSecond int
}

// DiagnosticsConfig controls the loopback-only health/metrics listener
// (spec §6 addendum). An empty Listen disables it.
type DiagnosticsConfig struct {
	Listen string
}

// Load reads configuration the way the teacher's config.Load does:
// viper.SetConfigName + search paths, defaults set first so any unset
// key still resolves, then an optional named profile section merged
// over the defaults. configPath overrides the search path entirely
// when non-empty (as does PUEUE_CONFIG_PATH); profile selects a
// `profiles.<name>` sub-tree.
func Load(configPath, profile string) (*Config, error) {
	viper.Reset()

	setDefaults()

	if configPath == "" {
		configPath = os.Getenv("PUEUE_CONFIG_PATH")
	}

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/pueue")
		viper.AddConfigPath("/etc/pueue")
	}

	viper.SetEnvPrefix("PUEUE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if profile != "" {
		sub := viper.Sub("profiles." + profile)
		if sub == nil {
			return nil, fmt.Errorf("config: unknown profile %q", profile)
		}
		if err := sub.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("config: unmarshal profile %q: %w", profile, err)
		}
	}

	if cfg.BaseDir == "" {
		cfg.BaseDir = defaultBaseDir()
	}
	if cfg.Groups == nil {
		cfg.Groups = make(map[string]GroupConfig)
	}
	if _, ok := cfg.Groups["default"]; !ok {
		cfg.Groups["default"] = GroupConfig{ParallelLimit: 1}
	}

	return &cfg, nil
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".pueued")
	}
	return filepath.Join(home, ".local", "share", "pueued")
}

func setDefaults() {
	viper.SetDefault("basedir", "")

	viper.SetDefault("transport.mode", "unix")
	viper.SetDefault("transport.addr", "127.0.0.1:6924")
	viper.SetDefault("transport.socketpath", "")

	viper.SetDefault("timer.tickinterval", 200*time.Millisecond)

	viper.SetDefault("shutdown.draintimeout", 10*time.Second)

	viper.SetDefault("ratelimit.connectionspersecond", 100)

	viper.SetDefault("diagnostics.listen", "")

	viper.SetDefault("loglevel", "info")
}
