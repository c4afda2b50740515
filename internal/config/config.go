// Package config loads process startup configuration from flags layered over environment
// variables, and persists the core's additive, versioned settings file under a
// process-private state directory.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config holds the Coordination Core's process-wide startup configuration.
type Config struct {
	ProjectsRoot string
	Host         string
	Port         int
	StateDir     string
	LogFormat    string
	LogLevel     slog.Level
}

// Parse builds a Config from command-line flags layered over environment variables, the
// flags winning when both are set, and validates it.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("luban-core", flag.ContinueOnError)

	cfg := &Config{}
	fs.StringVar(&cfg.ProjectsRoot, "projects-root", os.Getenv("LUBAN_PROJECTS_ROOT"),
		"Default parent directory offered when browsing for a project (env: LUBAN_PROJECTS_ROOT)")
	fs.StringVar(&cfg.Host, "host", envOr("LUBAN_HOST", "127.0.0.1"), "Host to bind the transport hub to")
	fs.IntVar(&cfg.Port, "port", envIntOr("LUBAN_PORT", 4873), "Port to bind the transport hub to")
	fs.StringVar(&cfg.StateDir, "state-dir", os.Getenv("LUBAN_STATE_DIR"),
		"Process-private directory for persisted settings (env: LUBAN_STATE_DIR)")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log format: 'text' or 'json'")
	logLevelFlag := fs.String("log-level", "info", "Log level: 'debug', 'info', 'warn', 'error'")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = home + "/.luban-core"
	}

	cfg.LogLevel = parseLevel(*logLevelFlag)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535, got %d", c.Port)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("--log-format must be 'text' or 'json', got %q", c.LogFormat)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

// SetupLogger installs an slog default logger matching cfg's format and level.
func SetupLogger(cfg *Config) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
