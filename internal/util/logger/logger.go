// Package logger provides the module's shared logging surface: one
// slog.Logger per subsystem, with per-subsystem level overrides read from
// the environment. Every package that logs gets its own named logger via
// Named, matching the convention of one "var log = logger.Named(...)" per
// package.
//
// Environment variables:
//   - RDMNET_LOG_LEVEL: "subsystem=level,subsystem=level,defaultLevel",
//     e.g. "dnssd=debug,agent=warn,info"
//   - RDMNET_LOG_FORMAT: "text" (default) or "json"
package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format selects the slog handler used for process output.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

type envConfig struct {
	defaultLevel    slog.Level
	subsystemLevels map[string]slog.Level
	format          Format
}

var (
	configOnce sync.Once
	config     *envConfig
)

func configFromEnv() *envConfig {
	configOnce.Do(func() {
		config = parseEnvConfig()
	})
	return config
}

func parseEnvConfig() *envConfig {
	cfg := &envConfig{
		defaultLevel:    slog.LevelInfo,
		subsystemLevels: make(map[string]slog.Level),
		format:          FormatText,
	}

	if levelStr := os.Getenv("RDMNET_LOG_LEVEL"); levelStr != "" {
		parseLevelConfig(cfg, levelStr)
	}
	if strings.EqualFold(os.Getenv("RDMNET_LOG_FORMAT"), "json") {
		cfg.format = FormatJSON
	}
	return cfg
}

func parseLevelConfig(cfg *envConfig, levelStr string) {
	for _, part := range strings.Split(levelStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if idx := strings.IndexByte(part, '='); idx >= 0 {
			subsystem := strings.TrimSpace(part[:idx])
			if level, ok := parseLevel(strings.TrimSpace(part[idx+1:])); ok {
				cfg.subsystemLevels[subsystem] = level
			}
			continue
		}
		if level, ok := parseLevel(part); ok {
			cfg.defaultLevel = level
		}
	}
}

func parseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// levelVar backs one subsystem's dynamically-adjustable level.
type levelVar struct {
	v *slog.LevelVar
}

// Named returns the logger for the given subsystem, with its level and
// output format resolved from the environment the first time any logger
// is requested.
func Named(subsystem string) *slog.Logger {
	cfg := configFromEnv()

	level := cfg.defaultLevel
	if l, ok := cfg.subsystemLevels[subsystem]; ok {
		level = l
	}
	lv := &slog.LevelVar{}
	lv.Set(level)

	opts := &slog.HandlerOptions{Level: lv}
	var handler slog.Handler
	if cfg.format == FormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("subsystem", subsystem)
}

// ResetForTest clears the cached environment configuration; test-only.
func ResetForTest() {
	configOnce = sync.Once{}
	config = nil
}
