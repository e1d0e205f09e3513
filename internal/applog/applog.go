// Package applog provides the structured logger used across tako-server.
//
// It generalizes the logging idiom in caddy's logging.go (a package-level
// zap logger obtained through an accessor, with named sub-loggers per
// component) without that file's JSON-configurable writer/module system,
// which this project has no use for.
package applog

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	root   *zap.Logger
	global *zap.Logger
)

func init() {
	root = mustBuild("info", false)
	global = root.Named("tako")
}

// Configure (re)builds the root logger from a level name ("debug", "info",
// "warn", "error") and whether to use a human-readable console encoder
// instead of JSON. It should be called once at startup before any
// goroutines that log are spawned.
func Configure(level string, development bool) {
	mu.Lock()
	defer mu.Unlock()
	root = mustBuild(level, development)
	global = root.Named("tako")
}

func mustBuild(level string, development bool) *zap.Logger {
	lvl := zapcore.InfoLevel
	_ = lvl.UnmarshalText([]byte(strings.ToLower(level)))

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// Falling back to a no-op logger would hide startup failures;
		// a broken logger config should fail loudly instead.
		panic("applog: failed to build logger: " + err.Error())
	}
	return logger
}

// Log returns the global, named root logger.
func Log() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Named returns a logger scoped to the given component name, e.g.
// Named("proxy") or Named("rollout").
func Named(component string) *zap.Logger {
	return Log().Named(component)
}

// Sync flushes any buffered log entries. Call during shutdown.
func Sync() error {
	l := Log()
	if l == nil {
		return nil
	}
	return l.Sync()
}
