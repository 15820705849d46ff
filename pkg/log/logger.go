// Package log provides the process-wide structured logger for the
// burst-buffer core. Components obtain a named sub-logger with Log
// rather than reaching for a package-level *zap.Logger directly, so
// log lines carry a "component" field that lets an operator filter a
// noisy agent pass from a single job's lifecycle trace.
package log

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names sub-loggers by the piece of the design they belong
// to (spec.md §2, components A-H).
type Component string

const (
	Runner    Component = "runner"
	Adapter   Component = "wlm"
	Store     Component = "store"
	Directive Component = "directive"
	Lifecycle Component = "lifecycle"
	Planner   Component = "planner"
	Agent     Component = "agent"
	Facade    Component = "facade"
	Config    Component = "config"
)

var (
	once   sync.Once
	base   *zap.Logger
	cfg    *zap.Config
	aLevel *zap.AtomicLevel
)

// Base returns the process-wide root logger, building a development
// console logger the first time it is called unless the embedding
// process has already installed a global logger via zap.ReplaceGlobals.
func Base() *zap.Logger {
	once.Do(func() {
		if base = zap.L(); isNop(base) {
			cfg = defaultConfig()
			built, err := cfg.Build()
			if err != nil {
				fmt.Printf("logging disabled, logger init failed: %v\n", err)
				base = zap.NewNop()
				return
			}
			base = built
		}
	})
	return base
}

// Log returns a logger scoped to a single component.
func Log(c Component) *zap.Logger {
	return Base().With(zap.String("component", string(c)))
}

// IsDebugEnabled reports whether the root logger would emit debug lines.
func IsDebugEnabled() bool {
	return Base().Core().Enabled(zapcore.DebugLevel)
}

// SetLevel adjusts the atomic level backing the built-in development
// logger. It has no effect when a global logger was injected by the
// embedding process, since that logger owns its own level.
func SetLevel(level zapcore.Level) {
	Base()
	if aLevel != nil {
		aLevel.SetLevel(level)
	}
}

func isNop(l *zap.Logger) bool {
	return reflect.DeepEqual(zap.NewNop(), l)
}

func defaultConfig() *zap.Config {
	atomic := zap.NewAtomicLevelAt(zap.InfoLevel)
	aLevel = &atomic
	return &zap.Config{
		Level:       atomic,
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "name",
			CallerKey:      "caller",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}
