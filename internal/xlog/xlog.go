// Package xlog is the shared structured logger for every compile stage,
// mirroring the teacher's use of log/slog in runtime/lexer.
package xlog

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
}

// Get returns the active logger.
func Get() *slog.Logger { return current.Load() }

// SetOutput installs a fresh logger writing to w at the given level.
// Used by the CLI's --debug flag.
func SetOutput(w io.Writer, level slog.Level) {
	current.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// Stage returns a logger scoped with a "stage" attribute, matching the
// per-pipeline-stage logging called for in SPEC_FULL.md's ambient stack.
func Stage(name string) *slog.Logger {
	return Get().With(slog.String("stage", name))
}
