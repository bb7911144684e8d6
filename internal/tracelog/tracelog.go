// Package tracelog centralizes the engine's structured logging setup so
// the facade and the CLI collaborator agree on handler configuration.
// The engine itself logs sparingly: budget warnings, cache fallbacks, and
// compression retry attempts; everything else surfaces as typed errors.
package tracelog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu       sync.Mutex
	fallback *slog.Logger
)

// New builds a text-handler logger writing to w at the given level. A nil
// w writes to stderr.
func New(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Default returns a process-wide fallback logger for call sites that were
// not handed one explicitly. Warn level keeps routine engine operation
// silent.
func Default() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if fallback == nil {
		fallback = New(os.Stderr, slog.LevelWarn)
	}
	return fallback
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
