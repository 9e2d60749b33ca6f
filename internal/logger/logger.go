package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	output        io.Writer = os.Stderr
)

func init() {
	if path := os.Getenv("MESHCHAT_LOG_FILE"); path != "" {
		// the env var is best effort; SetOutputFile reports errors to callers
		_ = SetOutputFile(path)
	}

	lvlStr := os.Getenv("MESHCHAT_LOG_LEVEL")
	if lvlStr == "" {
		// silent by default, the terminal UI owns the screen
		defaultLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}

	defaultLogger = newJSON(ParseLevel(lvlStr))
}

// L returns the shared application logger.
func L() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Set replaces the global logger (useful in tests).
func Set(l *slog.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// SetLevel switches to a JSON logger at level.
func SetLevel(level slog.Level) {
	l := newJSON(level)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// SetOutputFile sends subsequent loggers created by SetLevel to path.
func SetOutputFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	mu.Lock()
	output = f
	mu.Unlock()
	return nil
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error") to a slog.Level.
// Unknown strings fall back to slog.LevelInfo.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevelFromString is a helper that calls ParseLevel and SetLevel.
func SetLevelFromString(s string) {
	SetLevel(ParseLevel(s))
}

func newJSON(level slog.Level) *slog.Logger {
	mu.RLock()
	w := output
	mu.RUnlock()
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
