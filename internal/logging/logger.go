// Package logging configures the structured slog logger shared by the
// solver, the gate and the command-line tools.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string

	// Format is the output format (json, text)
	Format string

	// Output is the writer for log output (defaults to os.Stderr, which
	// keeps stdout free for the solver's progress display)
	Output io.Writer

	// AddSource adds source file and line to log entries
	AddSource bool
}

// DefaultConfig returns default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: os.Stderr,
	}
}

// Logger wraps slog.Logger with a level that can change at runtime.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New creates a Logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := &slog.LevelVar{}
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
	}
}

// Discard returns a logger that drops everything. Used by tests and by
// tools that want silence.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: "error"})
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// SetLevel dynamically sets the log level.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level returns the current log level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// With returns a Logger with the given attributes that shares the level.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
	}
}

// WithGroup returns a Logger with the given group name that shares the level.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithGroup(name),
		level:  l.level,
	}
}

type contextKey struct{}

// WithContext returns a new context carrying logger.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the default logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(contextKey{}).(*Logger); ok {
		return logger
	}
	return defaultLogger
}

var defaultLogger = New(DefaultConfig())

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger, for this package and for slog.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Common log field keys.
const (
	KeyError      = "error"
	KeyAttemptID  = "attempt_id"
	KeyState      = "state"
	KeyChallenge  = "challenge"
	KeyDifficulty = "difficulty"
	KeyNonce      = "nonce"
	KeyAttempts   = "attempts"
	KeyEngine     = "engine"
	KeyRemoteAddr = "remote_addr"
)

// Err returns an error attribute.
func Err(err error) slog.Attr {
	return slog.Any(KeyError, err)
}

// AttemptID returns an attempt ID attribute.
func AttemptID(id string) slog.Attr {
	return slog.String(KeyAttemptID, id)
}

// State returns a state machine state attribute.
func State(s fmt.Stringer) slog.Attr {
	return slog.String(KeyState, s.String())
}

// Challenge returns a challenge attribute carrying only the first 8
// bytes, enough to correlate logs without copying the secret.
func Challenge(value string) slog.Attr {
	if len(value) > 8 {
		value = value[:8] + "..."
	}
	return slog.String(KeyChallenge, value)
}

// Difficulty returns a difficulty attribute.
func Difficulty(d int) slog.Attr {
	return slog.Int(KeyDifficulty, d)
}

// Nonce returns a nonce attribute.
func Nonce(n uint64) slog.Attr {
	return slog.Uint64(KeyNonce, n)
}

// Attempts returns an attempts counter attribute.
func Attempts(n uint64) slog.Attr {
	return slog.Uint64(KeyAttempts, n)
}

// Engine returns a digest engine name attribute.
func Engine(name string) slog.Attr {
	return slog.String(KeyEngine, name)
}

// RemoteAddr returns a remote address attribute.
func RemoteAddr(addr string) slog.Attr {
	return slog.String(KeyRemoteAddr, addr)
}
