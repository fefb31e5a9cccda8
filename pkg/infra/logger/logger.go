// Package logger provides structured logging for vitune.
// It wraps log/slog so every package logs through one configured handler,
// with training context (run id, worker rank, data stream) attached from
// the context when present.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// contextKey is a private type for context keys in this package.
type contextKey int

const (
	runIDKey contextKey = iota
	rankKey
	streamKey
)

var (
	defaultLogger *slog.Logger
	closer        io.Closer
	once          sync.Once
	mu            sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the writer to log to (defaults to os.Stderr).
	Output io.Writer
	// File, when set and Output is nil, appends log lines to that path.
	File string
	// AddSource adds source file:line to log entries.
	AddSource bool
}

// Init initializes the default logger with the given configuration.
// It is safe to call multiple times; only the first call takes effect.
// Use Reset() followed by Init() to reconfigure.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	once.Do(func() {
		err = initLogger(cfg)
	})
	return err
}

// Reset resets the default logger so Init can be called again.
// This is primarily for testing. It is safe to call concurrently.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	once = sync.Once{}
	defaultLogger = nil
	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
}

func initLogger(cfg Config) error {
	output := cfg.Output
	if output == nil && cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		output, closer = f, f
	}
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return nil
}

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

// Default returns the default logger instance.
// If Init() has not been called, returns slog.Default().
func Default() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return slog.Default()
	}
	return l
}

// WithContext returns a logger enriched with context values
// (run_id, rank, stream) if they are present.
func WithContext(ctx context.Context) *slog.Logger {
	l := Default()

	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		l = l.With("run_id", id)
	}
	if r, ok := ctx.Value(rankKey).(int); ok {
		l = l.With("rank", r)
	}
	if s, ok := ctx.Value(streamKey).(string); ok && s != "" {
		l = l.With("stream", s)
	}

	return l
}

// SetRunID adds a run ID to the context.
func SetRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// SetRank adds the worker rank to the context.
func SetRank(ctx context.Context, rank int) context.Context {
	return context.WithValue(ctx, rankKey, rank)
}

// SetStream adds a data stream name to the context.
func SetStream(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, streamKey, name)
}

// GetRunID extracts the run ID from the context.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRank extracts the worker rank from the context, or -1.
func GetRank(ctx context.Context) int {
	if r, ok := ctx.Value(rankKey).(int); ok {
		return r
	}
	return -1
}

// Convenience functions that delegate to the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
