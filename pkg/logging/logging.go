// Package logging provides shared logging utilities for potluck services.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/potluck-btc/potluck/pkg/identity"
)

// Logger wraps slog.Logger with potluck-specific helpers.
type Logger struct {
	base  *slog.Logger
	attrs []slog.Attr
}

// Setup initializes logging with the given level and format, writing to
// stdout, and sets the result as the slog default.
// Valid levels: debug, info, warn, error. Valid formats: json, text.
func Setup(level, format string) *Logger {
	return SetupWriter(level, format, os.Stdout)
}

// SetupWriter initializes logging with the given level, format, and writer.
func SetupWriter(level, format string, w io.Writer) *Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	base := slog.New(handler)
	slog.SetDefault(base)
	return &Logger{base: base}
}

// New creates a Logger wrapping the given slog.Logger.
// If base is nil, uses slog.Default().
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{base: base}
}

// With returns a new Logger with the given attributes.
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	newAttrs := make([]slog.Attr, len(l.attrs), len(l.attrs)+len(attrs))
	copy(newAttrs, l.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &Logger{base: l.base, attrs: newAttrs}
}

// WithComponent adds a component name attribute.
func (l *Logger) WithComponent(name string) *Logger {
	return l.With(slog.String("component", name))
}

// WithPubkey adds a shortened public key attribute.
func (l *Logger) WithPubkey(key string, pk identity.PublicKey) *Logger {
	return l.With(slog.String(key, pk.Short()))
}

// WithGroup adds a group id attribute.
func (l *Logger) WithGroup(groupID string) *Logger {
	return l.With(slog.String("group", groupID))
}

// WithError adds an error attribute.
func (l *Logger) WithError(err error) *Logger {
	return l.With(slog.String("error", err.Error()))
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(context.Background(), slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) {
	l.log(context.Background(), slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(context.Background(), slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) {
	l.log(context.Background(), slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	allArgs := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		allArgs = append(allArgs, attr.Key, attr.Value.Any())
	}
	allArgs = append(allArgs, args...)
	l.base.Log(ctx, level, msg, allArgs...)
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.base
}
