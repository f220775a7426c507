// Package logger provides a module-aware structured logger built on log/slog.
//
// Components receive a Logger and derive their own scope with Module:
//
//	log := logger.NewSlogLogger(os.Stderr, logger.LogLevelInfo, false)
//	dsLog := log.Module("dataset")
//	dsLog.Info("loaded images", logger.String("dir", dir), logger.Int("count", n))
//
// Output can additionally be routed to a size-rotated file, see New.
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// LogLevel represents log severity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// Logger is the logging interface injected into components.
type Logger interface {
	// Module returns a logger scoped to a specific module. Nested modules
	// are joined with a dot.
	Module(name string) Logger

	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Logger
	Log(level LogLevel, msg string, fields ...Field)
}

// String creates a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int creates an integer field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 creates a 64-bit integer field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Float64 creates a float field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Bool creates a boolean field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Error creates an error field. The key is always "error".
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Any creates a field holding an arbitrary value.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// SlogLogger implements Logger on top of a slog.Handler.
type SlogLogger struct {
	handler slog.Handler
	module  string
	fields  []Field
}

// NewSlogLogger writes to w at the given level, as JSON or logfmt text.
func NewSlogLogger(w io.Writer, level LogLevel, jsonFormat bool) *SlogLogger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if jsonFormat {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &SlogLogger{handler: h}
}

// NewDiscard returns a logger that drops all output.
func NewDiscard() *SlogLogger {
	return NewSlogLogger(io.Discard, LogLevelError, false)
}

func (l *SlogLogger) Module(name string) Logger {
	module := name
	if l.module != "" {
		module = l.module + "." + name
	}
	return &SlogLogger{handler: l.handler, module: module, fields: l.fields}
}

func (l *SlogLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &SlogLogger{handler: l.handler, module: l.module, fields: merged}
}

func (l *SlogLogger) Debug(msg string, fields ...Field) { l.Log(LogLevelDebug, msg, fields...) }
func (l *SlogLogger) Info(msg string, fields ...Field)  { l.Log(LogLevelInfo, msg, fields...) }
func (l *SlogLogger) Warn(msg string, fields ...Field)  { l.Log(LogLevelWarn, msg, fields...) }
func (l *SlogLogger) Error(msg string, fields ...Field) { l.Log(LogLevelError, msg, fields...) }

func (l *SlogLogger) Log(level LogLevel, msg string, fields ...Field) {
	ctx := context.Background()
	lvl := parseLevel(level)
	if !l.handler.Enabled(ctx, lvl) {
		return
	}
	rec := slog.NewRecord(time.Now(), lvl, msg, 0)
	if l.module != "" {
		rec.AddAttrs(slog.String("module", l.module))
	}
	for _, f := range l.fields {
		rec.AddAttrs(slog.Any(f.Key, f.Value))
	}
	for _, f := range fields {
		rec.AddAttrs(slog.Any(f.Key, f.Value))
	}
	_ = l.handler.Handle(ctx, rec)
}

func parseLevel(level LogLevel) slog.Level {
	switch LogLevel(strings.ToLower(string(level))) {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
