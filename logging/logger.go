// Package logging provides the per-endpoint loggers of the gateway.
//
// Every endpoint gets a Logger named from its command's ros_log name or
// "<name>_log". Entries go to a child of the gateway slog.Logger and, when a
// Publisher is configured, are also published as JSON LogEntry records on
// "<prefix>.rosout". Failures while publishing are reported to the gateway
// logger and never reach the caller.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Level is a command log level.
type Level string

// Command log levels.
const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// SlogFatal is the slog level FATAL entries are written at.
const SlogFatal = slog.LevelError + 4

var levels = map[Level]slog.Level{
	LevelDebug: slog.LevelDebug,
	LevelInfo:  slog.LevelInfo,
	LevelWarn:  slog.LevelWarn,
	LevelError: slog.LevelError,
	LevelFatal: SlogFatal,
}

// ParseLevel maps a level name, in any case, to a Level. Unknown names and
// the empty string yield LevelInfo.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levels[l]; ok {
		return l
	}
	return LevelInfo
}

// Slog returns the slog level for l.
func (l Level) Slog() slog.Level {
	if v, ok := levels[l]; ok {
		return v
	}
	return slog.LevelInfo
}

// ReplaceLevel is a slog.HandlerOptions.ReplaceAttr that renders SlogFatal
// as "FATAL" instead of "ERROR+4".
func ReplaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == SlogFatal {
			return slog.String(slog.LevelKey, string(LevelFatal))
		}
	}
	return a
}

// Publisher sends rosout entries. bus.Transport satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// LogEntry is the JSON record published on the rosout subject.
type LogEntry struct {
	Timestamp string `json:"timestamp"` // RFC3339Nano
	Level     Level  `json:"level"`
	Logger    string `json:"logger"`
	Endpoint  string `json:"endpoint"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// Factory creates endpoint loggers sharing one fallback logger and rosout
// publisher.
type Factory struct {
	fallback *slog.Logger
	pub      Publisher
	subject  string

	mu      sync.Mutex
	loggers map[*Logger]struct{}
}

// NewFactory creates a factory. A nil pub disables rosout publishing.
func NewFactory(fallback *slog.Logger, pub Publisher, prefix string) *Factory {
	if fallback == nil {
		fallback = slog.Default()
	}
	if prefix == "" {
		prefix = "ros"
	}
	return &Factory{
		fallback: fallback,
		pub:      pub,
		subject:  prefix + ".rosout",
		loggers:  make(map[*Logger]struct{}),
	}
}

// Subject returns the rosout subject.
func (f *Factory) Subject() string {
	return f.subject
}

// Fallback returns the gateway logger.
func (f *Factory) Fallback() *slog.Logger {
	return f.fallback
}

// New creates the logger for an endpoint. An empty name defaults to
// "<endpoint>_log".
func (f *Factory) New(name, kind, endpoint string) *Logger {
	if name == "" {
		name = DefaultName(endpoint)
	}
	l := &Logger{
		name:     name,
		kind:     kind,
		endpoint: endpoint,
		factory:  f,
		slog:     f.fallback.With("logger", name, "kind", kind, "endpoint", endpoint),
	}
	f.mu.Lock()
	f.loggers[l] = struct{}{}
	f.mu.Unlock()
	return l
}

// Release forgets l. Later entries still reach the slog handler but are no
// longer published.
func (f *Factory) Release(l *Logger) {
	if l == nil {
		return
	}
	f.mu.Lock()
	delete(f.loggers, l)
	f.mu.Unlock()
	l.mu.Lock()
	l.released = true
	l.mu.Unlock()
}

// Len returns the number of live loggers.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loggers)
}

// DefaultName is the logger name used when a command names none: the
// endpoint name verbatim with "_log" appended.
func DefaultName(endpoint string) string {
	return endpoint + "_log"
}

// Logger is the logger of one endpoint.
type Logger struct {
	name     string
	kind     string
	endpoint string
	factory  *Factory
	slog     *slog.Logger

	mu       sync.Mutex
	released bool
}

// Name returns the logger name.
func (l *Logger) Name() string {
	return l.name
}

// Slog returns the underlying slog logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Debug logs at DEBUG.
func (l *Logger) Debug(msg string, args ...any) {
	l.Log(context.Background(), LevelDebug, msg, args...)
}

// Info logs at INFO.
func (l *Logger) Info(msg string, args ...any) {
	l.Log(context.Background(), LevelInfo, msg, args...)
}

// Warn logs at WARN.
func (l *Logger) Warn(msg string, args ...any) {
	l.Log(context.Background(), LevelWarn, msg, args...)
}

// Error logs at ERROR with err attached.
func (l *Logger) Error(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err)
	}
	l.Log(context.Background(), LevelError, msg, args...)
}

// Fatal logs at FATAL. It does not exit.
func (l *Logger) Fatal(msg string, args ...any) {
	l.Log(context.Background(), LevelFatal, msg, args...)
}

// Log writes msg at level and publishes it to rosout.
func (l *Logger) Log(ctx context.Context, level Level, msg string, args ...any) {
	defer func() {
		if r := recover(); r != nil {
			l.factory.fallback.Error("Endpoint logger panicked", "logger", l.name, "panic", r)
		}
	}()

	l.slog.Log(ctx, level.Slog(), msg, args...)
	l.publish(ctx, level, msg, args)
}

func (l *Logger) publish(ctx context.Context, level Level, msg string, args []any) {
	f := l.factory
	if f.pub == nil {
		return
	}
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return
	}

	// Check context before performing I/O
	select {
	case <-ctx.Done():
		return
	default:
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Logger:    l.name,
		Endpoint:  l.endpoint,
		Kind:      l.kind,
		Message:   msg,
		Error:     errorArg(args),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		f.fallback.Error("Failed to marshal log entry", "logger", l.name, "error", err)
		return
	}
	if err := f.pub.Publish(ctx, f.subject, data); err != nil {
		f.fallback.Warn("Failed to publish log entry", "logger", l.name, "subject", f.subject, "error", err)
	}
}

func errorArg(args []any) string {
	for i := 0; i+1 < len(args); i++ {
		if key, ok := args[i].(string); ok && key == "error" {
			if err, ok := args[i+1].(error); ok && err != nil {
				return err.Error()
			}
			return fmt.Sprint(args[i+1])
		}
	}
	return ""
}
