package common

import (
	"io"
	"log/slog"
	"os"
)

// LogLevel represents logging verbosity levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	default:
		return "info"
	}
}

// ToSlogLevel converts LogLevel to slog.Level
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LogLevelError:
		return slog.LevelError
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Logger provides a centralized logging interface for the harness
type Logger struct {
	*slog.Logger
	level  LogLevel
	masker *Masker
}

// NewLogger creates a new structured text logger with the specified level
func NewLogger(level LogLevel) *Logger {
	return NewLoggerWithWriter(level, os.Stdout)
}

// NewLoggerWithWriter creates a text logger writing to w.
func NewLoggerWithWriter(level LogLevel, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: level.ToSlogLevel(),
	}
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, opts)),
		level:  level,
		masker: globalMasker,
	}
}

// NewJSONLogger creates a structured logger with JSON output
func NewJSONLogger(level LogLevel) *Logger {
	opts := &slog.HandlerOptions{
		Level: level.ToSlogLevel(),
	}
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(os.Stdout, opts)),
		level:  level,
		masker: globalMasker,
	}
}

// NewColorLogger creates a logger with colorized console output
func NewColorLogger(level LogLevel) *Logger {
	h := NewColorHandler(os.Stdout, &slog.HandlerOptions{Level: level.ToSlogLevel()})
	h.SetMasker(globalMasker)
	return &Logger{
		Logger: slog.New(h),
		level:  level,
		masker: globalMasker,
	}
}

// Level returns the current log level
func (l *Logger) Level() LogLevel {
	return l.level
}

// EnableMasking toggles masking for values passed through Masked.
func (l *Logger) EnableMasking(enabled bool) {
	if l.masker == nil {
		l.masker = NewMasker()
	}
	l.masker.SetEnabled(enabled)
}

// Masked returns s with sensitive values replaced.
func (l *Logger) Masked(s string) string {
	if l.masker == nil {
		return s
	}
	return l.masker.MaskString(s)
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		level:  l.level,
		masker: l.masker,
	}
}

// WithComponent returns a logger with component context
func (l *Logger) WithComponent(component string) *Logger {
	return l.with("component", component)
}

// WithScenario returns a logger with scenario context
func (l *Logger) WithScenario(name, deployment string) *Logger {
	return l.with("scenario", name, "deployment", deployment)
}

// WithNode returns a logger with cluster node context
func (l *Logger) WithNode(node string) *Logger {
	return l.with("node", node)
}

// WithCommand returns a logger with external command context
func (l *Logger) WithCommand(args []string) *Logger {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	return l.with("command", name, "argc", len(args))
}

// WithStore returns a logger with store context
func (l *Logger) WithStore(storeType string) *Logger {
	return l.with("store", storeType)
}

// WithRequest returns a logger with HTTP request context
func (l *Logger) WithRequest(method, url string) *Logger {
	return l.with("method", method, "url", url)
}

// Global default logger instance
var defaultLogger = NewLogger(LogLevelInfo)

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger *Logger) {
	if logger != nil {
		defaultLogger = logger
	}
}

// GetLogger returns the default logger
func GetLogger() *Logger {
	return defaultLogger
}

// LogError logs an error with context
func LogError(msg string, err error, attrs ...any) {
	args := append([]any{"error", err}, attrs...)
	defaultLogger.Error(msg, args...)
}

// LogInfo logs informational message
func LogInfo(msg string, attrs ...any) {
	defaultLogger.Info(msg, attrs...)
}

// LogDebug logs debug message
func LogDebug(msg string, attrs ...any) {
	defaultLogger.Debug(msg, attrs...)
}

// LogWarn logs warning message
func LogWarn(msg string, attrs ...any) {
	defaultLogger.Warn(msg, attrs...)
}
