// Package logger provides leveled logging for sitectl.
//
// Log lines go to stderr, separate from the user-facing output on stdout,
// so --verbose never corrupts --json output. The package keeps a small
// printf-style API on top of a zap core.
//
// # Log Levels
//
// Four log levels are supported, in order of severity:
//   - Debug: Detailed information for debugging
//   - Info: General operational information
//   - Warn: Warning conditions that don't prevent operation
//   - Error: Error conditions that affect operation
//
// # Initialization
//
//	logger.Init(verbose)  // verbose=true enables Debug level
//
// By default (verbose=false), only Warn and Error messages are shown.
//
// # Usage
//
//	logger.Info("Creating site %s", domain)
//	logger.InfoFields("config rolled back", map[string]interface{}{
//	    "domain":  "example.com",
//	    "version": 3,
//	})
//
// Tests can capture entries by swapping the underlying zap logger:
//
//	core, logs := observer.New(zapcore.DebugLevel)
//	restore := logger.Replace(zap.New(core))
//	defer restore()
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a logging severity level.
type Level int

// Log levels from least to most severe.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// Logger wraps a zap logger with a mutable level and output.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	atom   zap.AtomicLevel
	output io.Writer
	zl     *zap.Logger
}

// Global logger instance.
var std = newLogger(os.Stderr, LevelWarn)

func newLogger(w io.Writer, level Level) *Logger {
	l := &Logger{
		level:  level,
		atom:   zap.NewAtomicLevelAt(level.zapLevel()),
		output: w,
	}
	l.zl = l.build()
	return l
}

// build creates a console-encoded zap logger writing to l.output.
func (l *Logger) build() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(l.output)),
		l.atom,
	)
	return zap.New(core)
}

// Init initializes the global logger with the specified verbosity.
// When verbose is true, Debug and Info levels are enabled.
func Init(verbose bool) {
	if verbose {
		SetLevel(LevelDebug)
	} else {
		SetLevel(LevelWarn)
	}
}

// SetLevel sets the minimum log level for the global logger.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
	std.atom.SetLevel(level.zapLevel())
}

// SetOutput sets the output destination for the global logger.
// A nil writer restores os.Stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	std.mu.Lock()
	defer std.mu.Unlock()
	std.output = w
	std.zl = std.build()
}

// GetLevel returns the current log level.
func GetLevel() Level {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return std.level
}

// Replace swaps the underlying zap logger and returns a function that
// restores the previous one. Level filtering is then up to zl's core.
func Replace(zl *zap.Logger) func() {
	std.mu.Lock()
	prev := std.zl
	std.zl = zl
	std.mu.Unlock()
	return func() {
		std.mu.Lock()
		std.zl = prev
		std.mu.Unlock()
	}
}

// Zap returns the underlying zap logger for callers that want typed fields.
func Zap() *zap.Logger {
	std.mu.RLock()
	defer std.mu.RUnlock()
	return std.zl
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	msg := fmt.Sprintf(format, args...)
	switch level {
	case LevelDebug:
		zl.Debug(msg)
	case LevelInfo:
		zl.Info(msg)
	case LevelWarn:
		zl.Warn(msg)
	default:
		zl.Error(msg)
	}
}

func (l *Logger) logFields(level Level, msg string, fields map[string]interface{}) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	// Sort field keys for consistent output
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			zf = append(zf, zap.NamedError(k, err))
			continue
		}
		zf = append(zf, zap.Any(k, fields[k]))
	}

	switch level {
	case LevelDebug:
		zl.Debug(msg, zf...)
	case LevelInfo:
		zl.Info(msg, zf...)
	case LevelWarn:
		zl.Warn(msg, zf...)
	default:
		zl.Error(msg, zf...)
	}
}

// Debug logs a debug message.
func Debug(format string, args ...interface{}) {
	std.log(LevelDebug, format, args...)
}

// Info logs an informational message.
func Info(format string, args ...interface{}) {
	std.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func Warn(format string, args ...interface{}) {
	std.log(LevelWarn, format, args...)
}

// Error logs an error message.
func Error(format string, args ...interface{}) {
	std.log(LevelError, format, args...)
}

// DebugFields logs a debug message with structured fields.
func DebugFields(msg string, fields map[string]interface{}) {
	std.logFields(LevelDebug, msg, fields)
}

// InfoFields logs an informational message with structured fields.
func InfoFields(msg string, fields map[string]interface{}) {
	std.logFields(LevelInfo, msg, fields)
}

// WarnFields logs a warning message with structured fields.
func WarnFields(msg string, fields map[string]interface{}) {
	std.logFields(LevelWarn, msg, fields)
}

// ErrorFields logs an error message with structured fields.
func ErrorFields(msg string, fields map[string]interface{}) {
	std.logFields(LevelError, msg, fields)
}

// LogError logs an error with additional context message.
func LogError(err error, msg string) {
	if err == nil {
		return
	}
	std.logFields(LevelError, msg, map[string]interface{}{"error": err})
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Zap().Sync()
}
