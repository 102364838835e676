// Package logging provides the shared slog setup for perch: a structured
// JSON logger on stdout, a human-readable text logger on stderr, and
// rotating per-service file loggers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Custom levels beyond the slog defaults.
const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// Rotation defaults for file loggers.
const (
	logMaxSizeMB  = 100
	logMaxBackups = 3
	logMaxAgeDays = 28
)

var (
	structuredLevel = new(slog.LevelVar)
	humanLevel      = new(slog.LevelVar)

	structuredLogger    *slog.Logger
	humanReadableLogger *slog.Logger
)

// handlerOptions builds slog handler options that render the custom
// TRACE/FATAL level names.
func handlerOptions(level slog.Leveler) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				label, ok := levelNames[level]
				if !ok {
					label = level.String()
				}
				a.Value = slog.StringValue(label)
			}
			return a
		},
	}
}

// Service loggers bind during package initialization, so the logging
// system has to be ready before any importing package runs its init.
func init() {
	Init()
}

// Init initializes the logging system with structured and human-readable
// loggers and installs the structured logger as the slog default.
func Init() {
	structuredLevel.Set(slog.LevelDebug)
	humanLevel.Set(slog.LevelInfo)

	structuredLogger = slog.New(slog.NewJSONHandler(os.Stdout, handlerOptions(structuredLevel)))
	humanReadableLogger = slog.New(slog.NewTextHandler(os.Stderr, handlerOptions(humanLevel)))

	slog.SetDefault(structuredLogger)
}

// SetLevel sets the minimum logging level for both loggers. Safe to call
// concurrently; handlers share level vars.
func SetLevel(level slog.Level) {
	structuredLevel.Set(level)
	humanLevel.Set(level)
}

// SetOutput redirects logger output, e.g. to a file or test buffer. Levels
// are preserved.
func SetOutput(structuredOutput, humanReadableOutput io.Writer) {
	structuredLogger = slog.New(slog.NewJSONHandler(structuredOutput, handlerOptions(structuredLevel)))
	humanReadableLogger = slog.New(slog.NewTextHandler(humanReadableOutput, handlerOptions(humanLevel)))
	slog.SetDefault(structuredLogger)
}

// Structured returns the globally configured structured (JSON) logger.
// Returns nil if Init() has not been called.
func Structured() *slog.Logger {
	return structuredLogger
}

// HumanReadable returns the globally configured human-readable (Text) logger.
// Returns nil if Init() has not been called.
func HumanReadable() *slog.Logger {
	return humanReadableLogger
}

// ForService creates a new logger instance with the 'service' attribute added.
// It uses the global structured logger as the base.
// Returns nil if Init() has not been called.
func ForService(serviceName string) *slog.Logger {
	if structuredLogger == nil {
		return nil
	}
	return structuredLogger.With("service", serviceName)
}

// --- Convenience functions using the default logger ---

// Debug logs a debug message using the default slog logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message using the default slog logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message using the default slog logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message using the default slog logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// Fatal logs a message at the custom Fatal level and exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs a message at the custom Trace level.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// NewFileLogger creates a slog.Logger writing JSON logs to filePath with
// lumberjack rotation, tagged with the given service name. It returns the
// logger, a close function for the underlying writer, and an error if the
// log directory cannot be created.
func NewFileLogger(filePath, serviceName string, level slog.Leveler) (*slog.Logger, func() error, error) {
	// lumberjack does not create directories
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeDays,
		Compress:   false,
	}

	handler := slog.NewJSONHandler(logWriter, handlerOptions(level))
	logger := slog.New(handler).With("service", serviceName)

	return logger, logWriter.Close, nil
}
