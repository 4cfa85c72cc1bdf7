// Package logging is the structured logger shared by the CLI and the sync
// engine. Logs go to stderr so that reports on stdout stay machine readable.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogLevel is a level name as accepted by --log-level and LOG_LEVEL.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var defaultLogger *slog.Logger

func init() {
	// Commands reconfigure the logger once the configuration is loaded;
	// until then LOG_LEVEL applies.
	SetupLogger(os.Stderr, LogLevel(os.Getenv("LOG_LEVEL")))
}

// slogLevel maps a LogLevel onto slog, defaulting to info.
func slogLevel(level LogLevel) slog.Level {
	switch LogLevel(strings.ToLower(string(level))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger sends text records at or above level to w.
func SetupLogger(w io.Writer, level LogLevel) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel(level)})
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// ForRepository returns a logger tagging every record with the repository
// id, for the records of one repository sync.
func ForRepository(id string) *slog.Logger {
	return defaultLogger.With("repository", id)
}

// Debug logs a message at debug level.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs a message at info level.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a message at warn level.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs a message at error level.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// GetLogger returns the default logger.
func GetLogger() *slog.Logger {
	return defaultLogger
}

// MaskSensitive shortens a token to its first four characters, enough to
// tell which credential was used.
func MaskSensitive(value string) string {
	if value == "" {
		return "<not set>"
	}
	if len(value) <= 4 {
		return "<set>"
	}
	return value[:4] + "..." + strings.Repeat("*", 3)
}
