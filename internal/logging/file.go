package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// OpenLogFile opens (or creates) today's log file under <dir>/logs and
// returns it for appending.
func OpenLogFile(dir, appName string, now time.Time) (*os.File, error) {
	logsDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	// Create log file with current date
	logFileName := fmt.Sprintf("%s-%s.log", appName, now.Format("2006-01-02"))
	logFilePath := filepath.Join(logsDir, logFileName)

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logFile, nil
}

// SetupWithFile logs to both stderr and today's log file under dir. The
// returned closer must be closed when the program exits.
func SetupWithFile(dir, appName string, level LogLevel) (io.Closer, error) {
	f, err := OpenLogFile(dir, appName, time.Now())
	if err != nil {
		return nil, err
	}
	SetupLogger(io.MultiWriter(os.Stderr, f), level)
	return f, nil
}
