package logger

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var defaultLogger atomic.Pointer[Logger]

func init() {
	l, err := New(DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("logger: default configuration rejected: %v", err))
	}
	defaultLogger.Store(l)
}

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger and returns the previous one.
func SetDefault(l *Logger) *Logger {
	return defaultLogger.Swap(l)
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	l, err := New(LoggerConfig{
		Level:      level,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	if old := SetDefault(l); old != nil {
		old.Close()
	}
	return nil
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// SetLevel changes the level of the default logger
func SetLevel(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	Default().SetLevel(lvl)
	return nil
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	Default().Debug(format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	Default().Info(format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	Default().Warn(format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	Default().Error(format, args...)
}

// Close closes the logger
func Close() error {
	return Default().Close()
}
