// Package logx provides leveled, component-prefixed logging for the engine.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Logger writes leveled log lines tagged with a component ID.
type Logger struct {
	component string
	logger    *log.Logger
}

// Level identifies a log severity.
type Level string

// Log levels.
const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	debugEnabled bool
	debugOnce    sync.Once
)

func debugOn() bool {
	debugOnce.Do(func() {
		v := strings.ToLower(os.Getenv("DEBUG"))
		debugEnabled = v == "1" || v == "true"
	})
	return debugEnabled
}

// NewLogger creates a logger for the given component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] %s: %s", l.component, level, msg)
}

// Debug logs at DEBUG level. Suppressed unless DEBUG=1 in the environment.
func (l *Logger) Debug(format string, args ...any) {
	if !debugOn() {
		return
	}
	l.logf(LevelDebug, format, args...)
}

// Info logs at INFO level.
func (l *Logger) Info(format string, args ...any) {
	l.logf(LevelInfo, format, args...)
}

// Warn logs at WARN level.
func (l *Logger) Warn(format string, args ...any) {
	l.logf(LevelWarn, format, args...)
}

// Error logs at ERROR level.
func (l *Logger) Error(format string, args ...any) {
	l.logf(LevelError, format, args...)
}

// Default package-level logger for call sites without a component logger.
var defaultLogger = NewLogger("conductor")

// Infof logs at INFO level on the default logger.
func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

// Warnf logs at WARN level on the default logger.
func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs at ERROR level on the default logger and returns the message
// as an error for convenient propagation. The format supports %w wrapping;
// the logged line carries the already-formatted message.
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err)
	return err
}
