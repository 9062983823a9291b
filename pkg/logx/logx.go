// Package logx provides structured leveled logging with per-component loggers.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level identifies the severity of a log line.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes timestamped log lines tagged with a component ID.
type Logger struct {
	component string
	logger    *log.Logger
}

var (
	debugEnabled bool
	debugOnce    sync.Once
)

// DebugEnabled reports whether debug logging is on (DEBUG=1 or DEBUG=true).
func DebugEnabled() bool {
	debugOnce.Do(func() {
		v := os.Getenv("DEBUG")
		debugEnabled = v == "1" || strings.EqualFold(v, "true")
	})
	return debugEnabled
}

// NewLogger creates a logger for the given component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // stderr keeps stdout clean for CLI output
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Println(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message))
}

// Debug logs a debug message. No-op unless DEBUG is set in the environment.
func (l *Logger) Debug(format string, args ...any) {
	if !DebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Component returns the component ID this logger is tagged with.
func (l *Logger) Component() string {
	return l.component
}
