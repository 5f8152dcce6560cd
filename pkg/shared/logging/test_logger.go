package logging

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

// Entry is one message captured by a TestLogger.
type Entry struct {
	Module  string
	Level   Level
	Message string
	Args    []interface{}
}

// TestLogger is a logger for tests. It records every entry and, when built
// with NewTestLoggerVerbose, mirrors them to t.Logf.
type TestLogger struct {
	module string
	t      *testing.T
	sink   *entrySink
}

type entrySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewTestLogger creates a new test logger that suppresses output
func NewTestLogger() *TestLogger {
	return &TestLogger{module: "test", sink: &entrySink{}}
}

// NewTestLoggerVerbose creates a test logger that outputs to testing.T
func NewTestLoggerVerbose(t *testing.T) *TestLogger {
	return &TestLogger{module: "test", t: t, sink: &entrySink{}}
}

func (l *TestLogger) record(level Level, msg string, args []interface{}) {
	l.sink.mu.Lock()
	l.sink.entries = append(l.sink.entries, Entry{Module: l.module, Level: level, Message: msg, Args: args})
	l.sink.mu.Unlock()
	if l.t != nil {
		l.t.Logf("[%s] %s: %s %v", l.module, level, msg, args)
	}
}

// Entries returns a copy of everything logged through this logger tree.
func (l *TestLogger) Entries() []Entry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	out := make([]Entry, len(l.sink.entries))
	copy(out, l.sink.entries)
	return out
}

// Contains reports whether any entry message contains substr.
func (l *TestLogger) Contains(substr string) bool {
	for _, e := range l.Entries() {
		if strings.Contains(e.Message, substr) || strings.Contains(fmt.Sprint(e.Args...), substr) {
			return true
		}
	}
	return false
}

// Debug logs a debug message
func (l *TestLogger) Debug(msg string, args ...interface{}) { l.record(LevelDebug, msg, args) }

// Info logs an informational message
func (l *TestLogger) Info(msg string, args ...interface{}) { l.record(LevelInfo, msg, args) }

// Warn logs a warning message
func (l *TestLogger) Warn(msg string, args ...interface{}) { l.record(LevelWarn, msg, args) }

// Error logs an error message
func (l *TestLogger) Error(msg string, args ...interface{}) { l.record(LevelError, msg, args) }

// Fatal records the message and fails the test when verbose; it never exits.
func (l *TestLogger) Fatal(msg string, args ...interface{}) {
	l.record(LevelFatal, msg, args)
	if l.t != nil {
		l.t.Fatalf("[%s] FATAL: %s %v", l.module, msg, args)
	}
}

// WithModule creates a new logger with a hierarchical component name
// ("test/tokencache").
func (l *TestLogger) WithModule(module string) Logger {
	newModule := module
	if l.module != "" {
		newModule = l.module + "/" + module
	}
	return &TestLogger{module: newModule, t: l.t, sink: l.sink}
}
