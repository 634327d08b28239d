// Package logging is a small leveled, named-logger façade over the
// standard library's log package, matching the bracket-tag component
// naming the rest of this runtime uses for diagnostics.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level gates which calls are actually written out.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var defaultLevel atomic.Int32

func init() {
	defaultLevel.Store(int32(LevelInfo))
}

// SetLevel changes the process-wide minimum level for all loggers created
// by this package.
func SetLevel(l Level) {
	defaultLevel.Store(int32(l))
}

// Logger writes messages tagged with a fixed component name, e.g. "[scheduler] ...".
type Logger struct {
	name string
	std  *log.Logger
}

// New returns a Logger tagged with name, writing to stderr.
func New(name string) *Logger {
	return &Logger{
		name: name,
		std:  log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) enabled(lvl Level) bool {
	return int32(lvl) >= defaultLevel.Load()
}

func (l *Logger) output(tag string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("[%s] %s %s", l.name, tag, msg)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.enabled(LevelDebug) {
		l.output("DEBUG", format, args...)
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l.enabled(LevelInfo) {
		l.output("INFO", format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l.enabled(LevelWarn) {
		l.output("WARN", format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.enabled(LevelError) {
		l.output("ERROR", format, args...)
	}
}
