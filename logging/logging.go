// Package logging provides the small leveled wrapper that featuresmap,
// optimizer and server log through, so their verbosity stays centrally
// controlled. notify and the cmd tools use the log package directly, and the
// pose-graph solver's verbose trace writes straight to stderr.
package logging

import (
	"log"
	"os"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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
		return "?"
	}
}

// Logger wraps a standard log.Logger with a level gate and a component tag.
type Logger struct {
	tag   string
	min   Level
	inner *log.Logger
}

// New returns a Logger that writes to stderr, tagged with component name.
func New(component string) *Logger {
	return &Logger{
		tag:   component,
		min:   LevelInfo,
		inner: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) SetLevel(lv Level) { l.min = lv }

func (l *Logger) logf(lv Level, format string, args ...interface{}) {
	if lv < l.min {
		return
	}
	l.inner.Printf("[%s] %s: "+format, append([]interface{}{lv, l.tag}, args...)...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// Fatalf logs at error level then exits, mirroring log.Fatalf for startup paths.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logf(LevelError, format, args...)
	os.Exit(1)
}
