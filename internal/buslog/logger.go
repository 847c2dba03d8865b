package buslog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger writes leveled records to an io.Writer and mirrors them into
// a bounded Ring for later introspection.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
	name  string
	ring  *Ring
}

// New returns a Logger named name, writing records at or above level
// to out, with a ring buffer of the given size (0 disables it).
func New(name string, level Level, out io.Writer, ringSize int) *Logger {
	l := &Logger{out: out, level: level, name: name}
	if ringSize > 0 {
		l.ring = NewRing(ringSize)
	}
	return l
}

// Default returns a Logger writing to stderr at NOTICE, matching the
// bus daemon's default verbosity.
func Default(name string) *Logger {
	return New(name, NOTICE, os.Stderr, 256)
}

func (l *Logger) Ring() *Ring { return l.ring }

func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)

	l.mu.Lock()
	fmt.Fprintf(l.out, "%s %s %s: %s\n", time.Now().Format("2006/01/02 15:04:05"), level, l.name, msg)
	l.mu.Unlock()

	if l.ring != nil {
		l.ring.record(level, l.name, msg)
	}
}

func (l *Logger) Debug(format string, args ...interface{})  { l.log(DEBUG, format, args...) }
func (l *Logger) Info(format string, args ...interface{})   { l.log(INFO, format, args...) }
func (l *Logger) Notice(format string, args ...interface{}) { l.log(NOTICE, format, args...) }
func (l *Logger) Warn(format string, args ...interface{})   { l.log(WARN, format, args...) }
func (l *Logger) Error(format string, args ...interface{})  { l.log(ERROR, format, args...) }
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.log(FATAL, format, args...)
	os.Exit(1)
}
