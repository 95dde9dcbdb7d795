// Package logging provides the single process-wide logging facility used
// by every engine component. Components never construct their own
// logger; they call into this package's package-level functions.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
)

// Level is a severity threshold.
type Level int32

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
		return "UNKNOWN"
	}
}

var (
	minLevel atomic.Int32
	mu       sync.Mutex
	target   = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

func init() {
	minLevel.Store(int32(LevelInfo))
}

// SetMinimumLevel changes the minimum level at which log calls are
// emitted. Safe to call concurrently with logging calls.
func SetMinimumLevel(l Level) {
	minLevel.Store(int32(l))
}

// SetOutput redirects where log lines go. Intended to be called once at
// startup, same as the teacher's pool singletons are configured once.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	target.SetOutput(w)
}

func enabled(l Level) bool {
	return int32(l) >= minLevel.Load()
}

func emit(l Level, component, format string, args ...interface{}) {
	if !enabled(l) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	mu.Lock()
	target.Printf("[%s] %-8s %s", component, l.String(), msg)
	mu.Unlock()
}

// Debugf logs at debug level, tagged with the emitting component name
// (e.g. "scheduler", "worker-3", "http1").
func Debugf(component, format string, args ...interface{}) { emit(LevelDebug, component, format, args...) }

// Infof logs at info level.
func Infof(component, format string, args ...interface{}) { emit(LevelInfo, component, format, args...) }

// Warnf logs at warn level.
func Warnf(component, format string, args ...interface{}) { emit(LevelWarn, component, format, args...) }

// Errorf logs at error level.
func Errorf(component, format string, args ...interface{}) { emit(LevelError, component, format, args...) }
