package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level is the verbosity threshold used by the logger. Lower values are more
// verbose.
type Level int

const (
	// LevelDebug enables verbose logs intended for debugging (protocol
	// traffic, state machine transitions).
	LevelDebug Level = iota
	// LevelInfo enables informational logs (default).
	LevelInfo
	// LevelWarn enables only warnings and errors.
	LevelWarn
	// LevelError enables only error logs.
	LevelError
)

var (
	mu       sync.RWMutex
	level    = LevelInfo
	delegate = log.New(os.Stderr, "", log.LstdFlags)
)

// ParseLevel parses a log level string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// SetLevel sets the global log level threshold.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetOutput replaces the writer used by the global logger.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	delegate.SetOutput(w)
}

// SetFlags sets the underlying log flags used for all output.
func SetFlags(flags int) {
	mu.Lock()
	defer mu.Unlock()
	delegate.SetFlags(flags)
}

func logf(l Level, prefix, format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	if l < level {
		return
	}
	delegate.Printf(prefix+format, args...)
}

func Debugf(format string, args ...any) { logf(LevelDebug, "[DEBUG] ", format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, "[INFO] ", format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, "[WARN] ", format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, "[ERROR] ", format, args...) }
