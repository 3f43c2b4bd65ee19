package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Level is the minimum severity a message needs to be emitted.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var current atomic.Int32

func init() {
	current.Store(int32(LevelInfo))
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(name string) Level {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// SetLevel changes the global log level.
func SetLevel(l Level) {
	current.Store(int32(l))
}

// CurrentLevel returns the active log level.
func CurrentLevel() Level {
	return Level(current.Load())
}

func emit(l Level, format string, v ...interface{}) {
	if l < CurrentLevel() {
		return
	}
	log.Printf("[%s] %s", l, fmt.Sprintf(format, v...))
}

// Debug logs at debug level.
func Debug(format string, v ...interface{}) { emit(LevelDebug, format, v...) }

// Info logs at info level.
func Info(format string, v ...interface{}) { emit(LevelInfo, format, v...) }

// Warn logs at warn level.
func Warn(format string, v ...interface{}) { emit(LevelWarn, format, v...) }

// Error logs at error level.
func Error(format string, v ...interface{}) { emit(LevelError, format, v...) }
