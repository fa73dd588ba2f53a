package debug

import (
	"fmt"
	"time"
)

// LogLevel represents the severity of a log entry. Levels order from Trace
// up to Error so the minimum-level filter reads naturally.
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "TRACE"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Component represents the kernel subsystem that generated the log entry
type Component string

const (
	ComponentShm      Component = "Shm"
	ComponentHeap     Component = "Heap"
	ComponentRing     Component = "Ring"
	ComponentSynapse  Component = "Synapse"
	ComponentPlayhead Component = "Playhead"
	ComponentVM       Component = "VM"
	ComponentSystem   Component = "System"
)

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time
	Component Component
	Level     LogLevel
	Message   string
	Data      map[string]interface{} // Optional structured data
}

// Format formats the log entry as a string
func (e *LogEntry) Format() string {
	timestamp := e.Timestamp.Format("15:04:05.000")
	return fmt.Sprintf("[%s] [%s] %s: %s", timestamp, e.Component, e.Level, e.Message)
}
