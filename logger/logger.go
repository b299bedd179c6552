// Package logger is the process-wide leveled logger. Messages carry a
// short component prefix ("central", "recv", "bluez", a short device
// ID) so interleaved role output stays readable.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Level is the severity of a log message.
type Level int

const (
	TRACE Level = iota // wire frames, per-chunk acks, polling
	DEBUG              // state transitions, discovery detail
	INFO               // high-level events: scan, connect, transfer done
	WARN
	ERROR
)

var (
	mu           sync.RWMutex
	currentLevel = INFO
)

func init() {
	if env := os.Getenv("BLUEDROP_LOG_LEVEL"); env != "" {
		currentLevel = ParseLevel(env)
	}
}

// SetLevel sets the global threshold: messages below it are dropped.
func SetLevel(level Level) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current threshold.
func GetLevel() Level {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel converts a string to a Level, defaulting to INFO.
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l Level) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO "
	case WARN:
		return "WARN "
	case ERROR:
		return "ERROR"
	default:
		return "?????"
	}
}

func logf(level Level, prefix, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05.000")
	if prefix != "" {
		fmt.Fprintf(os.Stdout, "%s [%s %s] %s\n", ts, prefix, level, msg)
	} else {
		fmt.Fprintf(os.Stdout, "%s [%s] %s\n", ts, level, msg)
	}
}

// Trace logs wire-level detail (frames, acks, polling).
func Trace(prefix, format string, args ...interface{}) {
	logf(TRACE, prefix, format, args...)
}

// Debug logs state transitions and discovery detail.
func Debug(prefix, format string, args ...interface{}) {
	logf(DEBUG, prefix, format, args...)
}

// Info logs high-level events.
func Info(prefix, format string, args ...interface{}) {
	logf(INFO, prefix, format, args...)
}

// Warn logs warnings.
func Warn(prefix, format string, args ...interface{}) {
	logf(WARN, prefix, format, args...)
}

// Error logs errors.
func Error(prefix, format string, args ...interface{}) {
	logf(ERROR, prefix, format, args...)
}

// ToJSON renders a value as pretty JSON for logging. Protobuf messages
// go through protojson so field names come out right; everything else
// uses encoding/json.
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline:       true,
			Indent:          "  ",
			EmitUnpopulated: false,
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a labeled JSON dump at TRACE.
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	logf(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a labeled JSON dump at DEBUG.
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	logf(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
