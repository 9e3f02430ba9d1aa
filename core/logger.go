package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a JSONLogger emits
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLogLevel maps a config string to a LogLevel. Unknown strings map to info.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
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

// JSONLogger writes one JSON object per line. Safe for concurrent use.
type JSONLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level LogLevel
	name  string
}

// NewJSONLogger creates a logger writing to stderr
func NewJSONLogger(name string, level LogLevel) *JSONLogger {
	return &JSONLogger{out: os.Stderr, level: level, name: name}
}

// NewJSONLoggerWithWriter creates a logger with a custom destination
func NewJSONLoggerWithWriter(name string, level LogLevel, out io.Writer) *JSONLogger {
	return &JSONLogger{out: out, level: level, name: name}
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LevelDebug, "debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LevelInfo, "info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LevelWarn, "warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LevelError, "error", msg, fields)
}

func (l *JSONLogger) log(level LogLevel, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = sanitizeLogValue(v)
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = levelName
	entry["msg"] = msg
	if l.name != "" {
		entry["component"] = l.name
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fall back to a flat rendering when a field is not serializable
		keys := make([]string, 0, len(entry))
		for k := range entry {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s=%v ", k, entry[k])
		}
		data = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"fields":%q}`, levelName, msg, b.String()))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Write(append(data, '\n'))
}

// sanitizeLogValue normalizes values that json.Marshal handles poorly.
func sanitizeLogValue(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}
