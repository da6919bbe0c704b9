package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry defines a log entry
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

type jsonLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	metadata  map[string]interface{}
	component string
	logLevel  LogLevel
	now       func() time.Time
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	return &jsonLogger{
		mu:        c.mu,
		out:       c.out,
		metadata:  copyMetadata(c.metadata, nil),
		component: c.component,
		logLevel:  c.logLevel,
		now:       c.now,
	}
}

// WithPrefix sets or extends the component name. Brackets are stripped so
// "[cache]" is reported as "cache".
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	name := strings.Trim(prefix, "[]")
	switch {
	case l.component == "":
		l.component = name
	case !strings.Contains(l.component, name):
		l.component += " " + name
	}
	return l
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	l.metadata = copyMetadata(c.metadata, metadata)
	if comp, ok := l.metadata["component"].(string); ok {
		l.component = comp
		delete(l.metadata, "component")
	}
	return l
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	if level < c.logLevel {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Timestamp: c.now(),
		Message:   ansiColorStripper.ReplaceAllString(msg, ""),
		Severity:  level.String(),
		Metadata:  c.metadata,
		Component: c.component,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		buf, _ = json.Marshal(JSONLogEntry{Timestamp: entry.Timestamp, Message: msg, Severity: entry.Severity, Component: c.component})
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.out.Write(append(buf, '\n'))
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) { c.log(LevelTrace, msg, args...) }
func (c *jsonLogger) Debug(msg string, args ...interface{}) { c.log(LevelDebug, msg, args...) }
func (c *jsonLogger) Info(msg string, args ...interface{})  { c.log(LevelInfo, msg, args...) }
func (c *jsonLogger) Warn(msg string, args ...interface{})  { c.log(LevelWarn, msg, args...) }
func (c *jsonLogger) Error(msg string, args ...interface{}) { c.log(LevelError, msg, args...) }

// NewJSONLogger returns a new Logger writing one JSON object per line to stderr.
func NewJSONLogger(levels ...LogLevel) Logger {
	return NewJSONLoggerTo(os.Stderr, levels...)
}

// NewJSONLoggerTo is NewJSONLogger writing to out.
func NewJSONLoggerTo(out io.Writer, levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{mu: &sync.Mutex{}, out: out, logLevel: level, now: time.Now}
}
