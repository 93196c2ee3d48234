// Package logx provides structured logging for the vesseltrack daemon
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured JSON logging with a fixed component field
type Logger struct {
	entry     *logrus.Entry
	base      *logrus.Logger
	component string
}

// NewLogger creates a new structured logger writing JSON to stdout
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stdout)
}

// NewLoggerWithOutput creates a logger writing to the given writer
func NewLoggerWithOutput(level, component string, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyMsg:  "msg",
		},
	})
	base.SetLevel(parseLevel(level))

	return &Logger{
		entry:     base.WithField("component", component),
		base:      base,
		component: component,
	}
}

// parseLevel converts string to a logrus level, defaulting to info
func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the active log level at runtime
func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(parseLevel(level))
}

// Level returns the active level name
func (l *Logger) Level() string {
	return l.base.GetLevel().String()
}

// WithComponent returns a logger sharing output and level but tagged with another component
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		entry:     l.base.WithField("component", component),
		base:      l.base,
		component: component,
	}
}

// Component returns the component name
func (l *Logger) Component() string {
	return l.component
}

// fields converts key/value pairs (or a single map) into logrus fields
func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	if len(keysAndValues) == 1 {
		if m, ok := keysAndValues[0].(map[string]interface{}); ok {
			for k, v := range m {
				f[k] = v
			}
			return f
		}
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		val := keysAndValues[i+1]
		if err, ok := val.(error); ok && err != nil {
			val = err.Error()
		}
		f[key] = val
	}
	return f
}

// Trace logs a trace message
func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Trace(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fields(keysAndValues)).Error(msg)
}

// LogVerbose logs an event with a field map at info level
func (l *Logger) LogVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).Info(event)
}

// LogDebugVerbose logs an event with a field map at debug level
func (l *Logger) LogDebugVerbose(event string, data map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(data)).Debug(event)
}

// LogStateChange records a component state transition
func (l *Logger) LogStateChange(component, from, to, reason string, data map[string]interface{}) {
	f := logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range data {
		f[k] = v
	}
	l.entry.WithFields(f).Info("state_change")
}

// Nop returns a logger that discards everything, used by tests and optional collaborators
func Nop() *Logger {
	return NewLoggerWithOutput("error", "nop", io.Discard)
}
