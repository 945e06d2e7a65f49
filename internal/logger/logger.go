package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the default logger used when a component is not handed its own.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = New("info", "console", os.Stderr)
}

// ParseLevel maps a level name to a zerolog level. Unknown names fall back to Info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LevelForVerbosity converts a -v count into a level name.
func LevelForVerbosity(v int) string {
	switch {
	case v <= 0:
		return "warn"
	case v == 1:
		return "info"
	default:
		return "debug"
	}
}

// New builds a standalone logger writing to w. The level applies to this
// logger only, so several engines can log at different verbosities.
func New(level string, format string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	var z zerolog.Logger
	if strings.ToLower(format) == "json" {
		z = zerolog.New(w).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		z = zerolog.New(output).With().Timestamp().Logger()
	}
	return &Logger{z: z.Level(ParseLevel(level))}
}

// Setup configures the global logger
func Setup(level string, format string) {
	Log = New(level, format, os.Stderr)
}

// With returns a child logger carrying a fixed component field.
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level zerolog.Level) bool {
	return l.z.GetLevel() <= level && zerolog.GlobalLevel() <= level
}

// Level returns the configured level of this logger.
func (l *Logger) Level() zerolog.Level {
	return l.z.GetLevel()
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at Error level with variadic key-value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

// addFields adds variadic key-value pairs to the event. Errors and
// Stringers are written as their text.
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		switch v := args[i+1].(type) {
		case nil:
			e.Interface(key, nil)
		case error:
			e.AnErr(key, v)
		case string:
			e.Str(key, v)
		case fmt.Stringer:
			e.Str(key, v.String())
		default:
			e.Interface(key, v)
		}
	}
}
