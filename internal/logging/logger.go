// Package logging provides the leveled logger every pipeline component logs
// through. It keeps the small interface shape the original sniffer used
// (Debugf/Infof/Warnf/Errorf) but backs it with logrus so structured fields
// and levels are handled by a real logging library instead of fmt.Fprintf.
package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every internal package depends on. Components
// never import logrus directly; they take a Logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithFields(fields map[string]interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a Logger backed by logrus at the given level ("debug", "info",
// "warn", "error"; unrecognized values fall back to "info").
func New(level string, out io.Writer) Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if out != nil {
		l.SetOutput(out)
	}
	l.SetLevel(parseLevel(level))
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// Noop returns a Logger that discards everything, for tests that don't care
// about log output.
func Noop() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}
