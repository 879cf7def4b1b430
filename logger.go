package pubsub

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger defines the logging interface used by every service in this package.
// LogrusLogger is the production implementation; NoopLogger is for tests.
type Logger interface {
	// Debugf logs debug-level messages with printf-style formatting.
	Debugf(format string, args ...interface{})

	// Infof logs info-level messages with printf-style formatting.
	Infof(format string, args ...interface{})

	// Warnf logs warning-level messages with printf-style formatting.
	Warnf(format string, args ...interface{})

	// Errorf logs error-level messages with printf-style formatting.
	Errorf(format string, args ...interface{})

	// Info logs info-level messages without formatting.
	Info(message string)
}

// NoopLogger discards everything.
type NoopLogger struct{}

// Debugf implements Logger.Debugf as a no-op.
func (l *NoopLogger) Debugf(_ string, _ ...interface{}) {}

// Infof implements Logger.Infof as a no-op.
func (l *NoopLogger) Infof(_ string, _ ...interface{}) {}

// Warnf implements Logger.Warnf as a no-op.
func (l *NoopLogger) Warnf(_ string, _ ...interface{}) {}

// Errorf implements Logger.Errorf as a no-op.
func (l *NoopLogger) Errorf(_ string, _ ...interface{}) {}

// Info implements Logger.Info as a no-op.
func (l *NoopLogger) Info(_ string) {}

// LogrusLogger adapts a logrus entry to Logger. Fields attached to the entry,
// such as the server identity, appear on every line.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger creates a LogrusLogger writing to out at the given level
// ("debug", "info", ...). JSON output is used when jsonFormat is set.
func NewLogrusLogger(out io.Writer, level string, jsonFormat bool) (*LogrusLogger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeConfiguration, "invalid log level", err)
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(lvl)
	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &LogrusLogger{entry: logrus.NewEntry(l)}, nil
}

// WithField returns a logger that adds key=value to every line.
func (l *LogrusLogger) WithField(key string, value interface{}) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

// Debugf implements Logger.
func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Infof implements Logger.
func (l *LogrusLogger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warnf implements Logger.
func (l *LogrusLogger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Errorf implements Logger.
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Info implements Logger.
func (l *LogrusLogger) Info(message string) { l.entry.Info(message) }
