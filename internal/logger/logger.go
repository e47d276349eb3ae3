// Package logger provides leveled structured logging.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var defaultLogger = newLogger(os.Stderr)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{})
	return l
}

// ParseLevel converts debug|info|warn|error to a logrus level. Unknown values map to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Init configures the default logger with the specified level and format (json|text).
func Init(level string, format string) {
	defaultLogger.SetLevel(ParseLevel(level))
	if strings.ToLower(format) == "text" {
		defaultLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		defaultLogger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// SetOutput redirects the default logger.
func SetOutput(out io.Writer) {
	defaultLogger.SetOutput(out)
}

// WithFields returns an entry carrying the given fields, for per-component logging.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return defaultLogger.WithFields(fields)
}

func Debug(format string, args ...interface{}) {
	defaultLogger.Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	defaultLogger.Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	defaultLogger.Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	defaultLogger.Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	defaultLogger.Fatalf(format, args...)
}
