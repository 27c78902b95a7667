// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newLogger("info", "text")

func newLogger(level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	switch strings.ToLower(level) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	if strings.ToLower(format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}
	return l
}

// Init replaces the default logger with the specified level and format.
func Init(level string, format string) {
	base = newLogger(level, format)
}

// WithFields returns an entry carrying structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return base.WithFields(fields)
}

// Enabled reports whether messages at level would be emitted.
func Enabled(level logrus.Level) bool {
	return base.IsLevelEnabled(level)
}

func Debug(format string, args ...interface{}) {
	base.Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	base.Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	base.Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	base.Errorf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	base.Log(logrus.FatalLevel, fmt.Sprintf(format, args...))
	os.Exit(1)
}
