// Package log is the logging facade used across poolrpc. It wraps a single
// logrus logger so every component logs through the same formatter and level.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level aliases the logrus levels so callers don't import logrus for them.
type Level = logrus.Level

// Fields aliases logrus.Fields.
type Fields = logrus.Fields

// Entry aliases logrus.Entry; components keep one with a "component" field.
type Entry = logrus.Entry

const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		DisableLevelTruncation: true,
	})
}

// Logger returns the underlying logger.
func Logger() *logrus.Logger { return std }

// SetLevel sets the minimum level of the shared logger.
func SetLevel(l Level) { std.SetLevel(l) }

// GetLevel returns the current level.
func GetLevel() Level { return std.GetLevel() }

// ParseLevel parses a level name such as "debug" or "warning".
func ParseLevel(s string) (Level, error) { return logrus.ParseLevel(s) }

// SetOutput redirects log output.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetFormatter replaces the formatter, e.g. with NilFormatter in tests.
func SetFormatter(f logrus.Formatter) { std.SetFormatter(f) }

// Component returns an entry tagged with the component name.
func Component(name string) *Entry { return std.WithField("component", name) }

func WithField(key string, value any) *Entry { return std.WithField(key, value) }

func WithFields(fields Fields) *Entry { return std.WithFields(fields) }

func WithError(err error) *Entry { return std.WithError(err) }

func Debug(args ...any) { std.Debug(args...) }

func Debugf(format string, args ...any) { std.Debugf(format, args...) }

func Info(args ...any) { std.Info(args...) }

func Infof(format string, args ...any) { std.Infof(format, args...) }

func Warn(args ...any) { std.Warn(args...) }

func Warnf(format string, args ...any) { std.Warnf(format, args...) }

func Error(args ...any) { std.Error(args...) }

func Errorf(format string, args ...any) { std.Errorf(format, args...) }
