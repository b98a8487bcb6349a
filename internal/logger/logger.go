// Package logger configures the process-wide structured logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	mu  sync.RWMutex
	std = newLogger(os.Stderr)
)

func newLogger(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true})
	return l
}

// Init sets the level ("debug", "info", "warn", "error") and format ("json" or
// "text") of the shared logger.
func Init(level, format string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}

	var f logrus.Formatter
	switch strings.ToLower(format) {
	case "json":
		f = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	case "text", "":
		f = &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true}
	default:
		return errors.Errorf("log format %q: want json or text", format)
	}

	mu.Lock()
	defer mu.Unlock()
	std.SetLevel(lvl)
	std.SetFormatter(f)
	return nil
}

// SetOutput redirects the shared logger.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	std.SetOutput(w)
}

// Get returns the shared logger.
func Get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	return newLogger(io.Discard)
}
