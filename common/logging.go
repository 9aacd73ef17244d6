// Package common provides shared infrastructure for the datapub service:
// the process logger, the error taxonomy used by every subsystem, and the
// nested-structure helpers shared by the internal backend and the push engine.
//
// Logging is built on logrus. Error-level messages are routed to stderr and
// everything else to stdout, so containerized deployments can treat the two
// streams differently.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level marker.
type OutputSplitter struct{}

func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// LoggerConfig controls the process logger.
type LoggerConfig struct {
	Level   string // debug, info, warn, error
	Format  string // "json" or "text"
	Service string // service name added to every entry
}

// DefaultLoggerConfig returns the configuration used when nothing is set.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:   "info",
		Format:  "text",
		Service: "datapub",
	}
}

// NewLogger creates a configured logrus logger.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	logger.SetOutput(&OutputSplitter{})
	return logger
}

// Logger is the global logger instance. Services may replace it during
// startup after loading configuration.
var Logger = NewLogger(DefaultLoggerConfig())

// WithService returns an entry carrying the service field.
func WithService(logger *logrus.Logger, service string) *logrus.Entry {
	return logger.WithField("service", service)
}
