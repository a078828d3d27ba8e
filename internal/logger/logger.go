package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/config"
)

// New builds the process logger from the logging config
func New(cfg config.LoggingConfig, service string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger.WithField("service", service)
}

// Discard returns a logger that drops everything, for tests
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
