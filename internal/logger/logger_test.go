package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/segyhp/settlement-engine/internal/config"
)

func TestNew(t *testing.T) {
	entry := New(config.LoggingConfig{Level: "debug", Format: "text"}, "settlement-api")

	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, entry.Logger.Formatter)
	assert.Equal(t, "settlement-api", entry.Data["service"])
}

func TestNew_FallsBackToInfoAndJSON(t *testing.T) {
	entry := New(config.LoggingConfig{Level: "chatty"}, "settlement-scheduler")

	assert.Equal(t, logrus.InfoLevel, entry.Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, entry.Logger.Formatter)
}
