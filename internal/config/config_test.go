package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"BACKEND_API_URL", "PORT", "OAUTH_POLL_INTERVAL", "OAUTH_TIMEOUT", "UNIQUE_VALUES_LIMIT", "DATABASE_DRIVER", "SINK_URL"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "http://localhost:5000", cfg.BackendAPIURL)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 1200*time.Millisecond, cfg.OAuth.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.OAuth.Timeout)
	assert.Equal(t, 300, cfg.Wizard.UniqueValuesLimit)
	assert.Equal(t, 90, cfg.Wizard.DefaultLookbackDays)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Empty(t, cfg.SinkURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OAUTH_TIMEOUT", "2m")
	t.Setenv("UNIQUE_VALUES_LIMIT", "50")
	t.Setenv("BROKER_URL", "tcp://localhost:1883")
	t.Setenv("SESSION_TTL", "15m")

	cfg := Load()
	assert.Equal(t, 2*time.Minute, cfg.OAuth.Timeout)
	assert.Equal(t, 50, cfg.Wizard.UniqueValuesLimit)
	assert.Equal(t, "tcp://localhost:1883", cfg.Broker.URL)
	assert.Equal(t, 15*time.Minute, cfg.SessionTTL)
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("RETRY_ATTEMPTS", "-2")
	t.Setenv("HTTP_TIMEOUT", "soon")

	assert.Equal(t, 3, getInt("RETRY_ATTEMPTS", 3))
	assert.Equal(t, 30*time.Second, getDuration("HTTP_TIMEOUT", 30*time.Second))
}
