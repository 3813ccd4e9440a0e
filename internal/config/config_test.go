package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Should apply defaults when no config file exists", func(t *testing.T) {
		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8000", cfg.Server.URL)
		assert.Equal(t, 2, cfg.Observer.PollIntervalSeconds)
		assert.Equal(t, 300, cfg.Observer.MaxPolls)
		assert.Equal(t, "lightning_import_progress", cfg.Events.Topic)
		assert.Equal(t, "sqlite://./lightning-import.db", cfg.Database.URL)
		assert.True(t, cfg.Scheduler.Enabled)
		assert.Equal(t, 30, cfg.Scheduler.RetentionDays)
	})

	t.Run("Should let environment variables override defaults", func(t *testing.T) {
		t.Setenv("LIGHTNING_SERVER_URL", "https://imports.example.com")
		t.Setenv("LIGHTNING_OBSERVER_MAX_POLLS", "50")

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "https://imports.example.com", cfg.Server.URL)
		assert.Equal(t, 50, cfg.Observer.MaxPolls)
	})

	t.Run("Should convert interval settings to durations", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "2s", cfg.PollInterval().String())
		assert.Equal(t, "10m0s", cfg.MaxObservation().String())
		assert.Equal(t, "720h0m0s", cfg.Retention().String())
		assert.Equal(t, "15m0s", cfg.StaleAfter().String())
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.Server.URL = "http://localhost:8000"
		cfg.Server.APIKey = "key"
		cfg.Server.APISecret = "secret"
		cfg.Observer.PollIntervalSeconds = 2
		return cfg
	}

	t.Run("Should accept a complete configuration", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("Should reject missing credentials", func(t *testing.T) {
		cfg := valid()
		cfg.Server.APISecret = ""

		err := cfg.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "api_secret")
	})

	t.Run("Should reject a non-positive poll interval", func(t *testing.T) {
		cfg := valid()
		cfg.Observer.PollIntervalSeconds = 0

		assert.Error(t, cfg.Validate())
	})
}

func TestEventsURL(t *testing.T) {
	t.Run("Should derive the websocket endpoint from the server URL", func(t *testing.T) {
		cfg := &Config{}
		cfg.Server.URL = "https://imports.example.com/"

		assert.Equal(t, "wss://imports.example.com/ws", cfg.EventsURL())

		cfg.Server.URL = "http://localhost:8000"
		assert.Equal(t, "ws://localhost:8000/ws", cfg.EventsURL())
	})

	t.Run("Should prefer an explicit events URL", func(t *testing.T) {
		cfg := &Config{}
		cfg.Server.URL = "http://localhost:8000"
		cfg.Events.URL = "wss://push.example.com/stream"

		assert.Equal(t, "wss://push.example.com/stream", cfg.EventsURL())
	})
}
