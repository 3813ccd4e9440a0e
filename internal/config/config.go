// This file defines the configuration structure for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Server struct {
		URL            string `mapstructure:"url"`
		APIKey         string `mapstructure:"api_key"`
		APISecret      string `mapstructure:"api_secret"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"server"`
	Events struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Topic   string `mapstructure:"topic"`
	} `mapstructure:"events"`
	Observer struct {
		PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
		MaxPolls            int `mapstructure:"max_polls"`
		MaxDurationMinutes  int `mapstructure:"max_duration_minutes"`
		RetryAttempts       int `mapstructure:"retry_attempts"`
	} `mapstructure:"observer"`
	Database struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"database"`
	Scheduler struct {
		Enabled           bool   `mapstructure:"enabled"`
		PurgeCron         string `mapstructure:"purge_cron"`
		RefreshCron       string `mapstructure:"refresh_cron"`
		RetentionDays     int    `mapstructure:"retention_days"`
		StaleAfterMinutes int    `mapstructure:"stale_after_minutes"`
	} `mapstructure:"scheduler"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AddConfigPath(".")

	// Environment variable overrides, e.g. LIGHTNING_SERVER_URL
	// overrides the `server.url` key.
	viper.SetEnvPrefix("LIGHTNING")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("server.url", "http://localhost:8000")
	viper.SetDefault("server.api_key", "")
	viper.SetDefault("server.api_secret", "")
	viper.SetDefault("server.timeout_seconds", 30)
	viper.SetDefault("events.enabled", true)
	viper.SetDefault("events.url", "")
	viper.SetDefault("events.topic", "lightning_import_progress")
	viper.SetDefault("observer.poll_interval_seconds", 2)
	viper.SetDefault("observer.max_polls", 300)
	viper.SetDefault("observer.max_duration_minutes", 10)
	viper.SetDefault("observer.retry_attempts", 3)
	viper.SetDefault("database.url", "sqlite://./lightning-import.db")
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.purge_cron", "0 0 3 * * *")
	viper.SetDefault("scheduler.refresh_cron", "0 */10 * * * *")
	viper.SetDefault("scheduler.retention_days", 30)
	viper.SetDefault("scheduler.stale_after_minutes", 15)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error and use defaults
		} else {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// The API secret may live in the OS keyring instead of config or env.
	if config.Server.APISecret == "" {
		if secret, err := SecretFromKeyring(); err == nil {
			config.Server.APISecret = secret
		}
	}

	return &config, nil
}

// Validate checks the settings a session cannot run without.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.APIKey == "" || c.Server.APISecret == "" {
		return fmt.Errorf("server.api_key and server.api_secret are required (secret may come from the OS keyring)")
	}
	if c.Observer.PollIntervalSeconds <= 0 {
		return fmt.Errorf("observer.poll_interval_seconds must be positive")
	}
	return nil
}

// ServerTimeout returns the remote call timeout.
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// PollInterval returns the progress poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Observer.PollIntervalSeconds) * time.Second
}

// MaxObservation returns the cap on one session's observation window.
func (c *Config) MaxObservation() time.Duration {
	return time.Duration(c.Observer.MaxDurationMinutes) * time.Minute
}

// Retention returns how long terminal journal rows are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Scheduler.RetentionDays) * 24 * time.Hour
}

// StaleAfter returns the age at which a non-terminal journal row is
// reconciled against the server.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Scheduler.StaleAfterMinutes) * time.Minute
}

// EventsURL returns the realtime endpoint, derived from the server URL when
// not set explicitly.
func (c *Config) EventsURL() string {
	if c.Events.URL != "" {
		return c.Events.URL
	}
	url := c.Server.URL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return strings.TrimRight(url, "/") + "/ws"
}
