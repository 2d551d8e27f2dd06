// Package config holds the service defaults and the loader for runtime
// settings.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "data"
	DefaultMaxMemoryMB = 48
	DefaultFeedURL     = "ws://heater.local/ws"
)

// Background task cadences
const (
	CompactionSweepInterval = 6 * time.Hour
	BackfillTickInterval    = 1 * time.Hour
	BackfillOpenDelay       = 30 * time.Second
	BadgerGCInterval        = 10 * time.Minute
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 90 * 24 * time.Hour
)

// WebSocket hub configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSClientBuffer    = 16
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Settings is the runtime configuration, read from heatvault.yaml plus
// HEATVAULT_* environment overrides.
type Settings struct {
	Port        string
	DataDir     string
	InMemory    bool
	MaxMemoryMB int
	FeedURL     string
	Debug       bool
}

// Load reads heatvault.yaml from the working directory or ./configs and
// applies HEATVAULT_* env vars on top. A missing config file is fine; the
// package defaults apply.
func Load() (Settings, error) {
	v := viper.New()
	v.SetConfigName("heatvault")
	v.AddConfigPath(".")
	v.AddConfigPath("configs")
	v.SetEnvPrefix("heatvault")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", DefaultPort)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("in_memory", false)
	v.SetDefault("max_memory_mb", DefaultMaxMemoryMB)
	v.SetDefault("feed_url", DefaultFeedURL)
	v.SetDefault("debug", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, err
		}
	}

	return Settings{
		Port:        v.GetString("port"),
		DataDir:     v.GetString("data_dir"),
		InMemory:    v.GetBool("in_memory"),
		MaxMemoryMB: v.GetInt("max_memory_mb"),
		FeedURL:     v.GetString("feed_url"),
		Debug:       v.GetBool("debug"),
	}, nil
}
