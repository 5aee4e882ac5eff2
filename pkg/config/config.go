// Package config loads telemetryd configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smartcampus/telemetryd/pkg/mqtt"
)

// Version is the telemetryd release version.
const Version = "0.1.0"

// Config holds application-wide configuration.
type Config struct {
	MQTT     mqtt.ClientOptions `mapstructure:"mqtt"`
	Postgres PostgresConfig     `mapstructure:"postgres"`
	Ingest   IngestConfig       `mapstructure:"ingest"`
	Metrics  MetricsConfig      `mapstructure:"metrics"`
}

type PostgresConfig struct {
	ConnString string `mapstructure:"connString"`
}

type IngestConfig struct {
	ReloadInterval      time.Duration `mapstructure:"reloadInterval"`
	StatusCheckInterval time.Duration `mapstructure:"statusCheckInterval"`
	OfflineAfter        time.Duration `mapstructure:"offlineAfter"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// DefaultIngestConfig returns the stock intervals: reload and liveness
// check every minute, devices considered offline after five silent
// minutes.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		ReloadInterval:      time.Minute,
		StatusCheckInterval: time.Minute,
		OfflineAfter:        5 * time.Minute,
	}
}

// Load reads config from file or environment. Environment variables use
// the TELEMETRYD_ prefix with underscores for nesting, e.g.
// TELEMETRYD_POSTGRES_CONNSTRING.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("telemetryd")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TELEMETRYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultIngestConfig()
	v.SetDefault("mqtt.servers", []string{})
	v.SetDefault("mqtt.clientID", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("postgres.connString", "")
	v.SetDefault("ingest.reloadInterval", defaults.ReloadInterval)
	v.SetDefault("ingest.statusCheckInterval", defaults.StatusCheckInterval)
	v.SetDefault("ingest.offlineAfter", defaults.OfflineAfter)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}
