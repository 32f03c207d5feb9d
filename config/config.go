/*
Package config loads the explicit configuration of the service boundary.

PURPOSE:
  One structure, loaded once at startup and passed down by value. The
  core packages (fifo, validation, analytics) take no configuration and
  hold no process-wide state; everything tunable lives at the
  orchestrator and transport boundary, which is what this file
  describes.

FORMAT:
  YAML, read through viper. Example:

    server:
      port: 8080
    database:
      path: ./data/reconciler.db
    pipeline:
      source_path: ./data/transactions.csv
      output_path: ./output/transactions_annotated.csv
      history_path: ./output/customer_balance_history.csv
      fail_on_error: true
      max_retries: 3
      retry_delay_seconds: 5
*/
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Pipeline Pipeline `mapstructure:"pipeline"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Database struct {
	Path string `mapstructure:"path"`
}

type Pipeline struct {
	SourcePath        string `mapstructure:"source_path"`
	OutputPath        string `mapstructure:"output_path"`
	HistoryPath       string `mapstructure:"history_path"`
	FailOnError       bool   `mapstructure:"fail_on_error"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
}

// RetryDelay converts the configured delay to a duration.
func (p Pipeline) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// Load reads configuration from the given file. With an empty path it
// falls back to ./config/config.yml, then ./config.yml, then defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "reconciler.db")
	v.SetDefault("pipeline.fail_on_error", true)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.retry_delay_seconds", 5)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Missing config is fine when no explicit path was given;
		// defaults apply.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
