// Package config loads application settings from environment variables
// (populated from the .env file in main.go) and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/BartekS5/moviesync/internal/state"
	"github.com/BartekS5/moviesync/pkg/logger"
	"github.com/BartekS5/moviesync/pkg/retry"
)

// Config holds all configuration for the application.
type Config struct {
	Source     SourceConfig     `mapstructure:"source"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Log        LogConfig        `mapstructure:"log"`
}

type SourceConfig struct {
	DSN       string `mapstructure:"dsn"`
	ChunkSize int    `mapstructure:"chunk_size"`
	Schema    string `mapstructure:"schema"`
}

type SinkConfig struct {
	Backend       string        `mapstructure:"backend"`
	Addresses     []string      `mapstructure:"addresses"`
	Index         string        `mapstructure:"index"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

type CheckpointConfig struct {
	Backend       string `mapstructure:"backend"`
	Path          string `mapstructure:"path"`
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	Table         string `mapstructure:"table"`
	Key           string `mapstructure:"key"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
	Collection    string `mapstructure:"collection"`
}

type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Factor       float64       `mapstructure:"factor"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

const (
	SinkElasticsearch = "elasticsearch"
	SinkMongo         = "mongo"

	CheckpointFile  = "file"
	CheckpointSQL   = "sql"
	CheckpointMongo = "mongo"
)

var defaults = map[string]any{
	"source.dsn":        "",
	"source.chunk_size": 50,
	"source.schema":     "content",

	"sink.backend":        SinkElasticsearch,
	"sink.addresses":      []string{"http://localhost:9200"},
	"sink.index":          "movies",
	"sink.username":       "",
	"sink.password":       "",
	"sink.mongo_uri":      "",
	"sink.mongo_database": "movies",
	"sink.write_timeout":  45 * time.Second,

	"checkpoint.backend":        CheckpointFile,
	"checkpoint.path":           "state.json",
	"checkpoint.driver":         "postgres",
	"checkpoint.dsn":            "",
	"checkpoint.table":          "moviesync_state",
	"checkpoint.key":            "movies",
	"checkpoint.mongo_uri":      "",
	"checkpoint.mongo_database": "movies",
	"checkpoint.collection":     "moviesync_state",

	"retry.initial_delay": retry.DefaultInitialDelay,
	"retry.factor":        retry.DefaultFactor,
	"retry.max_delay":     retry.DefaultMaxDelay,

	"log.file":         "moviesync.log",
	"log.max_size_mb":  10,
	"log.max_backups":  3,
	"log.max_age_days": 28,
}

// Load reads configuration from the environment and, when configFile is
// not empty, from that file. Environment variables win over the file:
// source.dsn is read from SOURCE_DSN.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The connection string names used by earlier deployments.
	_ = v.BindEnv("sink.mongo_uri", "SINK_MONGO_URI", "MONGO_CONNECTION_STRING")
	_ = v.BindEnv("checkpoint.mongo_uri", "CHECKPOINT_MONGO_URI", "MONGO_CONNECTION_STRING")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", configFile, err)
		}
		logger.Infof("Loaded configuration from %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings every command needs. Settings of backends
// that are not selected are ignored.
func (c *Config) Validate() error {
	var errs []error
	if c.Source.DSN == "" {
		errs = append(errs, errors.New("SOURCE_DSN environment variable not set"))
	}
	if c.Source.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("source.chunk_size must be positive, got %d", c.Source.ChunkSize))
	}
	errs = append(errs, c.ValidateSink(), c.ValidateCheckpoint(), c.validateRetry())
	return errors.Join(errs...)
}

// ValidateSink checks only the sink section.
func (c *Config) ValidateSink() error {
	switch c.Sink.Backend {
	case SinkElasticsearch:
		if len(c.Sink.Addresses) == 0 {
			return errors.New("sink.addresses must list at least one node")
		}
	case SinkMongo:
		if c.Sink.MongoURI == "" {
			return errors.New("SINK_MONGO_URI environment variable not set")
		}
	default:
		return fmt.Errorf("unknown sink.backend %q", c.Sink.Backend)
	}
	if c.Sink.Index == "" {
		return errors.New("sink.index must not be empty")
	}
	return nil
}

// ValidateCheckpoint checks only the checkpoint section.
func (c *Config) ValidateCheckpoint() error {
	cp := c.Checkpoint
	switch cp.Backend {
	case CheckpointFile:
		if cp.Path == "" {
			return errors.New("checkpoint.path must not be empty")
		}
	case CheckpointSQL:
		supported := false
		for _, d := range state.SupportedDrivers() {
			if d == cp.Driver {
				supported = true
			}
		}
		if !supported {
			return fmt.Errorf("unsupported checkpoint.driver %q (want one of %v)", cp.Driver, state.SupportedDrivers())
		}
		if cp.DSN == "" {
			return errors.New("CHECKPOINT_DSN environment variable not set")
		}
	case CheckpointMongo:
		if cp.MongoURI == "" {
			return errors.New("CHECKPOINT_MONGO_URI environment variable not set")
		}
	default:
		return fmt.Errorf("unknown checkpoint.backend %q", cp.Backend)
	}
	return nil
}

func (c *Config) validateRetry() error {
	r := c.Retry
	if r.InitialDelay <= 0 || r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("retry delays must satisfy 0 < initial_delay <= max_delay, got %v and %v", r.InitialDelay, r.MaxDelay)
	}
	if r.Factor < 1 {
		return fmt.Errorf("retry.factor must be at least 1, got %v", r.Factor)
	}
	return nil
}

// RetryPolicy builds the backoff policy shared by the extractor and loader.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		InitialDelay: c.Retry.InitialDelay,
		Factor:       c.Retry.Factor,
		MaxDelay:     c.Retry.MaxDelay,
	}
}

// LoggerOptions maps the log section onto the logger's rotation settings.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Filename:   c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
