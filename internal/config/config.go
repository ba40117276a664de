// Package config loads curator settings from a YAML file and CURATOR_*
// environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	DB      string        `yaml:"db"`
	BlobDir string        `yaml:"blob_dir"`
	HTTP    HTTPConfig    `yaml:"http"`
	Workers WorkersConfig `yaml:"workers"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Inbox   InboxConfig   `yaml:"inbox"`
	NATS    NATSConfig    `yaml:"nats"`
	Log     LogConfig     `yaml:"log"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type WorkersConfig struct {
	Count int           `yaml:"count"`
	Poll  time.Duration `yaml:"poll"`
}

type IngestConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	StageTimeout    time.Duration `yaml:"stage_timeout"`
	Lease           time.Duration `yaml:"lease"`
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
	Ruleset         string        `yaml:"ruleset"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
}

// InboxConfig enables the drop folder when Dir is set.
type InboxConfig struct {
	Dir string `yaml:"dir"`
}

// NATSConfig enables transition notifications when URL is set.
type NATSConfig struct {
	URL       string `yaml:"url"`
	Prefix    string `yaml:"prefix"`
	JetStream bool   `yaml:"jetstream"`
	Stream    string `yaml:"stream"`
}

type LogConfig struct {
	// File, when set, receives JSON logs in addition to stderr.
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DB:      "curator.db",
		BlobDir: "blobs",
		HTTP:    HTTPConfig{Addr: "127.0.0.1:8080"},
		Workers: WorkersConfig{Count: 4, Poll: 5 * time.Second},
		Ingest: IngestConfig{
			MaxAttempts:     3,
			StageTimeout:    30 * time.Second,
			Lease:           2 * time.Minute,
			RetryInitial:    2 * time.Second,
			RetryMax:        5 * time.Minute,
			Ruleset:         "default",
			MaxPayloadBytes: 32 << 20,
		},
		NATS: NATSConfig{Prefix: "curator.jobs"},
		Log:  LogConfig{Level: "info"},
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped
// when path is empty) and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CURATOR_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("CURATOR_DB", &c.DB)
	str("CURATOR_BLOB_DIR", &c.BlobDir)
	str("CURATOR_HTTP_ADDR", &c.HTTP.Addr)
	num("CURATOR_WORKERS", &c.Workers.Count)
	dur("CURATOR_POLL", &c.Workers.Poll)
	num("CURATOR_MAX_ATTEMPTS", &c.Ingest.MaxAttempts)
	dur("CURATOR_STAGE_TIMEOUT", &c.Ingest.StageTimeout)
	dur("CURATOR_LEASE", &c.Ingest.Lease)
	str("CURATOR_RULESET", &c.Ingest.Ruleset)
	str("CURATOR_INBOX_DIR", &c.Inbox.Dir)
	str("CURATOR_NATS_URL", &c.NATS.URL)
	str("CURATOR_NATS_PREFIX", &c.NATS.Prefix)
	flag("CURATOR_NATS_JETSTREAM", &c.NATS.JetStream)
	str("CURATOR_LOG_FILE", &c.Log.File)
	str("CURATOR_LOG_LEVEL", &c.Log.Level)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DB) == "":
		return errors.New("config: db is required")
	case strings.TrimSpace(c.BlobDir) == "":
		return errors.New("config: blob_dir is required")
	case c.Workers.Count < 1:
		return fmt.Errorf("config: workers.count must be positive, got %d", c.Workers.Count)
	case c.Ingest.MaxAttempts < 1:
		return fmt.Errorf("config: ingest.max_attempts must be positive, got %d", c.Ingest.MaxAttempts)
	case c.Ingest.StageTimeout <= 0:
		return errors.New("config: ingest.stage_timeout must be positive")
	case c.Ingest.Lease <= c.Ingest.StageTimeout:
		return errors.New("config: ingest.lease must exceed ingest.stage_timeout")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", s)
}
