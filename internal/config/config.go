// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads settings for the ledger server and the sync client.
// Values come from DefaultConfig, then an optional YAML file, then the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mobiletoly/go-overledger/overledger"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds all configuration
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
}

// ServerConfig configures ledgerd
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	DatabaseURL string `yaml:"database_url"` // Empty selects the in-memory store
	JWTSecret   string `yaml:"jwt_secret"`
	AppName     string `yaml:"app_name"`
	MaxConns    int32  `yaml:"max_conns"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Exposes POST /dummy-signin which hands out tokens for any user
	EnableSignin bool `yaml:"enable_signin"`
}

// ClientConfig configures an offline-first client
type ClientConfig struct {
	ServerURL  string `yaml:"server_url"`
	SQLiteFile string `yaml:"sqlite_file"`
	OwnerID    string `yaml:"owner_id"`
	DeviceID   string `yaml:"device_id"`

	MaxRetries    int           `yaml:"max_retries"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	BackoffMin    time.Duration `yaml:"backoff_min"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	TokenExpiry   time.Duration `yaml:"token_expiry"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	sync := overledger.DefaultConfig()
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Addr:            ":8080",
			JWTSecret:       defaultJWTSecret,
			AppName:         "ledgerd",
			MaxConns:        20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Client: ClientConfig{
			ServerURL:     "http://localhost:8080",
			SQLiteFile:    "ledger.db",
			DeviceID:      "device-1",
			MaxRetries:    sync.MaxRetries,
			SyncInterval:  sync.SyncInterval,
			BackoffMin:    sync.BackoffMin,
			BackoffMax:    sync.BackoffMax,
			ProbeInterval: 5 * time.Second,
			TokenExpiry:   24 * time.Hour,
		},
	}
}

// Load reads path (if not empty) over the defaults and applies the process environment
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATABASE_URL":       &c.Server.DatabaseURL,
		"JWT_SECRET":         &c.Server.JWTSecret,
		"LEDGER_ADDR":        &c.Server.Addr,
		"LEDGER_LOG_LEVEL":   &c.LogLevel,
		"LEDGER_SERVER_URL":  &c.Client.ServerURL,
		"LEDGER_SQLITE_FILE": &c.Client.SQLiteFile,
		"LEDGER_OWNER_ID":    &c.Client.OwnerID,
		"LEDGER_DEVICE_ID":   &c.Client.DeviceID,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"LEDGER_SYNC_INTERVAL": &c.Client.SyncInterval,
		"LEDGER_BACKOFF_MAX":   &c.Client.BackoffMax,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("LEDGER_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_MAX_RETRIES: %w", err)
		}
		c.Client.MaxRetries = n
	}
	if v, ok := lookup("LEDGER_ENABLE_SIGNIN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LEDGER_ENABLE_SIGNIN: %w", err)
		}
		c.Server.EnableSignin = b
	}
	return nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret must not be empty")
	}
	if c.Client.MaxRetries < 1 {
		return fmt.Errorf("client.max_retries must be at least 1, got %d", c.Client.MaxRetries)
	}
	if c.Client.BackoffMax < c.Client.BackoffMin {
		return fmt.Errorf("client.backoff_max (%s) is less than client.backoff_min (%s)", c.Client.BackoffMax, c.Client.BackoffMin)
	}
	return nil
}

// SlogLevel parses LogLevel
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// UsesDefaultSecret reports whether the built-in development secret is in use
func (c *Config) UsesDefaultSecret() bool {
	return c.Server.JWTSecret == defaultJWTSecret
}

// SyncConfig converts the client settings into engine and driver options
func (c ClientConfig) SyncConfig() *overledger.Config {
	cfg := overledger.DefaultConfig()
	cfg.MaxRetries = c.MaxRetries
	cfg.SyncInterval = c.SyncInterval
	cfg.BackoffMin = c.BackoffMin
	cfg.BackoffMax = c.BackoffMax
	return cfg
}
