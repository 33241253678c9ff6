// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/mmqp/broker/webhook"
	mmqptls "github.com/absmach/mmqp/pkg/tls"
	"github.com/absmach/mmqp/queue/storage/badger"
	"github.com/absmach/mmqp/queue/types"
	"github.com/absmach/mmqp/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds the broker configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Broker    BrokerConfig     `yaml:"broker"`
	Queues    []QueueConfig    `yaml:"queues"`
	Storage   StorageConfig    `yaml:"storage"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Webhook   webhook.Config   `yaml:"webhook"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig holds listener and telemetry settings.
type ServerConfig struct {
	TCPAddr         string         `yaml:"tcp_addr"`
	TLS             mmqptls.Config `yaml:"tls"`
	TCPMaxConn      int            `yaml:"tcp_max_connections"`
	TCPReadTimeout  time.Duration  `yaml:"tcp_read_timeout"`
	TCPWriteTimeout time.Duration  `yaml:"tcp_write_timeout"`
	MaxFrameSize    int            `yaml:"max_frame_size"`
	WSAddr          string         `yaml:"ws_addr"`
	WSPath          string         `yaml:"ws_path"`
	WSEnabled       bool           `yaml:"ws_enabled"`
	HealthAddr      string         `yaml:"health_addr"`
	HealthEnabled   bool           `yaml:"health_enabled"`
	MetricsAddr     string         `yaml:"metrics_addr"` // OTLP endpoint
	MetricsEnabled  bool           `yaml:"metrics_enabled"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`

	// OpenTelemetry
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds request handling settings.
type BrokerConfig struct {
	// AuthFile lists users and their bcrypt password hashes. Empty disables
	// authentication.
	AuthFile string `yaml:"auth_file"`

	// Upper bound for the wait a long poll may request.
	MaxLongPollWait time.Duration `yaml:"max_long_poll_wait"`

	// Upper bound for the count a poll may request.
	MaxPollCount int `yaml:"max_poll_count"`

	MaxMessageSize int `yaml:"max_message_size"`

	// Queues named by a publish that do not exist yet are created with
	// default settings when enabled.
	AutoCreateQueues bool `yaml:"auto_create_queues"`

	// How often available deferred messages of push-mode queues are moved
	// to the ready buffers.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// QueueConfig declares a queue created at startup.
type QueueConfig struct {
	Name        string `yaml:"name"`
	PendingMode string `yaml:"pending_mode"` // read, push
	Arenas      int    `yaml:"arenas"`
	ArenaSize   int    `yaml:"arena_size"`

	InFlightTTL time.Duration `yaml:"in_flight_ttl"`
	MaxInFlight int           `yaml:"max_in_flight"`
}

// Input converts the declaration for types.FromInput.
func (q QueueConfig) Input(maxMessageSize int) types.QueueConfigInput {
	return types.QueueConfigInput{
		Name:           q.Name,
		PendingMode:    q.PendingMode,
		Arenas:         q.Arenas,
		ArenaSize:      q.ArenaSize,
		MaxMessageSize: maxMessageSize,
		InFlightTTL:    q.InFlightTTL,
		MaxInFlight:    q.MaxInFlight,
	}
}

// StorageConfig holds checkpoint storage settings.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	BadgerDir          string        `yaml:"badger_dir"`
	Compression        string        `yaml:"compression"` // none, zstd, s2
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	GCInterval         time.Duration `yaml:"gc_interval"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":5555",
			TCPMaxConn:      10000,
			TCPReadTimeout:  60 * time.Second,
			TCPWriteTimeout: 60 * time.Second,
			MaxFrameSize:    4 * 1024 * 1024,
			WSAddr:          ":5556",
			WSPath:          "/mmqp",
			WSEnabled:       false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,
			ShutdownTimeout: 30 * time.Second,

			OtelServiceName:     "mmqp-broker",
			OtelServiceVersion:  "0.1.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			MaxLongPollWait:  30 * time.Second,
			MaxPollCount:     1000,
			MaxMessageSize:   types.DefaultMaxMessageSize,
			AutoCreateQueues: false,
			FlushInterval:    100 * time.Millisecond,
		},
		Queues: []QueueConfig{},
		Storage: StorageConfig{
			Type:               "memory",
			BadgerDir:          "/tmp/mmqp/data",
			Compression:        string(badger.CompressionZstd),
			CheckpointInterval: 30 * time.Second,
			GCInterval:         5 * time.Minute,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Webhook:   webhook.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" && !c.Server.WSEnabled {
		return fmt.Errorf("server.tcp_addr cannot be empty unless websocket is enabled")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.MaxFrameSize < 1024 {
		return fmt.Errorf("server.max_frame_size must be at least 1KB")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires both cert_file and key_file")
	}
	if c.Server.TLS.ClientCAFile != "" && !c.Server.TLS.Enabled() {
		return fmt.Errorf("server.tls.ca_file requires a server certificate")
	}
	if c.Server.WSEnabled && c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr required when websocket is enabled")
	}

	if c.Broker.MaxMessageSize < 1024 {
		return fmt.Errorf("broker.max_message_size must be at least 1KB")
	}
	if c.Broker.MaxMessageSize > c.Server.MaxFrameSize {
		return fmt.Errorf("broker.max_message_size cannot exceed server.max_frame_size")
	}
	if c.Broker.MaxLongPollWait < 0 {
		return fmt.Errorf("broker.max_long_poll_wait cannot be negative")
	}
	if c.Broker.MaxPollCount < 1 {
		return fmt.Errorf("broker.max_poll_count must be at least 1")
	}
	if c.Broker.FlushInterval < time.Millisecond {
		return fmt.Errorf("broker.flush_interval must be at least 1 millisecond")
	}

	seen := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if _, err := types.FromInput(q.Input(c.Broker.MaxMessageSize)); err != nil {
			return fmt.Errorf("queues[%d]: %w", i, err)
		}
		if seen[q.Name] {
			return fmt.Errorf("queues[%d]: duplicate queue %q", i, q.Name)
		}
		seen[q.Name] = true
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" {
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when type is badger")
		}
		if _, err := badger.ParseCompression(c.Storage.Compression); err != nil {
			return fmt.Errorf("storage.compression: %w", err)
		}
		if c.Storage.CheckpointInterval < time.Second {
			return fmt.Errorf("storage.checkpoint_interval must be at least 1 second")
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.Connection.Enabled && c.RateLimit.Connection.Rate <= 0 {
		return fmt.Errorf("ratelimit.connection.rate must be positive")
	}

	if err := c.Webhook.Validate(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
