// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/mmqp/broker/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":5555", cfg.Server.TCPAddr)
	assert.Equal(t, 10000, cfg.Server.TCPMaxConn)
	assert.Equal(t, 30*time.Second, cfg.Broker.MaxLongPollWait)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Queues)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no listener configured",
			modify: func(c *Config) {
				c.Server.TCPAddr = ""
			},
			wantErr: true,
		},
		{
			name: "websocket only",
			modify: func(c *Config) {
				c.Server.TCPAddr = ""
				c.Server.WSEnabled = true
			},
			wantErr: false,
		},
		{
			name: "webhook without endpoints",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "webhook with endpoint",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []webhook.Endpoint{{Name: "audit", URL: "http://localhost:9000/hook"}}
			},
			wantErr: false,
		},
		{
			name: "message size too small",
			modify: func(c *Config) {
				c.Broker.MaxMessageSize = 100
			},
			wantErr: true,
		},
		{
			name: "message size larger than frame",
			modify: func(c *Config) {
				c.Broker.MaxMessageSize = c.Server.MaxFrameSize + 1
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "unknown storage",
			modify: func(c *Config) {
				c.Storage.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "badger with unknown compression",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.Compression = "lz4"
			},
			wantErr: true,
		},
		{
			name: "valid queues",
			modify: func(c *Config) {
				c.Queues = []QueueConfig{
					{Name: "orders", PendingMode: "push"},
					{Name: "audit", Arenas: 2, ArenaSize: 4096},
				}
			},
			wantErr: false,
		},
		{
			name: "duplicate queue",
			modify: func(c *Config) {
				c.Queues = []QueueConfig{{Name: "orders"}, {Name: "orders"}}
			},
			wantErr: true,
		},
		{
			name: "bad pending mode",
			modify: func(c *Config) {
				c.Queues = []QueueConfig{{Name: "orders", PendingMode: "later"}}
			},
			wantErr: true,
		},
		{
			name: "queue without name",
			modify: func(c *Config) {
				c.Queues = []QueueConfig{{PendingMode: "read"}}
			},
			wantErr: true,
		},
		{
			name: "trace sample rate out of range",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelTraceSampleRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
broker:
  max_long_poll_wait: 5s
queues:
  - name: orders
    pending_mode: push
  - name: audit
webhook:
  enabled: true
  endpoints:
    - name: audit
      url: http://localhost:9000/hook
      events: [queue.created, queue.deleted]
      queue_filters: ["orders*"]
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Broker.MaxLongPollWait)
	assert.Equal(t, 1000, cfg.Broker.MaxPollCount, "unset fields keep defaults")
	require.Len(t, cfg.Queues, 2)
	assert.Equal(t, "push", cfg.Queues[0].PendingMode)
	assert.Equal(t, "audit", cfg.Queues[1].Name)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.Webhook.Endpoints, 1)
	assert.Equal(t, []string{"orders*"}, cfg.Webhook.Endpoints[0].QueueFilters)
	assert.Equal(t, 5, cfg.Webhook.Workers, "webhook defaults kept")
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [unterminated"), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("log:\n  format: xml\n"), 0o644))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Server.TCPAddr = ":7777"
	cfg.Broker.AuthFile = "/etc/mmqp/users.yaml"
	cfg.Queues = []QueueConfig{{Name: "orders", PendingMode: "push", Arenas: 8}}
	cfg.Storage.Type = "badger"
	cfg.Storage.Compression = "s2"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestQueueConfigInput(t *testing.T) {
	q := QueueConfig{Name: "orders", PendingMode: "push", Arenas: 2, ArenaSize: 2048}
	in := q.Input(4096)

	assert.Equal(t, "orders", in.Name)
	assert.Equal(t, "push", in.PendingMode)
	assert.Equal(t, 2, in.Arenas)
	assert.Equal(t, 2048, in.ArenaSize)
	assert.Equal(t, 4096, in.MaxMessageSize)
}
