// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/mmqp/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify sends an event asynchronously (non-blocking)
	Notify(ctx context.Context, event any) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Delivery is one attempt at handing an event to an endpoint. Retries of
// the same event carry the same envelope.
type Delivery struct {
	URL      string
	Headers  map[string]string
	Envelope *events.Envelope
	Attempt  int
	Timeout  time.Duration
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// Drop policies applied when the event queue is full.
const (
	DropOldest = "oldest"
	DropNewest = "newest"
)

// Config holds webhook notification settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	QueueSize       int           `yaml:"queue_size"`
	DropPolicy      string        `yaml:"drop_policy"` // oldest, newest
	Workers         int           `yaml:"workers"`
	IncludePayload  bool          `yaml:"include_payload"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Defaults        Defaults      `yaml:"defaults"`
	Endpoints       []Endpoint    `yaml:"endpoints"`
}

// Defaults apply to every endpoint that does not override them.
type Defaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig controls exponential backoff between delivery attempts.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig controls when an endpoint stops receiving events.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Endpoint is a single webhook destination.
type Endpoint struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // http
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // empty = all events
	QueueFilters []string          `yaml:"queue_filters"` // empty = all queues
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout"`
	Retry        *RetryConfig      `yaml:"retry"`
}

// DefaultConfig returns disabled webhooks with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		QueueSize:       10000,
		DropPolicy:      DropOldest,
		Workers:         5,
		IncludePayload:  false,
		ShutdownTimeout: 30 * time.Second,
		Defaults: Defaults{
			Timeout: 5 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Endpoints: []Endpoint{},
	}
}

// Validate checks an enabled configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.QueueSize < 1 {
		return errors.New("queue_size must be at least 1")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.DropPolicy != DropOldest && c.DropPolicy != DropNewest {
		return errors.New("drop_policy must be one of: oldest, newest")
	}
	if c.Defaults.Timeout <= 0 {
		return errors.New("defaults.timeout must be positive")
	}
	if c.Defaults.Retry.MaxAttempts < 1 {
		return errors.New("defaults.retry.max_attempts must be at least 1")
	}
	if c.Defaults.CircuitBreaker.FailureThreshold < 1 {
		return errors.New("defaults.circuit_breaker.failure_threshold must be at least 1")
	}
	if len(c.Endpoints) == 0 {
		return errors.New("at least one endpoint required when enabled")
	}

	names := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoints[%d]: name required", i)
		}
		if names[ep.Name] {
			return fmt.Errorf("endpoints[%d]: duplicate name %q", i, ep.Name)
		}
		names[ep.Name] = true
		if ep.Type != "" && ep.Type != "http" {
			return fmt.Errorf("endpoints[%d]: unsupported type %q", i, ep.Type)
		}
		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d]: url required", i)
		}
	}
	return nil
}
