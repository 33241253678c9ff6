// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig indicates an invalid queue configuration.
var ErrInvalidConfig = errors.New("invalid queue configuration")

// PendingMode decides how deferred messages that became available compete
// with messages already in the ready buffers.
type PendingMode string

const (
	// PendingRead serves available deferred messages before ready ones.
	PendingRead PendingMode = "read"
	// PendingPush appends available deferred messages to the back of the
	// ready buffers, so they are served after what is already ready.
	PendingPush PendingMode = "push"
)

// ParsePendingMode parses a mode name, case-insensitively. An empty string
// selects PendingRead.
func ParsePendingMode(s string) (PendingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PendingRead):
		return PendingRead, nil
	case string(PendingPush):
		return PendingPush, nil
	default:
		return "", fmt.Errorf("%w: unknown pending mode %q", ErrInvalidConfig, s)
	}
}

// Queue defaults.
const (
	DefaultArenas         = 4
	DefaultArenaSize      = 64 * 1024
	DefaultMaxMessageSize = 1024 * 1024
	MaxQueueNameLength    = 255
	DefaultInFlightTTL    = 5 * time.Minute
	DefaultMaxInFlight    = 10000
)

// QueueConfig defines configuration for a queue.
type QueueConfig struct {
	Name        string
	PendingMode PendingMode

	// Ready buffer dimensions.
	Arenas    int
	ArenaSize int

	// Limits
	MaxMessageSize int

	// Delivered messages stay deletable for InFlightTTL, and at most
	// MaxInFlight of them are kept, oldest evicted first. Zero disables
	// the bound.
	InFlightTTL time.Duration
	MaxInFlight int
}

// DefaultQueueConfig returns default queue configuration.
func DefaultQueueConfig(name string) QueueConfig {
	return QueueConfig{
		Name:           name,
		PendingMode:    PendingRead,
		Arenas:         DefaultArenas,
		ArenaSize:      DefaultArenaSize,
		MaxMessageSize: DefaultMaxMessageSize,
		InFlightTTL:    DefaultInFlightTTL,
		MaxInFlight:    DefaultMaxInFlight,
	}
}

// QueueConfigInput is a simplified queue configuration from the main config file.
type QueueConfigInput struct {
	Name           string
	PendingMode    string
	Arenas         int
	ArenaSize      int
	MaxMessageSize int
	InFlightTTL    time.Duration
	MaxInFlight    int
}

// FromInput creates a QueueConfig from a simplified input config.
func FromInput(input QueueConfigInput) (QueueConfig, error) {
	cfg := DefaultQueueConfig(input.Name)

	mode, err := ParsePendingMode(input.PendingMode)
	if err != nil {
		return QueueConfig{}, err
	}
	cfg.PendingMode = mode

	if input.Arenas > 0 {
		cfg.Arenas = input.Arenas
	}
	if input.ArenaSize > 0 {
		cfg.ArenaSize = input.ArenaSize
	}
	if input.MaxMessageSize > 0 {
		cfg.MaxMessageSize = input.MaxMessageSize
	}
	if input.InFlightTTL > 0 {
		cfg.InFlightTTL = input.InFlightTTL
	}
	if input.MaxInFlight > 0 {
		cfg.MaxInFlight = input.MaxInFlight
	}

	return cfg, cfg.Validate()
}

// Validate validates queue configuration.
func (c *QueueConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidConfig)
	case len(c.Name) > MaxQueueNameLength:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidConfig, MaxQueueNameLength)
	case strings.ContainsAny(c.Name, "|\x00"):
		return fmt.Errorf("%w: name contains a reserved character", ErrInvalidConfig)
	case c.PendingMode != PendingRead && c.PendingMode != PendingPush:
		return fmt.Errorf("%w: pending mode %q", ErrInvalidConfig, c.PendingMode)
	case c.Arenas <= 0:
		return fmt.Errorf("%w: arenas must be positive", ErrInvalidConfig)
	case c.ArenaSize < 1024:
		return fmt.Errorf("%w: arena size must be at least 1KB", ErrInvalidConfig)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	case c.InFlightTTL < 0:
		return fmt.Errorf("%w: in-flight ttl cannot be negative", ErrInvalidConfig)
	case c.MaxInFlight < 0:
		return fmt.Errorf("%w: max in-flight cannot be negative", ErrInvalidConfig)
	}

	return nil
}
