// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeMessagePublished = "message.published"
	TypeMessageDeleted   = "message.deleted"
	TypeQueueCreated     = "queue.created"
	TypeQueueDeleted     = "queue.deleted"
	TypeAuthFailed       = "auth.failed"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.published")
	Type() string

	// Queue returns the queue the event concerns, empty for others
	Queue() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// MessagePublished is emitted when a message is accepted into a queue.
type MessagePublished struct {
	QueueName string `json:"queue"`
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
	Size      int    `json:"size"`
	DelayMs   int64  `json:"delay_ms,omitempty"`
	Username  string `json:"username,omitempty"`
	Payload   string `json:"payload,omitempty"` // only if include_payload enabled
}

func (e MessagePublished) Type() string  { return TypeMessagePublished }
func (e MessagePublished) Queue() string { return e.QueueName }
func (e MessagePublished) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// MessageDeleted is emitted when an in-flight message is deleted.
type MessageDeleted struct {
	QueueName string `json:"queue"`
	MessageID string `json:"message_id"`
	Username  string `json:"username,omitempty"`
}

func (e MessageDeleted) Type() string  { return TypeMessageDeleted }
func (e MessageDeleted) Queue() string { return e.QueueName }
func (e MessageDeleted) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// QueueCreated is emitted when a queue is created by an admin request or on
// demand by a publish.
type QueueCreated struct {
	QueueName   string `json:"queue"`
	PendingMode string `json:"pending_mode"`
	AutoCreated bool   `json:"auto_created"`
}

func (e QueueCreated) Type() string  { return TypeQueueCreated }
func (e QueueCreated) Queue() string { return e.QueueName }
func (e QueueCreated) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// QueueDeleted is emitted when a queue is removed.
type QueueDeleted struct {
	QueueName string `json:"queue"`
}

func (e QueueDeleted) Type() string  { return TypeQueueDeleted }
func (e QueueDeleted) Queue() string { return e.QueueName }
func (e QueueDeleted) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}

// AuthFailed is emitted when a request carries credentials that are
// rejected.
type AuthFailed struct {
	Username string `json:"username"`
	Request  string `json:"request"`
}

func (e AuthFailed) Type() string  { return TypeAuthFailed }
func (e AuthFailed) Queue() string { return "" }
func (e AuthFailed) Wrap(brokerID string) *Envelope {
	return wrap(e, brokerID)
}
