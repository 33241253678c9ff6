// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64

	// Request stats
	requests          atomic.Uint64
	messagesPublished atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesDeleted   atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Error stats
	protocolErrors atomic.Uint64
	authErrors     atomic.Uint64
	rateLimited    atomic.Uint64
	internalErrors atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() uint64 {
	return s.currentConnections.Load()
}

// Request tracking.
func (s *Stats) IncrementRequests() {
	s.requests.Add(1)
}

func (s *Stats) IncrementMessagesPublished() {
	s.messagesPublished.Add(1)
}

func (s *Stats) AddMessagesDelivered(n int) {
	s.messagesDelivered.Add(uint64(n))
}

func (s *Stats) IncrementMessagesDeleted() {
	s.messagesDeleted.Add(1)
}

func (s *Stats) GetRequests() uint64 {
	return s.requests.Load()
}

func (s *Stats) GetMessagesPublished() uint64 {
	return s.messagesPublished.Load()
}

func (s *Stats) GetMessagesDelivered() uint64 {
	return s.messagesDelivered.Load()
}

func (s *Stats) GetMessagesDeleted() uint64 {
	return s.messagesDeleted.Load()
}

// Byte tracking.
func (s *Stats) AddBytesReceived(n uint64) {
	s.bytesReceived.Add(n)
}

func (s *Stats) AddBytesSent(n uint64) {
	s.bytesSent.Add(n)
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// Error tracking.
func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) IncrementAuthErrors() {
	s.authErrors.Add(1)
}

func (s *Stats) IncrementRateLimited() {
	s.rateLimited.Add(1)
}

func (s *Stats) IncrementInternalErrors() {
	s.internalErrors.Add(1)
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

func (s *Stats) GetAuthErrors() uint64 {
	return s.authErrors.Load()
}

func (s *Stats) GetRateLimited() uint64 {
	return s.rateLimited.Load()
}

func (s *Stats) GetInternalErrors() uint64 {
	return s.internalErrors.Load()
}

// GetUptime returns how long the broker has been running.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
