// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/mmqp/queue/storage"
	"github.com/absmach/mmqp/queue/types"
	"github.com/sony/gobreaker"
)

// Manager defaults.
const (
	DefaultFlushInterval      = 100 * time.Millisecond
	DefaultCheckpointInterval = 30 * time.Second
)

// Config holds configuration for the queue manager.
type Config struct {
	// Pager enables checkpoints. Without it queues live in memory only.
	Pager              storage.Pager
	FlushInterval      time.Duration
	CheckpointInterval time.Duration

	// Consecutive checkpoint failures before the breaker opens, and how long
	// it stays open.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// Manager owns every queue of the broker by name.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	mu     sync.RWMutex
	queues map[string]*Queue

	// pageMu orders checkpoints against queue deletion so a deleted queue's
	// pages are never rewritten. It is taken before mu.
	pageMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a new queue manager.
func NewManager(cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 3
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		queues: make(map[string]*Queue),
		stopCh: make(chan struct{}),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "checkpoint",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Warn("checkpoint circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return m
}

// Create adds a queue.
func (m *Manager) Create(config types.QueueConfig) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[config.Name]; ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrQueueAlreadyExists, config.Name)
	}

	q, err := New(config, WithClock(m.cfg.Clock), WithLogger(m.logger))
	if err != nil {
		return nil, err
	}
	m.queues[config.Name] = q

	m.logger.Info("queue created",
		slog.String("queue", config.Name),
		slog.String("pending_mode", string(config.PendingMode)))
	return q, nil
}

// Get returns the queue named name.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[name]
	if !ok {
		return nil, storage.ErrQueueNotFound
	}
	return q, nil
}

// Delete removes a queue and its checkpoint pages.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.pageMu.Lock()
	defer m.pageMu.Unlock()

	m.mu.Lock()
	_, ok := m.queues[name]
	delete(m.queues, name)
	m.mu.Unlock()

	if !ok {
		return storage.ErrQueueNotFound
	}
	if m.cfg.Pager != nil {
		if err := m.cfg.Pager.DeletePages(ctx, name); err != nil {
			return fmt.Errorf("failed to delete pages of %s: %w", name, err)
		}
	}

	m.logger.Info("queue deleted", slog.String("queue", name))
	return nil
}

// List returns the queue names in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Stats returns statistics for every queue, sorted by name.
func (m *Manager) Stats() []Stats {
	names := m.List()
	stats := make([]Stats, 0, len(names))
	for _, name := range names {
		if q, err := m.Get(name); err == nil {
			stats = append(stats, q.Stats())
		}
	}
	return stats
}

func (m *Manager) snapshot() []*Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	qs := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	return qs
}

// Start restores checkpointed queues and starts the background loops.
// Checkpointed queues that were not created beforehand get the default
// configuration.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.Pager != nil {
		if err := m.restore(ctx); err != nil {
			return err
		}
		m.wg.Add(1)
		go m.checkpointLoop()
	}

	m.wg.Add(1)
	go m.flushLoop()

	return nil
}

func (m *Manager) restore(ctx context.Context) error {
	names, err := m.cfg.Pager.Queues(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpointed queues: %w", err)
	}

	for _, name := range names {
		q, err := m.Get(name)
		if errors.Is(err, storage.ErrQueueNotFound) {
			q, err = m.Create(types.DefaultQueueConfig(name))
		}
		if err != nil {
			return fmt.Errorf("failed to create queue %s: %w", name, err)
		}
		if err := q.Restore(ctx, m.cfg.Pager); err != nil {
			return fmt.Errorf("failed to restore queue %s: %w", name, err)
		}
	}
	return nil
}

// flushLoop surfaces available deferred messages of push-mode queues and
// expires stale in-flight messages. Read-mode queues serve deferred messages
// directly on read.
func (m *Manager) flushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, q := range m.snapshot() {
				m.sweep(q)
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep(q *Queue) {
	if n := q.ExpireInFlight(); n > 0 {
		m.logger.Debug("in-flight messages expired",
			slog.String("queue", q.Name()),
			slog.Int("count", n))
	}
	if q.Config().PendingMode != types.PendingPush {
		return
	}
	if _, err := q.FlushPending(); err != nil {
		m.logger.Error("failed to flush deferred messages",
			slog.String("queue", q.Name()),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) checkpointLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckpointInterval)
			if err := m.Checkpoint(ctx); err != nil {
				m.logger.Error("checkpoint failed", slog.String("error", err.Error()))
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// Checkpoint writes every queue to the pager. It is a no-op without one.
func (m *Manager) Checkpoint(ctx context.Context) error {
	if m.cfg.Pager == nil {
		return nil
	}

	m.pageMu.Lock()
	defer m.pageMu.Unlock()

	var errs []error
	for _, q := range m.snapshot() {
		_, err := m.breaker.Execute(func() (interface{}, error) {
			return nil, q.Checkpoint(ctx, m.cfg.Pager)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", q.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop stops the background loops and writes a final checkpoint.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		if m.cfg.Pager != nil {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckpointInterval)
			defer cancel()
			err = m.Checkpoint(ctx)
		}
	})
	return err
}
