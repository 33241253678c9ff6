// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/mmqp/message"
	"github.com/absmach/mmqp/queue/storage"
)

// Checkpoint writes the queue contents to pager. Each page is a sequence of
// Storage-framed Normalized envelopes.
func (q *Queue) Checkpoint(ctx context.Context, pager storage.Pager) error {
	q.readMu.Lock()
	q.mu.Lock()
	ready := q.ready.Snapshot()
	var deferred, inFlight []byte
	q.deferred.each(func(n message.Normalized) bool {
		deferred = append(deferred, n.Serialize(message.Storage)...)
		return true
	})
	for _, id := range q.inFlightOrder {
		if e, ok := q.inFlight[id]; ok {
			inFlight = append(inFlight, e.msg.Serialize(message.Storage)...)
		}
	}
	q.mu.Unlock()
	q.readMu.Unlock()

	pages := []struct {
		id   storage.PageID
		data []byte
	}{
		{storage.PageReady, ready},
		{storage.PageDeferred, deferred},
		{storage.PageInFlight, inFlight},
	}
	for _, p := range pages {
		if err := pager.WritePage(ctx, q.config.Name, p.id, p.data); err != nil {
			return fmt.Errorf("failed to write page %d: %w", p.id, err)
		}
	}

	q.logger.Debug("queue checkpointed",
		slog.Int("ready_bytes", len(ready)),
		slog.Int("deferred_bytes", len(deferred)),
		slog.Int("in_flight_bytes", len(inFlight)))
	return nil
}

// Restore loads pages written by Checkpoint and appends their messages to the
// queue. Missing pages are treated as empty.
func (q *Queue) Restore(ctx context.Context, pager storage.Pager) error {
	read := func(id storage.PageID) ([]message.Normalized, error) {
		data, err := pager.ReadPage(ctx, q.config.Name, id)
		if errors.Is(err, storage.ErrPageNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return decodePage(data)
	}

	ready, err := read(storage.PageReady)
	if err != nil {
		return fmt.Errorf("failed to restore ready messages: %w", err)
	}
	deferred, err := read(storage.PageDeferred)
	if err != nil {
		return fmt.Errorf("failed to restore deferred messages: %w", err)
	}
	inFlight, err := read(storage.PageInFlight)
	if err != nil {
		return fmt.Errorf("failed to restore in-flight messages: %w", err)
	}

	q.readMu.Lock()
	defer q.readMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, n := range ready {
		if err := q.ready.PushValue(n); err != nil {
			return err
		}
	}
	for _, n := range deferred {
		q.deferred.add(n)
	}
	now := message.FromTime(q.now())
	for _, n := range inFlight {
		q.track(n, now)
	}

	q.logger.Info("queue restored",
		slog.Int("ready", len(ready)),
		slog.Int("deferred", len(deferred)),
		slog.Int("in_flight", len(inFlight)))
	return nil
}

func decodePage(data []byte) ([]message.Normalized, error) {
	var out []message.Normalized
	for cursor := 0; cursor < len(data); {
		n, err := message.DecodeNormalized(data, &cursor, message.Storage)
		if err != nil {
			return nil, fmt.Errorf("corrupt page at offset %d: %w", cursor, err)
		}
		out = append(out, n)
	}
	return out, nil
}
