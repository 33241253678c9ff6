// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mmqp/message"
	"github.com/absmach/mmqp/queue/storage"
	"github.com/absmach/mmqp/queue/storage/memory"
	"github.com/absmach/mmqp/queue/types"
)

// ErrMessageTooLarge is returned when a message body exceeds the queue limit.
var ErrMessageTooLarge = errors.New("message too large")

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// Queue is a named delivery queue. Messages whose availability time lies in
// the future are deferred; the rest sit in a rotating buffer pool until read.
// Any number of producers may call Receive concurrently; reads are
// serialized, so the queue serves a single logical consumer at a time.
type Queue struct {
	config types.QueueConfig
	now    func() time.Time
	logger *slog.Logger

	ready *memory.RotatingPool[message.Normalized]

	// readMu orders consumers; it is taken before mu.
	readMu sync.Mutex

	mu       sync.Mutex
	deferred *deferredIndex
	inFlight map[message.ID]inFlightEntry
	// Delivery order of inFlight. Deleted IDs linger until they reach the
	// front or the slice is compacted.
	inFlightOrder []message.ID

	waiters atomic.Int32
	sigMu   sync.Mutex
	sig     chan struct{}
}

type inFlightEntry struct {
	msg         message.Normalized
	deliveredAt message.Millis
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Name     string
	Mode     types.PendingMode
	Ready    int
	Deferred int
	InFlight int
	Arenas   int
}

// New creates an empty queue.
func New(config types.QueueConfig, opts ...Option) (*Queue, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		config:   config,
		now:      time.Now,
		logger:   slog.Default(),
		ready:    memory.NewRotatingPool[message.Normalized](config.Arenas, config.ArenaSize, message.DecodeNormalized),
		deferred: newDeferredIndex(),
		inFlight: make(map[message.ID]inFlightEntry),
		sig:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(slog.String("queue", config.Name))

	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.config.Name
}

// Config returns the queue configuration.
func (q *Queue) Config() types.QueueConfig {
	return q.config
}

// Receive stores n, deferring it while its availability time is in the
// future.
func (q *Queue) Receive(n message.Normalized) error {
	if len(n.Message) > q.config.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrMessageTooLarge, len(n.Message), q.config.MaxMessageSize)
	}

	if n.AvailableTime > message.FromTime(q.now()) {
		q.mu.Lock()
		q.deferred.add(n)
		q.mu.Unlock()
		q.wake()
		return nil
	}

	if err := q.ready.PushRaw(n.Serialize(message.Wire)); err != nil {
		return err
	}
	q.wake()
	return nil
}

// ReceivePublish normalizes p and stores it. A positive delay defers the
// message by that long from now.
func (q *Queue) ReceivePublish(p message.Publish, delay time.Duration) (message.Normalized, error) {
	n, err := p.Normalize(q.now())
	if err != nil {
		return message.Normalized{}, err
	}
	n = n.Delayed(delay)

	if err := q.Receive(n); err != nil {
		return message.Normalized{}, err
	}
	return n, nil
}

// ReadNext removes and returns the next deliverable message. ok is false
// when nothing is deliverable. The returned message has its receive count
// incremented and stays in flight until Delete, until it expires, or until
// newer deliveries push it past the in-flight cap.
//
// In PendingRead mode available deferred messages are served first, earliest
// first. In PendingPush mode they are appended behind the ready messages
// before reading.
func (q *Queue) ReadNext() (message.Normalized, bool, error) {
	q.readMu.Lock()
	defer q.readMu.Unlock()

	return q.readNext()
}

func (q *Queue) readNext() (message.Normalized, bool, error) {
	now := message.FromTime(q.now())

	var (
		n   message.Normalized
		ok  bool
		err error
	)
	switch q.config.PendingMode {
	case types.PendingPush:
		if _, err := q.flush(now); err != nil {
			return message.Normalized{}, false, err
		}
	default:
		q.mu.Lock()
		n, ok = q.deferred.pop(now)
		q.mu.Unlock()
	}

	if !ok {
		n, ok, err = q.ready.Next()
		if err != nil || !ok {
			return message.Normalized{}, false, err
		}
	}

	n.ReceiveCount++
	q.mu.Lock()
	q.track(n, now)
	q.mu.Unlock()

	return n, true, nil
}

// track records n as in flight and evicts the oldest entries beyond the
// cap. mu must be held.
func (q *Queue) track(n message.Normalized, at message.Millis) {
	q.inFlight[n.ID] = inFlightEntry{msg: n, deliveredAt: at}
	q.inFlightOrder = append(q.inFlightOrder, n.ID)

	if limit := q.config.MaxInFlight; limit > 0 {
		for len(q.inFlight) > limit {
			q.evictOldest()
		}
	}
	if len(q.inFlightOrder) > 2*len(q.inFlight)+64 {
		q.compactInFlight()
	}
}

// evictOldest drops the earliest delivered message still in flight. mu must
// be held.
func (q *Queue) evictOldest() {
	for len(q.inFlightOrder) > 0 {
		id := q.inFlightOrder[0]
		q.inFlightOrder = q.inFlightOrder[1:]
		if _, ok := q.inFlight[id]; ok {
			delete(q.inFlight, id)
			return
		}
	}
}

func (q *Queue) compactInFlight() {
	order := make([]message.ID, 0, len(q.inFlight))
	for _, id := range q.inFlightOrder {
		if _, ok := q.inFlight[id]; ok {
			order = append(order, id)
		}
	}
	q.inFlightOrder = order
}

// ExpireInFlight forgets in-flight messages delivered more than the queue's
// in-flight TTL ago and returns how many were dropped.
func (q *Queue) ExpireInFlight() int {
	ttl := q.config.InFlightTTL
	if ttl <= 0 {
		return 0
	}
	cutoff := message.FromTime(q.now().Add(-ttl))

	q.mu.Lock()
	defer q.mu.Unlock()

	expired := 0
	for len(q.inFlightOrder) > 0 {
		id := q.inFlightOrder[0]
		e, ok := q.inFlight[id]
		if ok && e.deliveredAt > cutoff {
			break
		}
		q.inFlightOrder = q.inFlightOrder[1:]
		if ok {
			delete(q.inFlight, id)
			expired++
		}
	}
	return expired
}

// ReadBatch reads up to limit messages.
func (q *Queue) ReadBatch(limit int) ([]message.Normalized, error) {
	q.readMu.Lock()
	defer q.readMu.Unlock()

	var out []message.Normalized
	for len(out) < limit {
		n, ok, err := q.readNext()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, n)
	}
	return out, nil
}

// ReadNextWait blocks until a message is deliverable or ctx is done.
func (q *Queue) ReadNextWait(ctx context.Context) (message.Normalized, error) {
	q.waiters.Add(1)
	defer q.waiters.Add(-1)

	for {
		changed := q.changed()

		n, ok, err := q.ReadNext()
		if err != nil {
			return message.Normalized{}, err
		}
		if ok {
			return n, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if d, ok := q.untilDeferred(); ok {
			timer = time.NewTimer(d)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return message.Normalized{}, ctx.Err()
		case <-changed:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// FlushPending moves every available deferred message to the back of the
// ready buffers and returns how many were moved.
func (q *Queue) FlushPending() (int, error) {
	moved, err := q.flush(message.FromTime(q.now()))
	if moved > 0 {
		q.wake()
	}
	return moved, err
}

func (q *Queue) flush(now message.Millis) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.deferred.take(now)
	for i, n := range msgs {
		if err := q.ready.PushRaw(n.Serialize(message.Wire)); err != nil {
			for _, rest := range msgs[i:] {
				q.deferred.add(rest)
			}
			return i, err
		}
	}
	return len(msgs), nil
}

// Delete forgets an in-flight message.
func (q *Queue) Delete(id message.ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[id]; !ok {
		return storage.ErrMessageNotFound
	}
	delete(q.inFlight, id)
	return nil
}

// ApproximateMessageCount returns the number of ready messages.
func (q *Queue) ApproximateMessageCount() uint64 {
	return uint64(q.ready.Len())
}

// PendingMessageCount returns the number of deferred messages.
func (q *Queue) PendingMessageCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return uint64(q.deferred.len())
}

// Stats returns current queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	deferred, inFlight := q.deferred.len(), len(q.inFlight)
	q.mu.Unlock()

	return Stats{
		Name:     q.config.Name,
		Mode:     q.config.PendingMode,
		Ready:    q.ready.Len(),
		Deferred: deferred,
		InFlight: inFlight,
		Arenas:   q.ready.Arenas(),
	}
}

func (q *Queue) untilDeferred() (time.Duration, bool) {
	q.mu.Lock()
	at, ok := q.deferred.earliest()
	q.mu.Unlock()
	if !ok {
		return 0, false
	}
	d := at.Time().Sub(q.now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d, true
}

func (q *Queue) changed() <-chan struct{} {
	q.sigMu.Lock()
	defer q.sigMu.Unlock()
	return q.sig
}

// wake releases goroutines blocked in ReadNextWait.
func (q *Queue) wake() {
	if q.waiters.Load() == 0 {
		return
	}
	q.sigMu.Lock()
	close(q.sig)
	q.sig = make(chan struct{})
	q.sigMu.Unlock()
}
