// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mmqp/broker/events"
	"github.com/sony/gobreaker"
)

var (
	// ErrClosed is returned by Notify after Close.
	ErrClosed = errors.New("webhook notifier closed")

	errNotEvent = errors.New("event must implement events.Event")
)

// Counters summarizes notifier activity.
type Counters struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

// GenericNotifier delivers broker events to webhook endpoints from a bounded
// queue drained by a worker pool. Each endpoint has its own retry policy and
// circuit breaker.
type GenericNotifier struct {
	cfg       Config
	brokerID  string
	endpoints []*endpoint
	jobs      chan job
	sender    Sender
	logger    *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

type endpoint struct {
	name    string
	url     string
	events  map[string]bool
	queues  []string
	headers map[string]string
	timeout time.Duration
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
}

type job struct {
	envelope *events.Envelope
	endpoint *endpoint
	attempt  int
}

// NewNotifier creates a notifier and starts its workers.
func NewNotifier(cfg Config, brokerID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:      cfg,
		brokerID: brokerID,
		jobs:     make(chan job, max(cfg.QueueSize, 1)),
		sender:   sender,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, ep := range cfg.Endpoints {
		n.endpoints = append(n.endpoints, n.newEndpoint(ep))
	}

	for range cfg.Workers {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cap(n.jobs)),
		slog.Int("endpoints", len(n.endpoints)))

	return n, nil
}

func (n *GenericNotifier) newEndpoint(ep Endpoint) *endpoint {
	e := &endpoint{
		name:    ep.Name,
		url:     ep.URL,
		queues:  ep.QueueFilters,
		headers: ep.Headers,
		timeout: n.cfg.Defaults.Timeout,
		retry:   n.cfg.Defaults.Retry,
	}
	if len(ep.Events) > 0 {
		e.events = make(map[string]bool, len(ep.Events))
		for _, t := range ep.Events {
			e.events[t] = true
		}
	}
	if ep.Timeout > 0 {
		e.timeout = ep.Timeout
	}
	if ep.Retry != nil {
		e.retry = *ep.Retry
	}

	threshold := uint32(max(n.cfg.Defaults.CircuitBreaker.FailureThreshold, 1))
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ep.Name,
		MaxRequests: 1,
		Timeout:     n.cfg.Defaults.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("webhook circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return e
}

// Notify queues event for every matching endpoint. It never blocks: when the
// queue is full the drop policy decides which event is lost.
func (n *GenericNotifier) Notify(_ context.Context, event any) error {
	if n.closed.Load() {
		return ErrClosed
	}
	ev, ok := event.(events.Event)
	if !ok {
		return errNotEvent
	}

	var env *events.Envelope
	for _, ep := range n.endpoints {
		if !ep.matches(ev) {
			continue
		}
		if env == nil {
			env = n.wrap(ev)
		}
		n.enqueue(job{envelope: env, endpoint: ep})
	}
	return nil
}

// wrap builds the envelope shared by every endpoint and retry of ev.
func (n *GenericNotifier) wrap(ev events.Event) *events.Envelope {
	if p, ok := ev.(events.MessagePublished); ok && !n.cfg.IncludePayload {
		p.Payload = ""
		ev = p
	}
	return ev.Wrap(n.brokerID)
}

func (n *GenericNotifier) enqueue(j job) {
	select {
	case n.jobs <- j:
		return
	default:
	}

	if n.cfg.DropPolicy == DropOldest {
		select {
		case old := <-n.jobs:
			n.drop(old)
		default:
		}
		select {
		case n.jobs <- j:
			return
		default:
		}
	}
	n.drop(j)
}

func (n *GenericNotifier) drop(j job) {
	n.dropped.Add(1)
	n.logger.Warn("webhook queue full, event dropped",
		slog.String("event_type", j.envelope.EventType),
		slog.String("endpoint", j.endpoint.name))
}

func (e *endpoint) matches(ev events.Event) bool {
	if e.events != nil && !e.events[ev.Type()] {
		return false
	}
	if ev.Queue() == "" || len(e.queues) == 0 {
		return true
	}
	for _, f := range e.queues {
		if queueMatches(f, ev.Queue()) {
			return true
		}
	}
	return false
}

// queueMatches checks if a queue name matches a filter. A trailing "*"
// matches any suffix and a lone "*" matches every queue.
func queueMatches(filter, name string) bool {
	if prefix, ok := strings.CutSuffix(filter, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return filter == name
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case j := <-n.jobs:
			n.process(j)
		}
	}
}

func (n *GenericNotifier) process(j job) {
	_, err := j.endpoint.breaker.Execute(func() (any, error) {
		return nil, n.send(j)
	})
	if err == nil {
		n.delivered.Add(1)
		return
	}

	j.attempt++
	if j.attempt >= j.endpoint.retry.MaxAttempts {
		n.failed.Add(1)
		n.logger.Error("webhook delivery failed",
			slog.String("endpoint", j.endpoint.name),
			slog.String("event_type", j.envelope.EventType),
			slog.String("event_id", j.envelope.EventID),
			slog.Int("attempts", j.attempt),
			slog.String("error", err.Error()))
		return
	}

	delay := retryDelay(j.attempt, j.endpoint.retry)
	n.logger.Debug("webhook delivery failed, retrying",
		slog.String("endpoint", j.endpoint.name),
		slog.String("event_type", j.envelope.EventType),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.closed.Load() {
			return
		}
		select {
		case n.jobs <- j:
		default:
			n.drop(j)
		}
	})
}

// send runs detached from n.ctx so Close does not abort requests in flight.
func (n *GenericNotifier) send(j job) error {
	return n.sender.Send(context.Background(), Delivery{
		URL:      j.endpoint.url,
		Headers:  j.endpoint.headers,
		Envelope: j.envelope,
		Attempt:  j.attempt + 1,
		Timeout:  j.endpoint.timeout,
	})
}

// retryDelay returns the backoff before retry number attempt, starting at 1.
func retryDelay(attempt int, cfg RetryConfig) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Counters returns delivery totals since start.
func (n *GenericNotifier) Counters() Counters {
	return Counters{
		Delivered: n.delivered.Load(),
		Failed:    n.failed.Load(),
		Dropped:   n.dropped.Load(),
	}
}

// Close stops the workers. Queued events that were not picked up before the
// shutdown timeout are lost.
func (n *GenericNotifier) Close() error {
	if n.closed.Swap(true) {
		return nil
	}

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for len(n.jobs) > 0 {
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	select {
	case <-drained:
	case <-time.After(timeout):
		n.logger.Warn("webhook notifier shutdown timeout, events lost",
			slog.Int("queue_depth", len(n.jobs)))
	}

	n.cancel()
	n.wg.Wait()
	n.logger.Info("webhook notifier stopped")
	return nil
}
