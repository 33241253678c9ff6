// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/mmqp/broker/events"
	"github.com/absmach/mmqp/message"
	"github.com/absmach/mmqp/packets"
	"github.com/absmach/mmqp/queue"
	"github.com/absmach/mmqp/queue/storage"
	"github.com/absmach/mmqp/queue/types"
	"github.com/absmach/mmqp/server/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Broker defaults.
const (
	DefaultMaxLongPollWait = 30 * time.Second
	DefaultMaxPollCount    = 1000
)

// RateLimiter limits requests per user. *ratelimit.Manager implements it.
type RateLimiter interface {
	AllowPublish(user string) bool
	AllowPoll(user string) bool
}

// Notifier receives broker events. *webhook.GenericNotifier implements it.
type Notifier interface {
	Notify(ctx context.Context, event any) error
}

// Config holds the broker dependencies and request limits.
type Config struct {
	// Upper bounds applied to poll requests.
	MaxLongPollWait time.Duration
	MaxPollCount    int

	// Limit applied to queues created on demand or by admin requests.
	MaxMessageSize int

	// Publishing to an unknown queue creates it with default settings.
	AutoCreateQueues bool

	Auth        Authenticator // nil allows every request
	RateLimiter RateLimiter   // nil if rate limiting disabled
	Notifier    Notifier      // nil if webhooks disabled
	Metrics     *otel.Metrics // nil if metrics disabled
	Tracer      trace.Tracer  // nil if tracing disabled
	Stats       *Stats
	Logger      *slog.Logger
}

// Broker turns raw requests into replies on top of a queue manager.
type Broker struct {
	queues   *queue.Manager
	auth     *AuthEngine
	limiter  RateLimiter
	notifier Notifier
	metrics  *otel.Metrics
	tracer   trace.Tracer
	stats    *Stats
	logger   *slog.Logger

	maxWait        time.Duration
	maxCount       int
	maxMessageSize int
	autoCreate     bool
}

// New creates a broker serving the queues of m.
func New(m *queue.Manager, cfg Config) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = NewStats()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.MaxLongPollWait <= 0 {
		cfg.MaxLongPollWait = DefaultMaxLongPollWait
	}
	if cfg.MaxPollCount <= 0 {
		cfg.MaxPollCount = DefaultMaxPollCount
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = types.DefaultMaxMessageSize
	}

	return &Broker{
		queues:         m,
		auth:           NewAuthEngine(cfg.Auth),
		limiter:        cfg.RateLimiter,
		notifier:       cfg.Notifier,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		stats:          cfg.Stats,
		logger:         cfg.Logger,
		maxWait:        cfg.MaxLongPollWait,
		maxCount:       cfg.MaxPollCount,
		maxMessageSize: cfg.MaxMessageSize,
		autoCreate:     cfg.AutoCreateQueues,
	}
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Queues returns the queue manager.
func (b *Broker) Queues() *queue.Manager {
	return b.queues
}

// OnConnect records a new client connection.
func (b *Broker) OnConnect(transport string) {
	b.stats.IncrementConnections()
	if b.metrics != nil {
		b.metrics.RecordConnection(transport)
	}
}

// OnDisconnect records a closed client connection.
func (b *Broker) OnDisconnect() {
	b.stats.DecrementConnections()
	if b.metrics != nil {
		b.metrics.RecordDisconnection()
	}
}

// Handle processes one raw request and returns the encoded reply. A failed
// request is answered with a status reply; it never affects other requests.
func (b *Broker) Handle(ctx context.Context, raw []byte) []byte {
	start := time.Now()
	b.stats.IncrementRequests()
	b.stats.AddBytesReceived(uint64(len(raw)))

	var (
		kind  = "malformed"
		reply packets.Reply
	)

	req, err := packets.Parse(raw)
	if err != nil {
		b.stats.IncrementProtocolErrors()
		b.recordError("malformed")
		b.logger.Debug("malformed request", slog.String("error", err.Error()))
		reply = status(packets.StatusBadRequest, err.Error())
	} else {
		kind = packets.PacketNames[req.Type()]
		reply = b.dispatch(ctx, req)
	}

	out := reply.Encode()
	b.stats.AddBytesSent(uint64(len(out)))

	elapsed := time.Since(start)
	if b.metrics != nil {
		b.metrics.RecordRequest(kind, int64(len(raw)), float64(elapsed.Microseconds())/1000)
		b.metrics.RecordReply(int64(len(out)))
	}
	b.logger.Debug("request handled",
		slog.String("type", kind),
		slog.Duration("duration", elapsed))

	return out
}

func (b *Broker) dispatch(ctx context.Context, req packets.Request) packets.Reply {
	ctx, span := b.tracer.Start(ctx, "mmqp."+strings.ToLower(packets.PacketNames[req.Type()]),
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	reply := b.serve(ctx, req)
	if st, ok := reply.(*packets.StatusReply); ok && st.Status != packets.StatusOK {
		span.SetStatus(codes.Error, st.Error())
	}
	return reply
}

func (b *Broker) serve(ctx context.Context, req packets.Request) packets.Reply {
	if r, ok := req.(packets.Authenticated); ok {
		creds := r.Auth()
		ok, err := b.auth.Authenticate(creds.Username, creds.Password)
		if err != nil {
			b.stats.IncrementInternalErrors()
			b.recordError("auth")
			b.logger.Error("authentication failed", slog.String("error", err.Error()))
			return status(packets.StatusError, "authentication failed")
		}
		if !ok {
			b.stats.IncrementAuthErrors()
			b.recordError("unauthorized")
			b.logger.Debug("unauthorized request", slog.String("username", creds.Username))
			b.notify(ctx, events.AuthFailed{
				Username: creds.Username,
				Request:  packets.PacketNames[req.Type()],
			})
			return status(packets.StatusUnauthorized, ErrUnauthorized.Error())
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("mmqp.user", creds.Username))
	}

	switch r := req.(type) {
	case *packets.Publish:
		return b.publish(ctx, r.Message, 0)
	case *packets.Delayed:
		return b.publish(ctx, r.Message, r.Delay)
	case *packets.Poll:
		return b.poll(ctx, r.Username, r.Queue, r.Count, 0)
	case *packets.LongPoll:
		return b.poll(ctx, r.Username, r.Queue, r.Count, r.Wait)
	case *packets.Delete:
		return b.delete(ctx, r)
	case *packets.Admin:
		return b.admin(ctx, r)
	case *packets.Ping:
		return &packets.Pong{}
	}

	return status(packets.StatusBadRequest, fmt.Sprintf("unsupported request %T", req))
}

func (b *Broker) publish(ctx context.Context, p message.Publish, delay time.Duration) packets.Reply {
	if b.limiter != nil && !b.limiter.AllowPublish(p.Username) {
		b.stats.IncrementRateLimited()
		b.recordError("rate_limited")
		return status(packets.StatusRateLimited, p.TargetQueue)
	}

	q, err := b.queue(ctx, p.TargetQueue, b.autoCreate)
	if err != nil {
		return b.errorReply(p.TargetQueue, err)
	}

	n, err := q.ReceivePublish(p, delay)
	if err != nil {
		return b.errorReply(p.TargetQueue, err)
	}

	b.stats.IncrementMessagesPublished()
	if b.metrics != nil {
		b.metrics.RecordPublished(p.TargetQueue, int64(len(p.Message)), delay > 0)
	}
	b.notify(ctx, events.MessagePublished{
		QueueName: p.TargetQueue,
		MessageID: n.ID.String(),
		GroupID:   n.GroupID,
		Size:      len(p.Message),
		DelayMs:   delay.Milliseconds(),
		Username:  p.Username,
		Payload:   p.Message,
	})
	return status(packets.StatusOK, n.ID.String())
}

func (b *Broker) poll(ctx context.Context, user, name string, count uint64, wait time.Duration) packets.Reply {
	if b.limiter != nil && !b.limiter.AllowPoll(user) {
		b.stats.IncrementRateLimited()
		b.recordError("rate_limited")
		return status(packets.StatusRateLimited, name)
	}

	q, err := b.queue(ctx, name, false)
	if err != nil {
		return b.errorReply(name, err)
	}

	limit := b.maxCount
	if count > 0 && count < uint64(limit) {
		limit = int(count)
	}
	wait = min(wait, b.maxWait)

	msgs, err := b.read(ctx, q, limit, wait)
	if err != nil {
		return b.errorReply(name, err)
	}

	b.stats.AddMessagesDelivered(len(msgs))
	if b.metrics != nil {
		b.metrics.RecordDelivered(name, len(msgs))
	}
	return &packets.MessagesReply{Messages: msgs}
}

// read returns up to limit messages. When none is deliverable and wait is
// positive it blocks until one is, wait elapses or ctx is done; the latter
// two produce an empty batch.
func (b *Broker) read(ctx context.Context, q *queue.Queue, limit int, wait time.Duration) ([]message.Normalized, error) {
	msgs, err := q.ReadBatch(limit)
	if err != nil || len(msgs) > 0 || wait <= 0 {
		return msgs, err
	}

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	first, err := q.ReadNextWait(wctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, err
	}

	rest, err := q.ReadBatch(limit - 1)
	return append([]message.Normalized{first}, rest...), err
}

func (b *Broker) delete(ctx context.Context, r *packets.Delete) packets.Reply {
	q, err := b.queue(ctx, r.Queue, false)
	if err != nil {
		return b.errorReply(r.Queue, err)
	}
	if err := q.Delete(r.ID); err != nil {
		return b.errorReply(r.Queue, err)
	}

	b.stats.IncrementMessagesDeleted()
	if b.metrics != nil {
		b.metrics.RecordDeleted(r.Queue)
	}
	b.notify(ctx, events.MessageDeleted{
		QueueName: r.Queue,
		MessageID: r.ID.String(),
		Username:  r.Username,
	})
	return status(packets.StatusOK, r.ID.String())
}

func (b *Broker) admin(ctx context.Context, r *packets.Admin) packets.Reply {
	switch r.Action {
	case packets.ActionCreate:
		cfg, err := types.FromInput(types.QueueConfigInput{
			Name:           r.Queue,
			PendingMode:    r.Arg,
			MaxMessageSize: b.maxMessageSize,
		})
		if err != nil {
			return b.errorReply(r.Queue, err)
		}
		if _, err := b.queues.Create(cfg); err != nil {
			return b.errorReply(r.Queue, err)
		}
		b.notify(ctx, events.QueueCreated{QueueName: r.Queue, PendingMode: string(cfg.PendingMode)})
		return status(packets.StatusOK, r.Queue)

	case packets.ActionDelete:
		if err := b.queues.Delete(ctx, r.Queue); err != nil {
			return b.errorReply(r.Queue, err)
		}
		b.notify(ctx, events.QueueDeleted{QueueName: r.Queue})
		return status(packets.StatusOK, r.Queue)

	case packets.ActionList:
		return &packets.AdminReply{Text: strings.Join(b.queues.List(), "\n")}

	case packets.ActionStats:
		var stats []queue.Stats
		if r.Queue == "" {
			stats = b.queues.Stats()
		} else {
			q, err := b.queues.Get(r.Queue)
			if err != nil {
				return b.errorReply(r.Queue, err)
			}
			stats = []queue.Stats{q.Stats()}
		}
		lines := make([]string, 0, len(stats))
		for _, s := range stats {
			lines = append(lines, formatStats(s))
		}
		return &packets.AdminReply{Text: strings.Join(lines, "\n")}

	case packets.ActionFlush:
		q, err := b.queues.Get(r.Queue)
		if err != nil {
			return b.errorReply(r.Queue, err)
		}
		moved, err := q.FlushPending()
		if err != nil {
			return b.errorReply(r.Queue, err)
		}
		return &packets.AdminReply{Text: fmt.Sprintf("flushed %d", moved)}
	}

	b.stats.IncrementProtocolErrors()
	return status(packets.StatusBadRequest, fmt.Sprintf("unknown admin action %q", r.Action))
}

func formatStats(s queue.Stats) string {
	return fmt.Sprintf("%s mode=%s ready=%d deferred=%d in_flight=%d arenas=%d",
		s.Name, s.Mode, s.Ready, s.Deferred, s.InFlight, s.Arenas)
}

// queue resolves name, creating the queue when create is set.
func (b *Broker) queue(ctx context.Context, name string, create bool) (*queue.Queue, error) {
	q, err := b.queues.Get(name)
	if err == nil || !create || !errors.Is(err, storage.ErrQueueNotFound) {
		return q, err
	}

	cfg := types.DefaultQueueConfig(name)
	cfg.MaxMessageSize = b.maxMessageSize
	q, err = b.queues.Create(cfg)
	switch {
	case errors.Is(err, storage.ErrQueueAlreadyExists):
		return b.queues.Get(name)
	case err == nil:
		b.logger.Info("queue created on publish", slog.String("queue", name))
		b.notify(ctx, events.QueueCreated{
			QueueName:   name,
			PendingMode: string(cfg.PendingMode),
			AutoCreated: true,
		})
	}
	return q, err
}

func (b *Broker) notify(ctx context.Context, ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, ev); err != nil {
		b.logger.Warn("event notification failed",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}

// errorReply maps a queue or storage error to a status reply.
func (b *Broker) errorReply(name string, err error) packets.Reply {
	switch {
	case errors.Is(err, storage.ErrQueueNotFound):
		b.recordError("queue_not_found")
		return status(packets.StatusQueueNotFound, name)
	case errors.Is(err, storage.ErrMessageNotFound):
		b.recordError("message_not_found")
		return status(packets.StatusMessageNotFound, name)
	case errors.Is(err, storage.ErrQueueAlreadyExists):
		return status(packets.StatusQueueExists, name)
	case errors.Is(err, queue.ErrMessageTooLarge), errors.Is(err, types.ErrInvalidConfig):
		b.stats.IncrementProtocolErrors()
		b.recordError("bad_request")
		return status(packets.StatusBadRequest, err.Error())
	}

	b.stats.IncrementInternalErrors()
	b.recordError("internal")
	b.logger.Error("request failed",
		slog.String("queue", name),
		slog.String("error", err.Error()))
	return status(packets.StatusError, err.Error())
}

func (b *Broker) recordError(kind string) {
	if b.metrics != nil {
		b.metrics.RecordError(kind)
	}
}

func status(s packets.Status, detail string) *packets.StatusReply {
	return &packets.StatusReply{Status: s, Detail: detail}
}
