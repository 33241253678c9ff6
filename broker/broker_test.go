// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mmqp/broker/events"
	"github.com/absmach/mmqp/message"
	"github.com/absmach/mmqp/packets"
	"github.com/absmach/mmqp/queue"
	"github.com/absmach/mmqp/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anon = packets.Credentials{}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBroker(t *testing.T, cfg Config, queues ...string) (*Broker, *clock) {
	t.Helper()

	clk := newClock()
	m := queue.NewManager(queue.Config{Clock: clk.Now})
	for _, name := range queues {
		_, err := m.Create(types.DefaultQueueConfig(name))
		require.NoError(t, err)
	}
	return New(m, cfg), clk
}

func handle(t *testing.T, b *Broker, req packets.Request) packets.Reply {
	t.Helper()

	reply, err := packets.ParseReply(b.Handle(context.Background(), req.Encode()))
	require.NoError(t, err)
	return reply
}

func requireStatus(t *testing.T, reply packets.Reply, want packets.Status) *packets.StatusReply {
	t.Helper()

	st, ok := reply.(*packets.StatusReply)
	require.True(t, ok, "expected *StatusReply, got %T", reply)
	require.Equal(t, want, st.Status, st.Error())
	return st
}

func requireMessages(t *testing.T, reply packets.Reply) []message.Normalized {
	t.Helper()

	msgs, ok := reply.(*packets.MessagesReply)
	require.True(t, ok, "expected *MessagesReply, got %T", reply)
	return msgs.Messages
}

func TestPublishPoll(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, "q1")

	st := requireStatus(t, handle(t, b, packets.NewPublish(anon, "q1", "hello", "g")), packets.StatusOK)
	id, err := message.ParseID(st.Detail)
	require.NoError(t, err)

	msgs := requireMessages(t, handle(t, b, packets.NewPoll(anon, "q1", 10)))
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Message)
	assert.Equal(t, "g", msgs[0].GroupID)
	assert.Equal(t, uint32(1), msgs[0].ReceiveCount)

	assert.Empty(t, requireMessages(t, handle(t, b, packets.NewPoll(anon, "q1", 10))))
}

func TestPollCount(t *testing.T) {
	b, _ := newTestBroker(t, Config{MaxPollCount: 3}, "q1")
	for _, body := range []string{"a", "b", "c", "d", "e"} {
		requireStatus(t, handle(t, b, packets.NewPublish(anon, "q1", body, "g")), packets.StatusOK)
	}

	msgs := requireMessages(t, handle(t, b, packets.NewPoll(anon, "q1", 2)))
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Message)
	assert.Equal(t, "b", msgs[1].Message)

	msgs = requireMessages(t, handle(t, b, packets.NewPoll(anon, "q1", 100)))
	assert.Len(t, msgs, 3, "count is capped by the broker limit")
}

func TestUnknownQueue(t *testing.T) {
	b, _ := newTestBroker(t, Config{})

	cases := []struct {
		desc string
		req  packets.Request
	}{
		{desc: "publish", req: packets.NewPublish(anon, "missing", "x", "g")},
		{desc: "delayed", req: packets.NewDelayed(anon, "missing", "x", "g", time.Second)},
		{desc: "poll", req: packets.NewPoll(anon, "missing", 1)},
		{desc: "long poll", req: packets.NewLongPoll(anon, "missing", 1, time.Second)},
		{desc: "delete", req: packets.NewDelete(anon, "missing", message.ID{})},
		{desc: "flush", req: packets.NewAdmin(anon, packets.ActionFlush, "missing", "")},
		{desc: "stats", req: packets.NewAdmin(anon, packets.ActionStats, "missing", "")},
		{desc: "admin delete", req: packets.NewAdmin(anon, packets.ActionDelete, "missing", "")},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			st := requireStatus(t, handle(t, b, tc.req), packets.StatusQueueNotFound)
			assert.Equal(t, "missing", st.Detail)
		})
	}
}

func TestAutoCreateQueues(t *testing.T) {
	b, _ := newTestBroker(t, Config{AutoCreateQueues: true})

	requireStatus(t, handle(t, b, packets.NewPublish(anon, "fresh", "x", "g")), packets.StatusOK)
	assert.Equal(t, []string{"fresh"}, b.Queues().List())

	requireStatus(t, handle(t, b, packets.NewPoll(anon, "other", 1)), packets.StatusQueueNotFound)
}

func TestDelayedPublish(t *testing.T) {
	b, clk := newTestBroker(t, Config{}, "q1")

	requireStatus(t, handle(t, b, packets.NewDelayed(anon, "q1", "later", "g", 2*time.Second)), packets.StatusOK)
	requireStatus(t, handle(t, b, packets.NewPublish(anon, "q1", "now", "g")), packets.StatusOK)

	msgs := requireMessages(t, handle(t, b, packets.NewPoll(anon, "q1", 10)))
	require.Len(t, msgs, 1)
	assert.Equal(t, "now", msgs[0].Message)

	clk.Advance(2 * time.Second)
	msgs = requireMessages(t, handle(t, b, packets.NewPoll(anon, "q1", 10)))
	require.Len(t, msgs, 1)
	assert.Equal(t, "later", msgs[0].Message)
	assert.Equal(t, msgs[0].ReceivedTime+2000, msgs[0].AvailableTime)
}

func TestLongPoll(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, "q1")

	done := make(chan []message.Normalized)
	go func() {
		reply, err := packets.ParseReply(b.Handle(context.Background(), packets.NewLongPoll(anon, "q1", 5, 5*time.Second).Encode()))
		if err != nil {
			done <- nil
			return
		}
		done <- reply.(*packets.MessagesReply).Messages
	}()

	time.Sleep(50 * time.Millisecond)
	requireStatus(t, handle(t, b, packets.NewPublish(anon, "q1", "wake", "g")), packets.StatusOK)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, "wake", msgs[0].Message)
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not return after publish")
	}
}

func TestLongPollTimeout(t *testing.T) {
	b, _ := newTestBroker(t, Config{MaxLongPollWait: 50 * time.Millisecond}, "q1")

	start := time.Now()
	msgs := requireMessages(t, handle(t, b, packets.NewLongPoll(anon, "q1", 1, time.Hour)))
	assert.Empty(t, msgs)
	assert.Less(t, time.Since(start), time.Second, "wait is capped by the broker limit")
}

func TestLongPollCanceled(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, "q1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	reply, err := packets.ParseReply(b.Handle(ctx, packets.NewLongPoll(anon, "q1", 1, 10*time.Second).Encode()))
	require.NoError(t, err)
	assert.Empty(t, requireMessages(t, reply))
}

func TestDelete(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, "q1")
	requireStatus(t, handle(t, b, packets.NewPublish(anon, "q1", "x", "g")), packets.StatusOK)

	msgs := requireMessages(t, handle(t, b, packets.NewPoll(anon, "q1", 1)))
	require.Len(t, msgs, 1)
	id := msgs[0].ID

	requireStatus(t, handle(t, b, packets.NewDelete(anon, "q1", id)), packets.StatusOK)
	requireStatus(t, handle(t, b, packets.NewDelete(anon, "q1", id)), packets.StatusMessageNotFound)
	assert.Equal(t, uint64(1), b.Stats().GetMessagesDeleted())
}

func TestAdmin(t *testing.T) {
	b, clk := newTestBroker(t, Config{})

	requireStatus(t, handle(t, b, packets.NewAdmin(anon, packets.ActionCreate, "orders", "push")), packets.StatusOK)
	requireStatus(t, handle(t, b, packets.NewAdmin(anon, packets.ActionCreate, "audit", "")), packets.StatusOK)
	requireStatus(t, handle(t, b, packets.NewAdmin(anon, packets.ActionCreate, "orders", "")), packets.StatusQueueExists)
	requireStatus(t, handle(t, b, packets.NewAdmin(anon, packets.ActionCreate, "bad", "sideways")), packets.StatusBadRequest)
	requireStatus(t, handle(t, b, packets.NewAdmin(anon, packets.ActionCreate, "", "")), packets.StatusBadRequest)

	list := handle(t, b, packets.NewAdmin(anon, packets.ActionList, "", ""))
	assert.Equal(t, &packets.AdminReply{Text: "audit\norders"}, list)

	q, err := b.Queues().Get("orders")
	require.NoError(t, err)
	assert.Equal(t, types.PendingPush, q.Config().PendingMode)

	requireStatus(t, handle(t, b, packets.NewDelayed(anon, "orders", "x", "g", time.Second)), packets.StatusOK)
	stats := handle(t, b, packets.NewAdmin(anon, packets.ActionStats, "orders", ""))
	assert.Equal(t, &packets.AdminReply{Text: "orders mode=push ready=0 deferred=1 in_flight=0 arenas=4"}, stats)

	clk.Advance(time.Second)
	flushed := handle(t, b, packets.NewAdmin(anon, packets.ActionFlush, "orders", ""))
	assert.Equal(t, &packets.AdminReply{Text: "flushed 1"}, flushed)

	all := handle(t, b, packets.NewAdmin(anon, packets.ActionStats, "", ""))
	assert.Equal(t, &packets.AdminReply{Text: "audit mode=read ready=0 deferred=0 in_flight=0 arenas=4\n" +
		"orders mode=push ready=1 deferred=0 in_flight=0 arenas=4"}, all)

	requireStatus(t, handle(t, b, packets.NewAdmin(anon, packets.ActionDelete, "orders", "")), packets.StatusOK)
	assert.Equal(t, []string{"audit"}, b.Queues().List())

	requireStatus(t, handle(t, b, packets.NewAdmin(anon, "purge", "audit", "")), packets.StatusBadRequest)
}

func TestAuthentication(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)

	auth := NewFileAuthenticator(map[string]string{"alice": hash})
	b, _ := newTestBroker(t, Config{Auth: auth}, "q1")

	alice := packets.Credentials{Username: "alice", Password: "secret"}
	cases := []struct {
		desc  string
		req   packets.Request
		want  packets.Status
		reply bool
	}{
		{desc: "valid", req: packets.NewPublish(alice, "q1", "x", "g"), want: packets.StatusOK},
		{desc: "wrong password", req: packets.NewPublish(packets.Credentials{Username: "alice", Password: "nope"}, "q1", "x", "g"), want: packets.StatusUnauthorized},
		{desc: "unknown user", req: packets.NewPoll(packets.Credentials{Username: "bob", Password: "secret"}, "q1", 1), want: packets.StatusUnauthorized},
		{desc: "anonymous admin", req: packets.NewAdmin(anon, packets.ActionList, "", ""), want: packets.StatusUnauthorized},
		{desc: "unauthorized before queue lookup", req: packets.NewPoll(anon, "missing", 1), want: packets.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			requireStatus(t, handle(t, b, tc.req), tc.want)
		})
	}

	_, isPong := handle(t, b, packets.NewPing()).(*packets.Pong)
	assert.True(t, isPong, "ping needs no credentials")
	assert.Equal(t, uint64(4), b.Stats().GetAuthErrors())
}

func TestMalformedRequest(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, "q1")

	raw := packets.NewPoll(anon, "q1", 1).Encode()
	reply, err := packets.ParseReply(b.Handle(context.Background(), raw[:len(raw)-2]))
	require.NoError(t, err)
	requireStatus(t, reply, packets.StatusBadRequest)
	assert.Equal(t, uint64(1), b.Stats().GetProtocolErrors())
}

func TestPing(t *testing.T) {
	b, _ := newTestBroker(t, Config{})

	assert.Equal(t, []byte(packets.PongResponse), b.Handle(context.Background(), packets.NewPing().Encode()))
	assert.Equal(t, []byte(packets.PongResponse), b.Handle(context.Background(), []byte("GET / HTTP/1.1\r\n\r\n")))
}

func TestMessageTooLarge(t *testing.T) {
	b, _ := newTestBroker(t, Config{MaxMessageSize: 1024, AutoCreateQueues: true})

	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}
	requireStatus(t, handle(t, b, packets.NewPublish(anon, "small", string(big), "g")), packets.StatusBadRequest)
	requireStatus(t, handle(t, b, packets.NewPublish(anon, "small", "fits", "g")), packets.StatusOK)
}

type denyAll struct{}

func (denyAll) AllowPublish(string) bool { return false }
func (denyAll) AllowPoll(string) bool    { return false }

func TestRateLimited(t *testing.T) {
	b, _ := newTestBroker(t, Config{RateLimiter: denyAll{}}, "q1")

	requireStatus(t, handle(t, b, packets.NewPublish(anon, "q1", "x", "g")), packets.StatusRateLimited)
	requireStatus(t, handle(t, b, packets.NewPoll(anon, "q1", 1)), packets.StatusRateLimited)
	assert.Equal(t, uint64(2), b.Stats().GetRateLimited())
}

func TestStats(t *testing.T) {
	b, _ := newTestBroker(t, Config{}, "q1")

	b.OnConnect("tcp")
	requireStatus(t, handle(t, b, packets.NewPublish(anon, "q1", "a", "g")), packets.StatusOK)
	requireStatus(t, handle(t, b, packets.NewPublish(anon, "q1", "b", "g")), packets.StatusOK)
	requireMessages(t, handle(t, b, packets.NewPoll(anon, "q1", 10)))
	b.OnDisconnect()

	s := b.Stats()
	assert.Equal(t, uint64(3), s.GetRequests())
	assert.Equal(t, uint64(2), s.GetMessagesPublished())
	assert.Equal(t, uint64(2), s.GetMessagesDelivered())
	assert.Equal(t, uint64(1), s.GetTotalConnections())
	assert.Equal(t, uint64(0), s.GetCurrentConnections())
	assert.NotZero(t, s.GetBytesReceived())
	assert.NotZero(t, s.GetBytesSent())
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(_ context.Context, ev any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.(events.Event))
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		ret = append(ret, ev.Type())
	}
	return ret
}

func TestNotifications(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)

	rec := &recorder{}
	b, _ := newTestBroker(t, Config{
		Auth:             NewFileAuthenticator(map[string]string{"alice": hash}),
		AutoCreateQueues: true,
		Notifier:         rec,
	})
	alice := packets.Credentials{Username: "alice", Password: "secret"}

	requireStatus(t, handle(t, b, packets.NewAdmin(alice, packets.ActionCreate, "orders", "push")), packets.StatusOK)
	requireStatus(t, handle(t, b, packets.NewPublish(alice, "jobs", "body", "g1")), packets.StatusOK)
	msgs := requireMessages(t, handle(t, b, packets.NewPoll(alice, "jobs", 1)))
	require.Len(t, msgs, 1)
	requireStatus(t, handle(t, b, packets.NewDelete(alice, "jobs", msgs[0].ID)), packets.StatusOK)
	requireStatus(t, handle(t, b, packets.NewAdmin(alice, packets.ActionDelete, "orders", "")), packets.StatusOK)
	requireStatus(t, handle(t, b, packets.NewPoll(packets.Credentials{Username: "eve"}, "jobs", 1)), packets.StatusUnauthorized)

	assert.Equal(t, []string{
		events.TypeQueueCreated,
		events.TypeQueueCreated,
		events.TypeMessagePublished,
		events.TypeMessageDeleted,
		events.TypeQueueDeleted,
		events.TypeAuthFailed,
	}, rec.kinds())

	created := rec.events[1].(events.QueueCreated)
	assert.Equal(t, "jobs", created.QueueName)
	assert.True(t, created.AutoCreated)

	published := rec.events[2].(events.MessagePublished)
	assert.Equal(t, msgs[0].ID.String(), published.MessageID)
	assert.Equal(t, "g1", published.GroupID)
	assert.Equal(t, "body", published.Payload)
	assert.Equal(t, "alice", published.Username)

	assert.Equal(t, events.AuthFailed{Username: "eve", Request: packets.PacketNames[packets.PollType]}, rec.events[5])
}
