// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/absmach/mmqp/message"
	"github.com/absmach/mmqp/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusReplyLayout(t *testing.T) {
	r := &packets.StatusReply{Status: packets.StatusQueueNotFound, Detail: "q1"}
	assert.Equal(t, []byte("MMQP|0.1|R|QUEUE_NOT_FOUND|q1|\x00"), r.Encode())
	assert.Equal(t, "QUEUE_NOT_FOUND: q1", r.Error())
}

func TestReplyHeadersAreASCII(t *testing.T) {
	cases := []struct {
		desc   string
		reply  packets.Reply
		prefix string
	}{
		{desc: "status", reply: &packets.StatusReply{Status: packets.StatusOK}, prefix: "MMQP|0.1|R|"},
		{desc: "messages", reply: &packets.MessagesReply{}, prefix: "MMQP|0.1|M|"},
		{desc: "admin", reply: &packets.AdminReply{Text: "orders"}, prefix: "MMQP|0.1|A|"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.True(t, bytes.HasPrefix(tc.reply.Encode(), []byte(tc.prefix)))
		})
	}

	assert.Equal(t, []byte("MMQP|0.1|M|\x00"), (&packets.MessagesReply{}).Encode())
}

func TestParseReplyDocumentedFormat(t *testing.T) {
	got, err := packets.ParseReply([]byte("MMQP|0.1|R|QUEUE_NOT_FOUND|orders|\x00"))
	require.NoError(t, err)
	assert.Equal(t, &packets.StatusReply{Status: packets.StatusQueueNotFound, Detail: "orders"}, got)
}

func TestReplyRoundTrip(t *testing.T) {
	n1, err := message.NewPublish("q", "first", "g").Normalize(time.UnixMilli(1_700_000_000_000))
	require.NoError(t, err)
	n2, err := message.NewPublish("q", "second", "").Normalize(time.UnixMilli(1_700_000_000_001))
	require.NoError(t, err)
	n2.ReceiveCount = 2

	cases := []struct {
		desc  string
		reply packets.Reply
	}{
		{desc: "ok", reply: &packets.StatusReply{Status: packets.StatusOK, Detail: ""}},
		{desc: "detail with separator", reply: &packets.StatusReply{Status: packets.StatusError, Detail: "a|b"}},
		{desc: "messages", reply: &packets.MessagesReply{Messages: []message.Normalized{n1, n2}}},
		{desc: "no messages", reply: &packets.MessagesReply{}},
		{desc: "admin", reply: &packets.AdminReply{Text: "orders\naudit"}},
		{desc: "pong", reply: &packets.Pong{}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := packets.ParseReply(tc.reply.Encode())
			require.NoError(t, err)
			assert.Equal(t, tc.reply, got)
		})
	}
}

func TestParseReplyErrors(t *testing.T) {
	msgs := (&packets.MessagesReply{Messages: []message.Normalized{{Message: "x"}}}).Encode()

	cases := []struct {
		desc string
		buf  []byte
	}{
		{desc: "garbage", buf: []byte("nope")},
		{desc: "unterminated status", buf: []byte("MMQP|0.1|R|OK")},
		{desc: "binary version", buf: []byte("MMQP|\x00.\x01|R|OK||\x00")},
		{desc: "truncated messages", buf: msgs[:len(msgs)-5]},
		{desc: "unknown tag", buf: []byte("MMQP|0.1|Q|\x00")},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := packets.ParseReply(tc.buf)
			assert.ErrorIs(t, err, packets.ErrBadReply)
		})
	}
}
