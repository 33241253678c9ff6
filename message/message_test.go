// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message_test

import (
	"strings"
	"testing"
	"time"

	"github.com/absmach/mmqp/codec"
	"github.com/absmach/mmqp/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPublish() message.Publish {
	return message.Publish{
		VersionMajor: 0,
		VersionMinor: 1,
		Username:     "testusername",
		Password:     "testpassword",
		TargetQueue:  "testqueue",
		Message:      "this is a message",
		MessageGroup: "mainmessagegroup",
	}
}

func testNormalized(t *testing.T) message.Normalized {
	t.Helper()
	n, err := testPublish().Normalize(time.UnixMilli(1_700_000_000_000))
	require.NoError(t, err)
	n.ReceiveCount = 3
	return n
}

func TestPublishRoundTrip(t *testing.T) {
	cases := []struct {
		desc string
		msg  message.Publish
	}{
		{desc: "full envelope", msg: testPublish()},
		{desc: "empty credentials and group", msg: message.NewPublish("q1", "hello", "")},
		{desc: "large message", msg: message.NewPublish("q1", strings.Repeat("m", 70000), "g")},
		{desc: "UTF-8 fields", msg: message.NewPublish("очередь", "héllo 世界", "群")},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			wire := tc.msg.Serialize(message.Wire)
			assert.Equal(t, tc.msg.Size(), len(wire))

			cursor := 0
			decoded, err := message.DecodePublish(wire, &cursor, message.Wire)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, decoded)
			assert.Equal(t, len(wire), cursor)

			stored := tc.msg.Serialize(message.Storage)
			assert.Equal(t, codec.SizeOfLength(uint64(len(wire)))+len(wire), len(stored))

			cursor = 0
			decoded, err = message.DecodePublish(stored, &cursor, message.Storage)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, decoded)
			assert.Equal(t, len(stored), cursor)
		})
	}
}

func TestPublishWireLayout(t *testing.T) {
	p := message.Publish{VersionMajor: 0, VersionMinor: 1, TargetQueue: "q", Message: "hi", MessageGroup: "g"}
	want := []byte("MMQP|")
	want = append(want, 0, '.', 1)
	want = append(want, "|M|"...)
	want = append(want, 0, ':', 0, '|', 1, 1, 'q', '|', 1, 1, 'g', '|', 1, 2, 'h', 'i', 0)
	assert.Equal(t, want, p.Serialize(message.Wire))
}

func TestDecodePublishErrors(t *testing.T) {
	wire := testPublish().Serialize(message.Wire)

	cases := []struct {
		desc string
		buf  []byte
		err  error
	}{
		{desc: "empty buffer", buf: nil, err: codec.ErrTruncated},
		{desc: "header only", buf: wire[:11], err: codec.ErrTruncated},
		{desc: "missing trailing zero", buf: wire[:len(wire)-1], err: codec.ErrTruncated},
		{desc: "bad marker", buf: append([]byte("XXXX"), wire[4:]...), err: message.ErrBadMarker},
		{desc: "wrong command", buf: func() []byte {
			b := append([]byte(nil), wire...)
			b[9] = 'P'
			return b
		}(), err: message.ErrBadCommand},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cursor := 0
			_, err := message.DecodePublish(tc.buf, &cursor, message.Wire)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, 0, cursor)
		})
	}
}

func TestNormalizeFillsFields(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	p := testPublish()

	n1, err := p.Normalize(now)
	require.NoError(t, err)
	n2, err := p.Normalize(now)
	require.NoError(t, err)

	assert.Equal(t, p.Message, n1.Message)
	assert.Equal(t, p.MessageGroup, n1.GroupID)
	assert.Equal(t, message.Millis(1_700_000_000_123), n1.ReceivedTime)
	assert.Equal(t, n1.ReceivedTime, n1.AvailableTime)
	assert.Zero(t, n1.ReceiveCount)
	assert.False(t, n1.ID.IsZero())
	assert.NotEqual(t, n1.ID, n2.ID)
}

func TestNormalizedRoundTrip(t *testing.T) {
	n := testNormalized(t)

	wire := n.Serialize(message.Wire)
	assert.Equal(t, n.Size(), len(wire))

	cursor := 0
	decoded, err := message.DecodeNormalized(wire, &cursor, message.Wire)
	require.NoError(t, err)
	assert.Equal(t, n, decoded)
	assert.Equal(t, len(wire), cursor)

	stored := n.Serialize(message.Storage)
	cursor = 0
	decoded, err = message.DecodeNormalized(stored, &cursor, message.Storage)
	require.NoError(t, err)
	assert.Equal(t, n, decoded)
	assert.Equal(t, len(stored), cursor)
}

func TestNormalizedConcatenation(t *testing.T) {
	first := testNormalized(t)
	second := testNormalized(t).Delayed(5 * time.Second)
	second.Message = strings.Repeat("second", 100)

	buf := first.Serialize(message.Storage)
	buf = append(buf, second.Serialize(message.Storage)...)

	cursor := 0
	got1, err := message.DecodeNormalized(buf, &cursor, message.Storage)
	require.NoError(t, err)
	got2, err := message.DecodeNormalized(buf, &cursor, message.Storage)
	require.NoError(t, err)

	assert.Equal(t, first, got1)
	assert.Equal(t, second, got2)
	assert.Equal(t, len(buf), cursor)
}

func TestDecodeNormalizedErrors(t *testing.T) {
	n := testNormalized(t)
	wire := n.Serialize(message.Wire)

	cursor := 0
	_, err := message.DecodeNormalized(wire[:50], &cursor, message.Wire)
	assert.ErrorIs(t, err, codec.ErrTruncated)

	overflow := append([]byte(nil), wire...)
	overflow[message.IDSize] = 1
	_, err = message.DecodeNormalized(overflow, &cursor, message.Wire)
	assert.ErrorIs(t, err, message.ErrTimestampOverflow)

	stored := n.Serialize(message.Storage)
	_, err = message.DecodeNormalized(stored[:len(stored)-3], &cursor, message.Storage)
	assert.ErrorIs(t, err, codec.ErrTruncated)

	// Prefix claims one byte more than the envelope uses.
	padded := codec.EncodeLength(uint64(len(wire) + 1))
	padded = append(padded, wire...)
	padded = append(padded, 0)
	_, err = message.DecodeNormalized(padded, &cursor, message.Storage)
	assert.ErrorIs(t, err, message.ErrLengthMismatch)
	assert.Equal(t, 0, cursor)
}

func TestDelayed(t *testing.T) {
	n := testNormalized(t)
	d := n.Delayed(1500 * time.Millisecond)

	assert.Equal(t, n.ReceivedTime+1500, d.AvailableTime)
	assert.False(t, d.AvailableAt(n.ReceivedTime.Time()))
	assert.True(t, d.AvailableAt(n.ReceivedTime.Time().Add(1500*time.Millisecond)))
	assert.Equal(t, n, n.Delayed(0))
}

func TestIDString(t *testing.T) {
	id, err := message.NewID()
	require.NoError(t, err)

	parsed, err := message.ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	parsed, err = message.ParseID(string(id[:]))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = message.ParseID("not-an-id")
	assert.ErrorIs(t, err, codec.ErrInvalidEncoding)
}
