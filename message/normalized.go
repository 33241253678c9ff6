// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/absmach/mmqp/codec"
)

const (
	// IDSize is the length of a message ID in bytes.
	IDSize = 64

	timestampSize    = 16
	receiveCountSize = 4

	// normalizedFixedSize covers the ID, both timestamps, the receive count
	// and the trailing zero byte.
	normalizedFixedSize = IDSize + 2*timestampSize + receiveCountSize + 1
)

// ID is an opaque 64-byte message identifier.
type ID [IDSize]byte

// NewID returns a random ID.
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	return id, nil
}

// String returns the URL-safe base64 form used by clients to refer to a
// message.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID decodes the output of ID.String or the raw 64 bytes.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) == IDSize {
		copy(id[:], s)
		return id, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", codec.ErrInvalidEncoding, err)
	}
	if len(b) != IDSize {
		return ID{}, fmt.Errorf("%w: id must be %d bytes, got %d", codec.ErrInvalidEncoding, IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Millis is a timestamp in milliseconds since the Unix epoch. It travels as
// a 128-bit big-endian integer.
type Millis uint64

// FromTime converts t to Millis.
func FromTime(t time.Time) Millis {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return Millis(ms)
}

// Time converts m back to a time.Time.
func (m Millis) Time() time.Time {
	return time.UnixMilli(int64(m))
}

func appendMillis(b []byte, m Millis) []byte {
	b = append(b, make([]byte, timestampSize-8)...)
	return binary.BigEndian.AppendUint64(b, uint64(m))
}

func readMillis(r *reader) (Millis, error) {
	raw, err := r.readBytes(timestampSize)
	if err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint64(raw[:8]) != 0 {
		return 0, ErrTimestampOverflow
	}
	return Millis(binary.BigEndian.Uint64(raw[8:])), nil
}

// Normalized is the queue's internal form of a message.
type Normalized struct {
	ID            ID
	Message       string
	GroupID       string
	ReceivedTime  Millis
	AvailableTime Millis
	ReceiveCount  uint32
}

// Size returns the Wire length of the envelope.
func (n Normalized) Size() int {
	return normalizedFixedSize + codec.SizeOf(n.GroupID) + codec.SizeOf(n.Message)
}

// Serialize encodes the envelope: ID, received time, available time,
// receive count, group, message and a trailing zero byte.
func (n Normalized) Serialize(s Strategy) []byte {
	b := make([]byte, 0, n.Size())
	b = append(b, n.ID[:]...)
	b = appendMillis(b, n.ReceivedTime)
	b = appendMillis(b, n.AvailableTime)
	b = binary.BigEndian.AppendUint32(b, n.ReceiveCount)
	b = codec.AppendString(b, n.GroupID)
	b = codec.AppendString(b, n.Message)
	b = append(b, Terminator)
	return frame(b, s)
}

// Delayed returns a copy of n that becomes available d after it was received.
func (n Normalized) Delayed(d time.Duration) Normalized {
	if d > 0 {
		n.AvailableTime = n.ReceivedTime + Millis(d.Milliseconds())
	}
	return n
}

// AvailableAt reports whether n may be delivered at now.
func (n Normalized) AvailableAt(now time.Time) bool {
	return n.AvailableTime <= FromTime(now)
}

// DecodeNormalized decodes a Normalized envelope at *cursor. With the
// Storage strategy the length prefix is always consumed before the fixed
// fields. The cursor only moves on success.
func DecodeNormalized(buf []byte, cursor *int, s Strategy) (Normalized, error) {
	start := *cursor
	end, err := unframe(buf, &start, s)
	if err != nil {
		return Normalized{}, err
	}

	r := &reader{buf: buf, pos: start}
	if end >= 0 {
		r.buf = buf[:end]
	}

	var n Normalized
	id, err := r.readBytes(IDSize)
	if err != nil {
		return Normalized{}, err
	}
	copy(n.ID[:], id)
	if n.ReceivedTime, err = readMillis(r); err != nil {
		return Normalized{}, err
	}
	if n.AvailableTime, err = readMillis(r); err != nil {
		return Normalized{}, err
	}
	count, err := r.readBytes(receiveCountSize)
	if err != nil {
		return Normalized{}, err
	}
	n.ReceiveCount = binary.BigEndian.Uint32(count)
	if n.GroupID, err = r.readString(); err != nil {
		return Normalized{}, err
	}
	if n.Message, err = r.readString(); err != nil {
		return Normalized{}, err
	}
	if err := r.skip(1); err != nil {
		return Normalized{}, err
	}
	if err := checkEnd(end, r.pos); err != nil {
		return Normalized{}, err
	}

	*cursor = r.pos
	return n, nil
}
