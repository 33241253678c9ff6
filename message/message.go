// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the two MMQP envelope shapes: the Publish envelope
// clients send over the wire and the Normalized envelope queues store and
// deliver.
package message

import (
	"errors"
	"fmt"

	"github.com/absmach/mmqp/codec"
)

// Strategy selects how an envelope is framed when serialized.
type Strategy uint8

const (
	// Wire emits the raw envelope with no outer length prefix.
	Wire Strategy = iota
	// Storage prefixes the envelope with its encoded length so envelopes can
	// be concatenated and re-located in a larger buffer.
	Storage
)

func (s Strategy) String() string {
	switch s {
	case Wire:
		return "wire"
	case Storage:
		return "storage"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Protocol constants shared by envelopes and requests.
const (
	Marker     = "MMQP"
	Separator  = '|'
	VersionDot = '.'
	AuthSep    = ':'
	Terminator = 0x00
	CommandPub = 'M'

	VersionMajor uint8 = 0
	VersionMinor uint8 = 1
)

var (
	// ErrBadMarker is returned when an envelope does not start with MMQP.
	ErrBadMarker = errors.New("missing MMQP marker")

	// ErrBadCommand is returned when a Publish envelope carries another tag.
	ErrBadCommand = errors.New("unexpected command tag")

	// ErrLengthMismatch is returned when a Storage prefix disagrees with the
	// number of bytes the envelope actually used.
	ErrLengthMismatch = errors.New("storage length prefix mismatch")

	// ErrTimestampOverflow is returned for timestamps that do not fit 64 bits.
	ErrTimestampOverflow = errors.New("timestamp exceeds 64 bits")
)

// Envelope is implemented by Publish and Normalized.
type Envelope interface {
	Serialize(s Strategy) []byte
	Size() int
}

// Decoder decodes one envelope at *cursor.
type Decoder[T Envelope] func(buf []byte, cursor *int, s Strategy) (T, error)

// frame applies the Storage prefix to a wire body.
func frame(body []byte, s Strategy) []byte {
	if s != Storage {
		return body
	}
	out := codec.AppendLength(make([]byte, 0, codec.SizeOfLength(uint64(len(body)))+len(body)), uint64(len(body)))
	return append(out, body...)
}

// unframe consumes a Storage prefix when present and returns the absolute
// index the envelope must end at, or -1 for Wire.
func unframe(buf []byte, cursor *int, s Strategy) (int, error) {
	if s != Storage {
		return -1, nil
	}
	pos := *cursor
	n, err := codec.DecodeLength(buf, &pos)
	if err != nil {
		return 0, err
	}
	if uint64(len(buf)-pos) < n {
		return 0, codec.ErrTruncated
	}
	*cursor = pos
	return pos + int(n), nil
}

func checkEnd(end, cursor int) error {
	if end >= 0 && end != cursor {
		return fmt.Errorf("%w: expected end %d, got %d", ErrLengthMismatch, end, cursor)
	}
	return nil
}

// reader is a bounds-checked cursor over an envelope.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) need(n int) error {
	if n < 0 || len(r.buf)-r.pos < n {
		return codec.ErrTruncated
	}
	return nil
}

func (r *reader) skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

func (r *reader) readByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) readString() (string, error) {
	return codec.DecodeString(r.buf, &r.pos)
}
