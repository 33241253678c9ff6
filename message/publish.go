// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"fmt"
	"time"

	"github.com/absmach/mmqp/codec"
)

// publishFixedSize counts the marker, version, command, separators and the
// trailing zero byte of a Publish envelope.
const publishFixedSize = 16

// Publish is the envelope a client sends to put a message on a queue.
type Publish struct {
	VersionMajor uint8
	VersionMinor uint8
	Username     string
	Password     string
	TargetQueue  string
	Message      string
	MessageGroup string
}

// NewPublish returns a Publish for the current protocol version.
func NewPublish(queue, msg, group string) Publish {
	return Publish{
		VersionMajor: VersionMajor,
		VersionMinor: VersionMinor,
		TargetQueue:  queue,
		Message:      msg,
		MessageGroup: group,
	}
}

// Size returns the Wire length of the envelope.
func (p Publish) Size() int {
	return publishFixedSize +
		codec.SizeOf(p.Username) +
		codec.SizeOf(p.Password) +
		codec.SizeOf(p.TargetQueue) +
		codec.SizeOf(p.MessageGroup) +
		codec.SizeOf(p.Message)
}

// Serialize encodes the envelope:
//
//	MMQP|<maj>.<min>|M|<user>:<pass>|<queue>|<group>|<message>\0
func (p Publish) Serialize(s Strategy) []byte {
	b := make([]byte, 0, p.Size())
	b = AppendHeader(b, p.VersionMajor, p.VersionMinor, CommandPub)
	b = codec.AppendString(b, p.Username)
	b = append(b, AuthSep)
	b = codec.AppendString(b, p.Password)
	b = append(b, Separator)
	b = codec.AppendString(b, p.TargetQueue)
	b = append(b, Separator)
	b = codec.AppendString(b, p.MessageGroup)
	b = append(b, Separator)
	b = codec.AppendString(b, p.Message)
	b = append(b, Terminator)
	return frame(b, s)
}

// DecodePublish decodes a Publish envelope at *cursor. With the Storage
// strategy the length prefix is consumed first and must match the envelope.
// The cursor only moves on success.
func DecodePublish(buf []byte, cursor *int, s Strategy) (Publish, error) {
	start := *cursor
	end, err := unframe(buf, &start, s)
	if err != nil {
		return Publish{}, err
	}

	r := &reader{buf: buf, pos: start}
	if end >= 0 {
		r.buf = buf[:end]
	}
	var p Publish
	var cmd byte
	p.VersionMajor, p.VersionMinor, cmd, err = readHeader(r)
	if err != nil {
		return Publish{}, err
	}
	if cmd != CommandPub {
		return Publish{}, fmt.Errorf("%w: %q", ErrBadCommand, cmd)
	}
	if p.Username, err = r.readString(); err != nil {
		return Publish{}, err
	}
	if err := r.skip(1); err != nil {
		return Publish{}, err
	}
	if p.Password, err = r.readString(); err != nil {
		return Publish{}, err
	}
	if err := r.skip(1); err != nil {
		return Publish{}, err
	}
	if p.TargetQueue, err = r.readString(); err != nil {
		return Publish{}, err
	}
	if err := r.skip(1); err != nil {
		return Publish{}, err
	}
	if p.MessageGroup, err = r.readString(); err != nil {
		return Publish{}, err
	}
	if err := r.skip(1); err != nil {
		return Publish{}, err
	}
	if p.Message, err = r.readString(); err != nil {
		return Publish{}, err
	}
	if err := r.skip(1); err != nil {
		return Publish{}, err
	}
	if err := checkEnd(end, r.pos); err != nil {
		return Publish{}, err
	}

	*cursor = r.pos
	return p, nil
}

// Normalize converts the envelope into a Normalized message received at now,
// available immediately and carrying a fresh random ID.
func (p Publish) Normalize(now time.Time) (Normalized, error) {
	id, err := NewID()
	if err != nil {
		return Normalized{}, err
	}
	ts := FromTime(now)
	return Normalized{
		ID:            id,
		Message:       p.Message,
		GroupID:       p.MessageGroup,
		ReceivedTime:  ts,
		AvailableTime: ts,
		ReceiveCount:  0,
	}, nil
}

// AppendHeader writes the fixed request header MMQP|<maj>.<min>|<cmd>|.
func AppendHeader(b []byte, major, minor, cmd byte) []byte {
	b = append(b, Marker...)
	return append(b, Separator, major, VersionDot, minor, Separator, cmd, Separator)
}

// readHeader validates the marker and returns version and command tag,
// leaving the reader after the separator that follows the tag.
func readHeader(r *reader) (major, minor, cmd byte, err error) {
	marker, err := r.readBytes(len(Marker))
	if err != nil {
		return 0, 0, 0, err
	}
	if string(marker) != Marker {
		return 0, 0, 0, ErrBadMarker
	}
	if err = r.skip(1); err != nil {
		return 0, 0, 0, err
	}
	if major, err = r.readByte(); err != nil {
		return 0, 0, 0, err
	}
	if err = r.skip(1); err != nil {
		return 0, 0, 0, err
	}
	if minor, err = r.readByte(); err != nil {
		return 0, 0, 0, err
	}
	if err = r.skip(1); err != nil {
		return 0, 0, 0, err
	}
	if cmd, err = r.readByte(); err != nil {
		return 0, 0, 0, err
	}
	if err = r.skip(1); err != nil {
		return 0, 0, 0, err
	}
	return major, minor, cmd, nil
}
