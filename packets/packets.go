// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets implements the MMQP request and reply formats.
//
// Every request starts with the fixed header
//
//	MMQP|<major>.<minor>|<tag>|
//
// followed by VarBin-encoded fields separated by '|' and a trailing zero byte.
package packets

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/absmach/mmqp/codec"
	"github.com/absmach/mmqp/message"
)

// HeaderSize is the length of the fixed request header.
const HeaderSize = len(message.Marker) + 7

// Request tags.
const (
	PublishType   byte = message.CommandPub
	PollType      byte = 'P'
	LongPollType  byte = 'L'
	DeleteType    byte = 'D'
	AdminType     byte = 'A'
	PingType      byte = 'I'
	DelayedType   byte = 'T'
	StatusType    byte = 'R' // reply only
	MessagesType  byte = 'M' // reply only, shares the publish tag
	AdminRespType byte = 'A' // reply only, shares the admin tag
)

// DefaultGroup is the message group of publishes that do not carry one.
const DefaultGroup = "main"

// PacketNames maps request tags to names.
var PacketNames = map[byte]string{
	PublishType:  "PUBLISH",
	PollType:     "POLL",
	LongPollType: "LONGPOLL",
	DeleteType:   "DELETE",
	AdminType:    "ADMIN",
	PingType:     "PING",
	DelayedType:  "DELAYED",
}

// ErrMalformed indicates a request whose tag is known but whose body is not
// well formed.
var ErrMalformed = errors.New("malformed request")

// Header is the fixed part of every request.
type Header struct {
	VersionMajor uint8
	VersionMinor uint8
	Tag          byte
}

// DefaultHeader returns the header for the current protocol version.
func DefaultHeader(t byte) Header {
	return Header{VersionMajor: message.VersionMajor, VersionMinor: message.VersionMinor, Tag: t}
}

func (h Header) String() string {
	name, ok := PacketNames[h.Tag]
	if !ok {
		name = fmt.Sprintf("0x%02x", h.Tag)
	}
	return fmt.Sprintf("%s v%d.%d", name, h.VersionMajor, h.VersionMinor)
}

func (h Header) append(b []byte) []byte {
	return message.AppendHeader(b, h.VersionMajor, h.VersionMinor, h.Tag)
}

// Credentials carries the user name and password sent with a request.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) append(b []byte) []byte {
	b = codec.AppendString(b, c.Username)
	b = append(b, message.AuthSep)
	return codec.AppendString(b, c.Password)
}

func (c Credentials) size() int {
	return codec.SizeOf(c.Username) + 1 + codec.SizeOf(c.Password)
}

// Request is one parsed MMQP request. The set of implementations is closed:
// *Publish, *Delayed, *Poll, *LongPoll, *Delete, *Admin and *Ping.
type Request interface {
	// Encode serializes the request in Wire form.
	Encode() []byte

	// Type returns the request tag.
	Type() byte

	String() string

	request()
}

// Authenticated is implemented by requests that carry credentials.
type Authenticated interface {
	Request
	Auth() Credentials
}

// Parse decodes a request. Input that is too short for a header, lacks the
// MMQP marker, or carries an unknown tag is treated as a Ping. A known tag
// with a malformed body yields an error wrapping ErrMalformed and the codec
// error.
func Parse(b []byte) (Request, error) {
	h, ok := parseHeader(b)
	if !ok {
		return &Ping{Header: DefaultHeader(PingType)}, nil
	}

	d := &decoder{buf: b, pos: HeaderSize}
	var (
		req Request
		err error
	)
	switch h.Tag {
	case PublishType:
		req, err = decodePublish(h, d)
	case DelayedType:
		req, err = decodeDelayed(h, d)
	case PollType:
		req, err = decodePoll(h, d)
	case LongPollType:
		req, err = decodeLongPoll(h, d)
	case DeleteType:
		req, err = decodeDelete(h, d)
	case AdminType:
		req, err = decodeAdmin(h, d)
	default:
		return &Ping{Header: h}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, PacketNames[h.Tag], err)
	}
	return req, nil
}

func parseHeader(b []byte) (Header, bool) {
	if len(b) < HeaderSize || string(b[:len(message.Marker)]) != message.Marker {
		return Header{}, false
	}
	i := len(message.Marker) + 1
	return Header{VersionMajor: b[i], VersionMinor: b[i+2], Tag: b[i+4]}, true
}

// decoder walks a request body. Separators are skipped without inspection,
// matching the envelope decoders.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

func (d *decoder) skip() error {
	if d.remaining() < 1 {
		return codec.ErrTruncated
	}
	d.pos++
	return nil
}

func (d *decoder) str() (string, error) {
	return codec.DecodeString(d.buf, &d.pos)
}

func (d *decoder) bytes() ([]byte, error) {
	b, err := codec.DecodeBytes(d.buf, &d.pos)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (d *decoder) length() (uint64, error) {
	return codec.DecodeLength(d.buf, &d.pos)
}

const maxMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// millis decodes a length-encoded millisecond count as a duration.
func (d *decoder) millis() (time.Duration, error) {
	start := d.pos
	ms, err := d.length()
	if err != nil {
		return 0, err
	}
	if ms > maxMillis {
		d.pos = start
		return 0, codec.ErrEncodingTooLarge
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (d *decoder) auth() (Credentials, error) {
	var c Credentials
	var err error
	if c.Username, err = d.str(); err != nil {
		return Credentials{}, err
	}
	if err = d.skip(); err != nil {
		return Credentials{}, err
	}
	if c.Password, err = d.str(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// field skips a separator and decodes a string.
func (d *decoder) field() (string, error) {
	if err := d.skip(); err != nil {
		return "", err
	}
	return d.str()
}

// end consumes the trailing zero byte.
func (d *decoder) end() error {
	if d.remaining() < 1 {
		return codec.ErrTruncated
	}
	if d.buf[d.pos] != message.Terminator {
		return fmt.Errorf("%w: missing terminator", codec.ErrInvalidEncoding)
	}
	d.pos++
	return nil
}

// atEnd reports whether only the terminator, or nothing, is left.
func (d *decoder) atEnd() bool {
	r := d.remaining()
	return r == 0 || (r == 1 && d.buf[d.pos] == message.Terminator)
}
