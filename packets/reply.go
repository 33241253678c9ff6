// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/mmqp/codec"
	"github.com/absmach/mmqp/internal/bufpool"
	"github.com/absmach/mmqp/message"
)

// PongResponse answers a Ping.
const PongResponse = "HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=UTF-8\r\n\r\npong"

// ErrBadReply is returned by ParseReply for unrecognized replies.
var ErrBadReply = errors.New("malformed reply")

// Status is the outcome carried by a StatusReply.
type Status string

const (
	StatusOK              Status = "OK"
	StatusQueueNotFound   Status = "QUEUE_NOT_FOUND"
	StatusUnauthorized    Status = "UNAUTHORIZED"
	StatusBadRequest      Status = "BAD_REQUEST"
	StatusMessageNotFound Status = "MESSAGE_NOT_FOUND"
	StatusQueueExists     Status = "QUEUE_EXISTS"
	StatusRateLimited     Status = "RATE_LIMITED"
	StatusError           Status = "ERROR"
)

// Reply is a broker response. The set of implementations is closed:
// *StatusReply, *MessagesReply, *AdminReply and *Pong.
type Reply interface {
	Encode() []byte
	reply()
}

// replyVersion prefixes every reply. Unlike requests, replies spell the
// version out in ASCII: MMQP|0.1|.
var replyVersion = fmt.Sprintf("%s%c%d%c%d%c",
	message.Marker, message.Separator,
	message.VersionMajor, message.VersionDot, message.VersionMinor,
	message.Separator)

func appendReplyHeader(b *bytes.Buffer, tag byte) {
	b.WriteString(replyVersion)
	b.WriteByte(tag)
	b.WriteByte(message.Separator)
}

// parseReplyHeader returns the reply tag and the offset of the body.
func parseReplyHeader(b []byte) (byte, int, bool) {
	n := len(replyVersion)
	if len(b) < n+2 || string(b[:n]) != replyVersion || b[n+1] != message.Separator {
		return 0, 0, false
	}
	return b[n], n + 2, true
}

// StatusReply reports the outcome of a request:
//
//	MMQP|0.1|R|<STATUS>|<detail>|\0
type StatusReply struct {
	Status Status
	Detail string
}

func (r *StatusReply) Encode() []byte {
	return bufpool.Build(func(b *bytes.Buffer) {
		appendReplyHeader(b, StatusType)
		b.WriteString(string(r.Status))
		b.WriteByte(message.Separator)
		b.WriteString(r.Detail)
		b.WriteByte(message.Separator)
		b.WriteByte(message.Terminator)
	})
}

func (r *StatusReply) Error() string {
	if r.Detail == "" {
		return string(r.Status)
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Detail)
}

func (r *StatusReply) reply() {}

// MessagesReply carries the messages read by a poll:
//
//	MMQP|0.1|M|<Storage-framed Normalized>...\0
type MessagesReply struct {
	Messages []message.Normalized
}

func (r *MessagesReply) Encode() []byte {
	return bufpool.Build(func(b *bytes.Buffer) {
		appendReplyHeader(b, MessagesType)
		for _, n := range r.Messages {
			b.Write(n.Serialize(message.Storage))
		}
		b.WriteByte(message.Terminator)
	})
}

func (r *MessagesReply) reply() {}

// AdminReply carries the text result of an admin action:
//
//	MMQP|0.1|A|<text>\0
type AdminReply struct {
	Text string
}

func (r *AdminReply) Encode() []byte {
	return bufpool.Build(func(b *bytes.Buffer) {
		appendReplyHeader(b, AdminRespType)
		b.Write(codec.EncodeString(r.Text))
		b.WriteByte(message.Terminator)
	})
}

func (r *AdminReply) reply() {}

// Pong answers a Ping.
type Pong struct{}

func (r *Pong) Encode() []byte {
	return []byte(PongResponse)
}

func (r *Pong) reply() {}

// ParseReply decodes a broker reply.
func ParseReply(b []byte) (Reply, error) {
	if bytes.Equal(b, []byte(PongResponse)) {
		return &Pong{}, nil
	}
	tag, start, ok := parseReplyHeader(b)
	if !ok {
		return nil, fmt.Errorf("%w: missing header", ErrBadReply)
	}
	body := b[start:]

	switch tag {
	case StatusType:
		if !bytes.HasSuffix(body, []byte{message.Separator, message.Terminator}) {
			return nil, fmt.Errorf("%w: unterminated status", ErrBadReply)
		}
		body = body[:len(body)-2]
		status, detail, found := bytes.Cut(body, []byte{message.Separator})
		if !found {
			return nil, fmt.Errorf("%w: missing status detail", ErrBadReply)
		}
		return &StatusReply{Status: Status(status), Detail: string(detail)}, nil

	case MessagesType:
		var msgs []message.Normalized
		cursor := start
		for cursor < len(b)-1 {
			n, err := message.DecodeNormalized(b, &cursor, message.Storage)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrBadReply, err)
			}
			msgs = append(msgs, n)
		}
		if cursor != len(b)-1 || b[cursor] != message.Terminator {
			return nil, fmt.Errorf("%w: unterminated message batch", ErrBadReply)
		}
		return &MessagesReply{Messages: msgs}, nil

	case AdminRespType:
		cursor := start
		text, err := codec.DecodeString(b, &cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadReply, err)
		}
		if cursor != len(b)-1 || b[cursor] != message.Terminator {
			return nil, fmt.Errorf("%w: unterminated admin reply", ErrBadReply)
		}
		return &AdminReply{Text: text}, nil
	}

	return nil, fmt.Errorf("%w: unknown tag %q", ErrBadReply, tag)
}
