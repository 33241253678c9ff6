// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"time"

	"github.com/absmach/mmqp/codec"
	"github.com/absmach/mmqp/message"
)

// Poll reads up to Count messages from Queue.
//
//	MMQP|<maj>.<min>|P|<user>:<pass>|<queue>|<count>\0
type Poll struct {
	Header
	Credentials
	Queue string
	Count uint64
}

// NewPoll returns a Poll request for the current protocol version.
func NewPoll(creds Credentials, queue string, count uint64) *Poll {
	return &Poll{Header: DefaultHeader(PollType), Credentials: creds, Queue: queue, Count: count}
}

func (pkt *Poll) String() string {
	return fmt.Sprintf("%s queue=%s count=%d", pkt.Header, pkt.Queue, pkt.Count)
}

func (pkt *Poll) Encode() []byte {
	b := make([]byte, 0, HeaderSize+pkt.Credentials.size()+codec.SizeOf(pkt.Queue)+codec.SizeOfLength(pkt.Count)+3)
	b = pkt.Header.append(b)
	b = pkt.Credentials.append(b)
	b = appendField(b, pkt.Queue)
	b = append(b, message.Separator)
	b = codec.AppendLength(b, pkt.Count)
	return append(b, message.Terminator)
}

func (pkt *Poll) Type() byte {
	return PollType
}

func (pkt *Poll) Auth() Credentials {
	return pkt.Credentials
}

func (pkt *Poll) request() {}

func decodePoll(h Header, d *decoder) (*Poll, error) {
	pkt := &Poll{Header: h}
	var err error
	if pkt.Credentials, err = d.auth(); err != nil {
		return nil, err
	}
	if pkt.Queue, err = d.field(); err != nil {
		return nil, err
	}
	if err := d.skip(); err != nil {
		return nil, err
	}
	if pkt.Count, err = d.length(); err != nil {
		return nil, err
	}
	if err := d.end(); err != nil {
		return nil, err
	}
	return pkt, nil
}

// LongPoll is a Poll that waits up to Wait for the first message.
//
//	MMQP|<maj>.<min>|L|<user>:<pass>|<queue>|<count>|<waitMillis>\0
type LongPoll struct {
	Header
	Credentials
	Queue string
	Count uint64
	Wait  time.Duration
}

// NewLongPoll returns a LongPoll request for the current protocol version.
func NewLongPoll(creds Credentials, queue string, count uint64, wait time.Duration) *LongPoll {
	return &LongPoll{Header: DefaultHeader(LongPollType), Credentials: creds, Queue: queue, Count: count, Wait: wait}
}

func (pkt *LongPoll) String() string {
	return fmt.Sprintf("%s queue=%s count=%d wait=%s", pkt.Header, pkt.Queue, pkt.Count, pkt.Wait)
}

func (pkt *LongPoll) Encode() []byte {
	b := make([]byte, 0, HeaderSize+pkt.Credentials.size()+codec.SizeOf(pkt.Queue)+2*codec.MaxSizeBytes+6)
	b = pkt.Header.append(b)
	b = pkt.Credentials.append(b)
	b = appendField(b, pkt.Queue)
	b = append(b, message.Separator)
	b = codec.AppendLength(b, pkt.Count)
	b = append(b, message.Separator)
	b = codec.AppendLength(b, durationMillis(pkt.Wait))
	return append(b, message.Terminator)
}

func (pkt *LongPoll) Type() byte {
	return LongPollType
}

func (pkt *LongPoll) Auth() Credentials {
	return pkt.Credentials
}

func (pkt *LongPoll) request() {}

func decodeLongPoll(h Header, d *decoder) (*LongPoll, error) {
	pkt := &LongPoll{Header: h}
	var err error
	if pkt.Credentials, err = d.auth(); err != nil {
		return nil, err
	}
	if pkt.Queue, err = d.field(); err != nil {
		return nil, err
	}
	if err := d.skip(); err != nil {
		return nil, err
	}
	if pkt.Count, err = d.length(); err != nil {
		return nil, err
	}
	if err := d.skip(); err != nil {
		return nil, err
	}
	if pkt.Wait, err = d.millis(); err != nil {
		return nil, err
	}
	if err := d.end(); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Delete removes an in-flight message.
//
//	MMQP|<maj>.<min>|D|<user>:<pass>|<queue>|<messageId>\0
type Delete struct {
	Header
	Credentials
	Queue string
	ID    message.ID
}

// NewDelete returns a Delete request for the current protocol version.
func NewDelete(creds Credentials, queue string, id message.ID) *Delete {
	return &Delete{Header: DefaultHeader(DeleteType), Credentials: creds, Queue: queue, ID: id}
}

func (pkt *Delete) String() string {
	return fmt.Sprintf("%s queue=%s id=%s", pkt.Header, pkt.Queue, pkt.ID)
}

func (pkt *Delete) Encode() []byte {
	b := make([]byte, 0, HeaderSize+pkt.Credentials.size()+codec.SizeOf(pkt.Queue)+codec.SizeOfBytes(pkt.ID[:])+3)
	b = pkt.Header.append(b)
	b = pkt.Credentials.append(b)
	b = appendField(b, pkt.Queue)
	b = append(b, message.Separator)
	b = codec.AppendBytes(b, pkt.ID[:])
	return append(b, message.Terminator)
}

func (pkt *Delete) Type() byte {
	return DeleteType
}

func (pkt *Delete) Auth() Credentials {
	return pkt.Credentials
}

func (pkt *Delete) request() {}

func decodeDelete(h Header, d *decoder) (*Delete, error) {
	pkt := &Delete{Header: h}
	var err error
	if pkt.Credentials, err = d.auth(); err != nil {
		return nil, err
	}
	if pkt.Queue, err = d.field(); err != nil {
		return nil, err
	}
	if err := d.skip(); err != nil {
		return nil, err
	}
	id, err := d.bytes()
	if err != nil {
		return nil, err
	}
	if len(id) != message.IDSize {
		return nil, fmt.Errorf("%w: message id must be %d bytes, got %d", codec.ErrInvalidEncoding, message.IDSize, len(id))
	}
	copy(pkt.ID[:], id)
	if err := d.end(); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Admin actions.
const (
	ActionCreate = "create"
	ActionDelete = "delete"
	ActionList   = "list"
	ActionStats  = "stats"
	ActionFlush  = "flush"
)

// Admin manages queues. Arg carries the pending mode for ActionCreate.
//
//	MMQP|<maj>.<min>|A|<user>:<pass>|<action>|<queue>|<arg>\0
type Admin struct {
	Header
	Credentials
	Action string
	Queue  string
	Arg    string
}

// NewAdmin returns an Admin request for the current protocol version.
func NewAdmin(creds Credentials, action, queue, arg string) *Admin {
	return &Admin{Header: DefaultHeader(AdminType), Credentials: creds, Action: action, Queue: queue, Arg: arg}
}

func (pkt *Admin) String() string {
	return fmt.Sprintf("%s action=%s queue=%s", pkt.Header, pkt.Action, pkt.Queue)
}

func (pkt *Admin) Encode() []byte {
	b := make([]byte, 0, HeaderSize+pkt.Credentials.size()+codec.SizeOf(pkt.Action)+codec.SizeOf(pkt.Queue)+codec.SizeOf(pkt.Arg)+4)
	b = pkt.Header.append(b)
	b = pkt.Credentials.append(b)
	b = appendField(b, pkt.Action)
	b = appendField(b, pkt.Queue)
	b = appendField(b, pkt.Arg)
	return append(b, message.Terminator)
}

func (pkt *Admin) Type() byte {
	return AdminType
}

func (pkt *Admin) Auth() Credentials {
	return pkt.Credentials
}

func (pkt *Admin) request() {}

func decodeAdmin(h Header, d *decoder) (*Admin, error) {
	pkt := &Admin{Header: h}
	var err error
	if pkt.Credentials, err = d.auth(); err != nil {
		return nil, err
	}
	if pkt.Action, err = d.field(); err != nil {
		return nil, err
	}
	if pkt.Queue, err = d.field(); err != nil {
		return nil, err
	}
	if pkt.Arg, err = d.field(); err != nil {
		return nil, err
	}
	if err := d.end(); err != nil {
		return nil, err
	}
	return pkt, nil
}

// Ping checks liveness. Unrecognized input also parses as a Ping.
//
//	MMQP|<maj>.<min>|I|\0
type Ping struct {
	Header
}

// NewPing returns a Ping request for the current protocol version.
func NewPing() *Ping {
	return &Ping{Header: DefaultHeader(PingType)}
}

func (pkt *Ping) String() string {
	return pkt.Header.String()
}

func (pkt *Ping) Encode() []byte {
	b := pkt.Header.append(make([]byte, 0, HeaderSize+1))
	return append(b, message.Terminator)
}

func (pkt *Ping) Type() byte {
	return PingType
}

func (pkt *Ping) request() {}
