// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"
	"time"

	"github.com/absmach/mmqp/codec"
	"github.com/absmach/mmqp/message"
)

// Publish puts a message on a queue.
type Publish struct {
	Message message.Publish
}

// NewPublish returns a Publish request for the current protocol version.
func NewPublish(creds Credentials, queue, msg, group string) *Publish {
	p := message.NewPublish(queue, msg, group)
	p.Username, p.Password = creds.Username, creds.Password
	return &Publish{Message: p}
}

func (pkt *Publish) String() string {
	return fmt.Sprintf("PUBLISH v%d.%d queue=%s group=%s size=%d",
		pkt.Message.VersionMajor, pkt.Message.VersionMinor,
		pkt.Message.TargetQueue, pkt.Message.MessageGroup, len(pkt.Message.Message))
}

func (pkt *Publish) Encode() []byte {
	return pkt.Message.Serialize(message.Wire)
}

func (pkt *Publish) Type() byte {
	return PublishType
}

func (pkt *Publish) Auth() Credentials {
	return Credentials{Username: pkt.Message.Username, Password: pkt.Message.Password}
}

func (pkt *Publish) request() {}

// decodePublish accepts the full envelope and the older form that ends after
// the queue and message, in which case the group is DefaultGroup.
func decodePublish(h Header, d *decoder) (*Publish, error) {
	p, err := decodePublishBody(h, d)
	if err != nil {
		return nil, err
	}
	return &Publish{Message: p}, nil
}

func decodePublishBody(h Header, d *decoder) (message.Publish, error) {
	p := message.Publish{VersionMajor: h.VersionMajor, VersionMinor: h.VersionMinor}

	creds, err := d.auth()
	if err != nil {
		return message.Publish{}, err
	}
	p.Username, p.Password = creds.Username, creds.Password

	if p.TargetQueue, err = d.field(); err != nil {
		return message.Publish{}, err
	}
	fourth, err := d.field()
	if err != nil {
		return message.Publish{}, err
	}
	if d.atEnd() {
		p.MessageGroup = DefaultGroup
		p.Message = fourth
		d.pos = len(d.buf)
		return p, nil
	}

	p.MessageGroup = fourth
	if p.Message, err = d.field(); err != nil {
		return message.Publish{}, err
	}
	if err := d.end(); err != nil {
		return message.Publish{}, err
	}
	return p, nil
}

// Delayed publishes a message that becomes available after Delay.
type Delayed struct {
	Message message.Publish
	Delay   time.Duration
}

// NewDelayed returns a Delayed request for the current protocol version.
func NewDelayed(creds Credentials, queue, msg, group string, delay time.Duration) *Delayed {
	return &Delayed{Message: NewPublish(creds, queue, msg, group).Message, Delay: delay}
}

func (pkt *Delayed) String() string {
	return fmt.Sprintf("DELAYED v%d.%d queue=%s group=%s delay=%s",
		pkt.Message.VersionMajor, pkt.Message.VersionMinor,
		pkt.Message.TargetQueue, pkt.Message.MessageGroup, pkt.Delay)
}

// Encode serializes the request:
//
//	MMQP|<maj>.<min>|T|<user>:<pass>|<queue>|<group>|<message>|<delayMillis>\0
func (pkt *Delayed) Encode() []byte {
	m := pkt.Message
	h := Header{VersionMajor: m.VersionMajor, VersionMinor: m.VersionMinor, Tag: DelayedType}
	b := make([]byte, 0, m.Size()+codec.MaxSizeBytes+2)
	b = h.append(b)
	b = Credentials{Username: m.Username, Password: m.Password}.append(b)
	b = appendField(b, m.TargetQueue)
	b = appendField(b, m.MessageGroup)
	b = appendField(b, m.Message)
	b = append(b, message.Separator)
	b = codec.AppendLength(b, durationMillis(pkt.Delay))
	return append(b, message.Terminator)
}

func (pkt *Delayed) Type() byte {
	return DelayedType
}

func (pkt *Delayed) Auth() Credentials {
	return Credentials{Username: pkt.Message.Username, Password: pkt.Message.Password}
}

func (pkt *Delayed) request() {}

func decodeDelayed(h Header, d *decoder) (*Delayed, error) {
	p := message.Publish{VersionMajor: h.VersionMajor, VersionMinor: h.VersionMinor}

	creds, err := d.auth()
	if err != nil {
		return nil, err
	}
	p.Username, p.Password = creds.Username, creds.Password
	if p.TargetQueue, err = d.field(); err != nil {
		return nil, err
	}
	if p.MessageGroup, err = d.field(); err != nil {
		return nil, err
	}
	if p.Message, err = d.field(); err != nil {
		return nil, err
	}
	if err := d.skip(); err != nil {
		return nil, err
	}
	delay, err := d.millis()
	if err != nil {
		return nil, err
	}
	if err := d.end(); err != nil {
		return nil, err
	}

	return &Delayed{Message: p, Delay: delay}, nil
}

func durationMillis(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Milliseconds())
}

func appendField(b []byte, s string) []byte {
	b = append(b, message.Separator)
	return codec.AppendString(b, s)
}
