// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/absmach/mmqp/codec"
	"github.com/absmach/mmqp/message"
)

// Default pool dimensions.
const (
	DefaultArenas    = 4
	DefaultArenaSize = 64 * 1024
)

// ErrCorruptArena is returned when an arena holds bytes that are not a
// valid frame. The remainder of that arena is dropped.
var ErrCorruptArena = errors.New("corrupt arena contents")

// arena is one fixed-capacity byte buffer of the ring. Every field is
// guarded by mu.
type arena struct {
	mu     sync.Mutex
	buf    []byte
	cursor int
	frames int // unread frames
	next   int // ring successor
}

func (a *arena) unread() bool {
	return a.cursor < len(a.buf)
}

func (a *arena) reset(size int) {
	if cap(a.buf) > size {
		a.buf = make([]byte, 0, size)
	} else {
		a.buf = a.buf[:0]
	}
	a.cursor = 0
	a.frames = 0
}

// RotatingPool stores length-framed envelopes in a growable ring of arenas.
//
// Producers append to the write arena and consumers read from the read
// arena; each arena has its own lock so a producer filling arena k+1 does not
// block a consumer draining arena k. Producers are ordered among themselves
// by writeMu; reads are serialized by readMu. The pool supports a single
// logical consumer.
//
// Entries are stored Storage-framed: the encoded length followed by the Wire
// bytes of the envelope.
type RotatingPool[T message.Envelope] struct {
	ringMu    sync.RWMutex // guards growth of arenas
	arenas    []*arena
	arenaSize int
	decode    message.Decoder[T]

	writeMu    sync.Mutex
	writeIndex int // guarded by writeMu

	readMu    sync.Mutex
	readIndex atomic.Int64

	count atomic.Int64
}

// NewRotatingPool creates a pool with the given number of arenas of
// arenaSize bytes each. Non-positive values fall back to the defaults.
func NewRotatingPool[T message.Envelope](arenas, arenaSize int, decode message.Decoder[T]) *RotatingPool[T] {
	if arenas <= 0 {
		arenas = DefaultArenas
	}
	if arenaSize <= 0 {
		arenaSize = DefaultArenaSize
	}

	p := &RotatingPool[T]{
		arenas:    make([]*arena, arenas),
		arenaSize: arenaSize,
		decode:    decode,
	}
	for i := range p.arenas {
		p.arenas[i] = &arena{
			buf:  make([]byte, 0, arenaSize),
			next: (i + 1) % arenas,
		}
	}
	return p
}

func (p *RotatingPool[T]) arena(i int) *arena {
	p.ringMu.RLock()
	defer p.ringMu.RUnlock()
	return p.arenas[i]
}

// grow appends a new arena holding frame whose successor is next and
// returns its index. The arena is not reachable until a predecessor links it.
func (p *RotatingPool[T]) grow(frame []byte, next int) int {
	size := p.arenaSize
	if len(frame) > size {
		size = len(frame)
	}
	a := &arena{buf: make([]byte, 0, size), frames: 1, next: next}
	a.buf = append(a.buf, frame...)

	p.ringMu.Lock()
	defer p.ringMu.Unlock()
	p.arenas = append(p.arenas, a)
	return len(p.arenas) - 1
}

// PushValue serializes v and appends it.
func (p *RotatingPool[T]) PushValue(v T) error {
	return p.push(v.Serialize(message.Storage))
}

// PushRaw appends already Wire-encoded envelope bytes verbatim.
func (p *RotatingPool[T]) PushRaw(b []byte) error {
	frame := codec.AppendLength(make([]byte, 0, codec.SizeOfLength(uint64(len(b)))+len(b)), uint64(len(b)))
	return p.push(append(frame, b...))
}

func (p *RotatingPool[T]) fits(a *arena, n int) bool {
	return len(a.buf) == 0 || len(a.buf)+n <= p.arenaSize
}

func (p *RotatingPool[T]) push(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	w := p.arena(p.writeIndex)
	w.mu.Lock()
	if p.fits(w, len(frame)) {
		w.buf = append(w.buf, frame...)
		w.frames++
		w.mu.Unlock()
		p.count.Add(1)
		return nil
	}
	next := w.next
	w.mu.Unlock()

	// Rotate into the successor unless the consumer is parked on it or it
	// still holds unread data.
	if next != p.writeIndex && int64(next) != p.readIndex.Load() {
		n := p.arena(next)
		n.mu.Lock()
		if len(n.buf) == 0 {
			n.buf = append(n.buf, frame...)
			n.frames++
			n.mu.Unlock()
			p.writeIndex = next
			p.count.Add(1)
			return nil
		}
		n.mu.Unlock()
	}

	idx := p.grow(frame, next)
	w.mu.Lock()
	w.next = idx
	w.mu.Unlock()
	p.writeIndex = idx
	p.count.Add(1)
	return nil
}

// next hands the payload of the next unread frame to consume while the
// owning arena is locked. It returns false when the pool is empty.
func (p *RotatingPool[T]) next(consume func(raw []byte) error) (bool, error) {
	p.readMu.Lock()
	defer p.readMu.Unlock()

	for {
		idx := int(p.readIndex.Load())
		a := p.arena(idx)
		a.mu.Lock()
		if a.unread() {
			raw, err := codec.RawSlice(a.buf, &a.cursor)
			if err != nil {
				lost := a.frames
				a.cursor = len(a.buf)
				a.frames = 0
				a.mu.Unlock()
				p.count.Add(-int64(lost))
				return false, fmt.Errorf("%w: %w", ErrCorruptArena, err)
			}
			a.frames--
			err = consume(raw)
			a.mu.Unlock()
			p.count.Add(-1)
			return true, err
		}

		// Drained: recycle it and look at the successor.
		a.reset(p.arenaSize)
		next := a.next
		a.mu.Unlock()
		if next == idx {
			return false, nil
		}

		n := p.arena(next)
		n.mu.Lock()
		has := n.unread()
		n.mu.Unlock()
		if !has {
			return false, nil
		}
		p.readIndex.Store(int64(next))
	}
}

// Next decodes and removes the next envelope. ok is false when the pool has
// nothing to read.
func (p *RotatingPool[T]) Next() (v T, ok bool, err error) {
	ok, err = p.next(func(raw []byte) error {
		cursor := 0
		v, err = p.decode(raw, &cursor, message.Wire)
		return err
	})
	return v, ok, err
}

// NextRaw removes the next envelope and returns its Wire bytes undecoded.
func (p *RotatingPool[T]) NextRaw() ([]byte, bool, error) {
	var out []byte
	ok, err := p.next(func(raw []byte) error {
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, ok, err
}

// Len returns the number of unread entries.
func (p *RotatingPool[T]) Len() int {
	return int(p.count.Load())
}

// Arenas returns the current number of arenas in the ring.
func (p *RotatingPool[T]) Arenas() int {
	p.ringMu.RLock()
	defer p.ringMu.RUnlock()
	return len(p.arenas)
}

// Snapshot returns a copy of every unread frame in read order without
// consuming anything. Producers and the consumer are paused meanwhile.
func (p *RotatingPool[T]) Snapshot() []byte {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.readMu.Lock()
	defer p.readMu.Unlock()

	var out []byte
	idx := int(p.readIndex.Load())
	for range p.Arenas() {
		a := p.arena(idx)
		a.mu.Lock()
		out = append(out, a.buf[a.cursor:]...)
		next := a.next
		a.mu.Unlock()
		if idx == p.writeIndex {
			break
		}
		idx = next
	}
	return out
}
