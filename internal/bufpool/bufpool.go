// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers replies are assembled in.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past maxPooledCap, typically large poll replies, are
// left to the garbage collector.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Detach copies the contents of b and returns b to the pool.
func Detach(b *bytes.Buffer) []byte {
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	Put(b)
	return out
}

// Build assembles bytes with fill on a pooled buffer and returns a copy.
func Build(fill func(*bytes.Buffer)) []byte {
	b := Get()
	fill(b)
	return Detach(b)
}
