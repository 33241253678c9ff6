// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"github.com/absmach/mmqp/message"
	"github.com/google/btree"
)

const deferredDegree = 32

// bucket holds every deferred message sharing one availability time, in
// arrival order.
type bucket struct {
	at   message.Millis
	msgs []message.Normalized
}

func (b *bucket) Less(than btree.Item) bool {
	return b.at < than.(*bucket).at
}

// deferredIndex orders deferred messages by availability time. It is not
// safe for concurrent use.
type deferredIndex struct {
	tree  *btree.BTree
	count int
}

func newDeferredIndex() *deferredIndex {
	return &deferredIndex{tree: btree.New(deferredDegree)}
}

func (d *deferredIndex) add(n message.Normalized) {
	key := &bucket{at: n.AvailableTime}
	if it := d.tree.Get(key); it != nil {
		b := it.(*bucket)
		b.msgs = append(b.msgs, n)
	} else {
		key.msgs = []message.Normalized{n}
		d.tree.ReplaceOrInsert(key)
	}
	d.count++
}

// pop removes the oldest message of the earliest bucket if that bucket is
// available at now. The rest of the bucket stays in place.
func (d *deferredIndex) pop(now message.Millis) (message.Normalized, bool) {
	it := d.tree.Min()
	if it == nil {
		return message.Normalized{}, false
	}
	b := it.(*bucket)
	if b.at > now {
		return message.Normalized{}, false
	}

	n := b.msgs[0]
	b.msgs[0] = message.Normalized{}
	b.msgs = b.msgs[1:]
	if len(b.msgs) == 0 {
		d.tree.DeleteMin()
	}
	d.count--
	return n, true
}

// take removes and returns every message available at now, earliest bucket
// first.
func (d *deferredIndex) take(now message.Millis) []message.Normalized {
	var out []message.Normalized
	for {
		it := d.tree.Min()
		if it == nil || it.(*bucket).at > now {
			return out
		}
		b := d.tree.DeleteMin().(*bucket)
		out = append(out, b.msgs...)
		d.count -= len(b.msgs)
	}
}

// earliest returns the availability time of the next deferred message.
func (d *deferredIndex) earliest() (message.Millis, bool) {
	it := d.tree.Min()
	if it == nil {
		return 0, false
	}
	return it.(*bucket).at, true
}

// each visits every message in delivery order until fn returns false.
func (d *deferredIndex) each(fn func(message.Normalized) bool) {
	d.tree.Ascend(func(it btree.Item) bool {
		for _, n := range it.(*bucket).msgs {
			if !fn(n) {
				return false
			}
		}
		return true
	})
}

func (d *deferredIndex) len() int {
	return d.count
}
