// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mmqp/queue/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

var _ storage.Pager = (*Pager)(nil)

// pagePrefix is followed by the queue name, a zero byte and the big-endian
// page id. Queue names never contain a zero byte.
const pagePrefix = "page:"

var errUnknownCompression = errors.New("unknown page compression")

// Compression selects how page values are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionS2   Compression = "s2"
)

// Stored values start with one of these tags.
const (
	tagNone byte = iota
	tagZstd
	tagS2
)

// ParseCompression parses a compression name. An empty name means none.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case "":
		return CompressionNone, nil
	case CompressionNone, CompressionZstd, CompressionS2:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownCompression, s)
	}
}

// Config holds BadgerDB page store configuration.
type Config struct {
	Dir         string // Directory for BadgerDB data
	Compression Compression
	GCInterval  time.Duration
}

// Pager stores queue checkpoint pages in BadgerDB.
type Pager struct {
	db          *badger.DB
	compression Compression
	enc         *zstd.Encoder
	dec         *zstd.Decoder

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens a BadgerDB-backed page store.
func New(cfg Config) (*Pager, error) {
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if _, err := ParseCompression(string(cfg.Compression)); err != nil {
		return nil, err
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		enc.Close()
		dec.Close()
		return nil, err
	}

	p := &Pager{
		db:          db,
		compression: cfg.Compression,
		enc:         enc,
		dec:         dec,
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}
	go p.runGC(cfg.GCInterval)

	return p, nil
}

func pageKey(queue string, id storage.PageID) []byte {
	k := make([]byte, 0, len(pagePrefix)+len(queue)+5)
	k = append(k, pagePrefix...)
	k = append(k, queue...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint32(k, uint32(id))
}

func queuePrefix(queue string) []byte {
	k := make([]byte, 0, len(pagePrefix)+len(queue)+1)
	k = append(k, pagePrefix...)
	k = append(k, queue...)
	return append(k, 0)
}

func (p *Pager) encode(data []byte) []byte {
	switch p.compression {
	case CompressionZstd:
		return p.enc.EncodeAll(data, []byte{tagZstd})
	case CompressionS2:
		return append([]byte{tagS2}, s2.Encode(nil, data)...)
	default:
		return append([]byte{tagNone}, data...)
	}
}

// decode honours the tag stored with the value, so pages written under a
// different compression setting stay readable.
func (p *Pager) decode(val []byte) ([]byte, error) {
	if len(val) == 0 {
		return nil, fmt.Errorf("%w: empty value", errUnknownCompression)
	}
	switch val[0] {
	case tagNone:
		return append([]byte(nil), val[1:]...), nil
	case tagZstd:
		return p.dec.DecodeAll(val[1:], nil)
	case tagS2:
		return s2.Decode(nil, val[1:])
	default:
		return nil, fmt.Errorf("%w: tag %d", errUnknownCompression, val[0])
	}
}

// WritePage replaces a page.
func (p *Pager) WritePage(ctx context.Context, queue string, id storage.PageID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := p.encode(data)
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pageKey(queue, id), val)
	})
}

// ReadPage returns a page or storage.ErrPageNotFound.
func (p *Pager) ReadPage(ctx context.Context, queue string, id storage.PageID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pageKey(queue, id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrPageNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			data, err = p.decode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// DeletePages removes all pages of a queue.
func (p *Pager) DeletePages(ctx context.Context, queue string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return p.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(queue)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Queues lists the names of queues that have stored pages.
func (p *Pager) Queues(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pagePrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		last := ""
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()[len(pagePrefix):]
			i := bytes.IndexByte(key, 0)
			if i < 0 {
				continue
			}
			if name := string(key[:i]); name != last {
				names = append(names, name)
				last = name
			}
		}
		return nil
	})

	return names, err
}

// Close stops the GC loop and closes the database.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.gcStopCh)
	<-p.gcDone

	p.enc.Close()
	p.dec.Close()
	return p.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (p *Pager) runGC(interval time.Duration) {
	defer close(p.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when nothing was rewritten, which is fine.
			_ = p.db.RunValueLogGC(0.5)
		case <-p.gcStopCh:
			return
		}
	}
}
