// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
)

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrPageNotFound       = errors.New("page not found")
	ErrQueueAlreadyExists = errors.New("queue already exists")
)

// PageID identifies one page of a queue checkpoint.
type PageID uint32

// Checkpoint pages.
const (
	PageReady PageID = iota
	PageDeferred
	PageInFlight
)

// Pager persists opaque pages of Storage-framed envelopes per queue.
type Pager interface {
	// WritePage replaces the page with data.
	WritePage(ctx context.Context, queue string, id PageID, data []byte) error

	// ReadPage returns the page contents or ErrPageNotFound.
	ReadPage(ctx context.Context, queue string, id PageID) ([]byte, error)

	// DeletePages removes every page of queue.
	DeletePages(ctx context.Context, queue string) error

	// Queues lists queues that have at least one page.
	Queues(ctx context.Context) ([]string, error)

	Close() error
}
