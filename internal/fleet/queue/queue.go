// Package queue defines the pending-work store behind the workflow pool:
// an adapter interface with pending/reserved semantics plus the default
// in-memory implementation.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an item id is unknown to the adapter.
	ErrNotFound = errors.New("queue: item not found")
	// ErrNotPending is returned when an operation needs a pending item but
	// the item is reserved.
	ErrNotPending = errors.New("queue: item not pending")
	// ErrNotReserved is returned when Commit/Retry/Discard target an item
	// that is not reserved.
	ErrNotReserved = errors.New("queue: item not reserved")
	// ErrDuplicate is returned when enqueueing an id that already exists.
	ErrDuplicate = errors.New("queue: duplicate item id")
)

// Item is one unit of pending work. Payload is opaque to the adapter and
// must be self-contained so durable adapters can persist it.
type Item struct {
	ID         string
	Priority   int
	Attempts   int
	EnqueuedAt time.Time
	Payload    []byte
}

// Stats summarizes adapter occupancy.
type Stats struct {
	Pending  int
	Reserved int
}

// Adapter stores queue items. Items move pending -> reserved via Reserve,
// and leave via Commit (done), Discard (failed permanently) or Remove
// (cancelled while pending). Retry returns a reserved item to pending with
// its attempt counter bumped. Implementations must be safe for concurrent
// use, and every transition must be atomic: an item is observable in
// exactly one state at any moment.
type Adapter interface {
	// Enqueue adds a pending item. Fails with ErrDuplicate on id reuse.
	Enqueue(ctx context.Context, item *Item) error
	// Peek returns up to limit pending items ordered by priority
	// descending, then enqueue time, then insertion order.
	Peek(ctx context.Context, limit int) ([]*Item, error)
	// Reserve atomically moves a pending item to reserved and returns it.
	Reserve(ctx context.Context, id string) (*Item, error)
	// Commit removes a reserved item permanently.
	Commit(ctx context.Context, id string) error
	// Retry returns a reserved item to pending with Attempts incremented.
	Retry(ctx context.Context, id string) error
	// Discard removes a reserved item permanently without success.
	Discard(ctx context.Context, id string) error
	// Remove deletes a pending item. Reserved items cannot be removed.
	Remove(ctx context.Context, id string) error
	// Stats reports pending and reserved counts.
	Stats(ctx context.Context) (Stats, error)
}
