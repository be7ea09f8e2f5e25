// Package pubsub fans fleet state changes out to any number of
// listeners. Each emitter (session, manager, pool, logger) owns a typed
// Broker for its payload type; consumers subscribe with a context and
// receive a snapshot stream they can drop without blocking the emitter.
package pubsub

import (
	"context"
	"time"
)

// EventType classifies what happened to the payload.
type EventType string

// The fleet's emitters use a small fixed vocabulary: log entries arrive
// as CreatedEvent, since every entry is new, while session, manager and
// pool notifications are UpdatedEvent carrying a fresh snapshot of
// mutable state.
const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
)

// Event wraps a payload with its type and publication time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber hands out event channels scoped to a context.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher accepts typed payloads for fan-out.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
