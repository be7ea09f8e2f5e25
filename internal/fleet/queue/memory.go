package queue

import (
	"context"
	"sort"
	"sync"
)

type itemState int

const (
	statePending itemState = iota
	stateReserved
)

type memoryEntry struct {
	item  *Item
	state itemState
	seq   uint64
}

// Memory is the default in-process adapter. Ordering is priority
// descending, then enqueue time, then insertion order.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	nextSeq uint64
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

var _ Adapter = (*Memory)(nil)

func (m *Memory) Enqueue(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[item.ID]; exists {
		return ErrDuplicate
	}
	cp := *item
	m.entries[item.ID] = &memoryEntry{item: &cp, state: statePending, seq: m.nextSeq}
	m.nextSeq++
	return nil
}

func (m *Memory) Peek(_ context.Context, limit int) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]*memoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.state == statePending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.item.Priority != b.item.Priority {
			return a.item.Priority > b.item.Priority
		}
		if !a.item.EnqueuedAt.Equal(b.item.EnqueuedAt) {
			return a.item.EnqueuedAt.Before(b.item.EnqueuedAt)
		}
		return a.seq < b.seq
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]*Item, len(pending))
	for i, e := range pending {
		cp := *e.item
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) Reserve(_ context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.state != statePending {
		return nil, ErrNotPending
	}
	e.state = stateReserved
	cp := *e.item
	return &cp, nil
}

func (m *Memory) Commit(_ context.Context, id string) error {
	return m.finishReserved(id)
}

func (m *Memory) Discard(_ context.Context, id string) error {
	return m.finishReserved(id)
}

func (m *Memory) finishReserved(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.state != stateReserved {
		return ErrNotReserved
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) Retry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.state != stateReserved {
		return ErrNotReserved
	}
	e.state = statePending
	e.item.Attempts++
	return nil
}

func (m *Memory) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.state != statePending {
		return ErrNotPending
	}
	delete(m.entries, id)
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	for _, e := range m.entries {
		if e.state == statePending {
			st.Pending++
		} else {
			st.Reserved++
		}
	}
	return st, nil
}
