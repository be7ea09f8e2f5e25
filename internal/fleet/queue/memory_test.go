package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func item(id string, priority int, at time.Time) *Item {
	return &Item{ID: id, Priority: priority, EnqueuedAt: at, Payload: []byte(`{}`)}
}

func TestMemory_PeekOrdersByPriorityThenFIFO(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, m.Enqueue(ctx, item("low-1", 1, base)))
	require.NoError(t, m.Enqueue(ctx, item("high", 9, base.Add(time.Second))))
	require.NoError(t, m.Enqueue(ctx, item("low-2", 1, base.Add(2*time.Second))))
	require.NoError(t, m.Enqueue(ctx, item("mid", 5, base.Add(3*time.Second))))

	items, err := m.Peek(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	require.Equal(t, []string{"high", "mid", "low-1", "low-2"}, ids)
}

func TestMemory_PeekHonorsLimitAndSkipsReserved(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Enqueue(ctx, item(fmt.Sprintf("j-%d", i), 0, base.Add(time.Duration(i)*time.Millisecond))))
	}
	_, err := m.Reserve(ctx, "j-0")
	require.NoError(t, err)

	items, err := m.Peek(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "j-1", items[0].ID)
	require.Equal(t, "j-2", items[1].ID)
}

func TestMemory_EnqueueDuplicate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, item("a", 0, time.Now())))
	require.ErrorIs(t, m.Enqueue(ctx, item("a", 0, time.Now())), ErrDuplicate)
}

func TestMemory_ReserveTransitions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, item("a", 0, time.Now())))

	got, err := m.Reserve(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)

	// A reserved item cannot be reserved again or removed.
	_, err = m.Reserve(ctx, "a")
	require.ErrorIs(t, err, ErrNotPending)
	require.ErrorIs(t, m.Remove(ctx, "a"), ErrNotPending)

	require.NoError(t, m.Commit(ctx, "a"))
	_, err = m.Reserve(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_RetryRequeuesWithAttemptBump(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, item("a", 0, time.Now())))
	_, err := m.Reserve(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, m.Retry(ctx, "a"))

	got, err := m.Reserve(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempts)
}

func TestMemory_DiscardRemovesReserved(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, item("a", 0, time.Now())))
	require.ErrorIs(t, m.Discard(ctx, "a"), ErrNotReserved)

	_, err := m.Reserve(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, m.Discard(ctx, "a"))

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Pending+st.Reserved)
}

func TestMemory_RemovePending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, item("a", 0, time.Now())))
	require.NoError(t, m.Remove(ctx, "a"))
	require.ErrorIs(t, m.Remove(ctx, "a"), ErrNotFound)
}

func TestMemory_Stats(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Enqueue(ctx, item(fmt.Sprintf("j-%d", i), 0, time.Now())))
	}
	_, err := m.Reserve(ctx, "j-1")
	require.NoError(t, err)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Pending: 3, Reserved: 1}, st)
}

// Each item is observable in exactly one state regardless of the
// operation sequence applied.
func TestMemory_StateExclusivity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewMemory()
		ctx := context.Background()

		ids := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{3}`), 1, 5, rapid.ID[string]).Draw(t, "ids")
		for _, id := range ids {
			require.NoError(t, m.Enqueue(ctx, item(id, rapid.IntRange(0, 9).Draw(t, "prio"), time.Now())))
		}

		ops := rapid.IntRange(1, 20).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "id")
			switch rapid.IntRange(0, 4).Draw(t, "op") {
			case 0:
				_, _ = m.Reserve(ctx, id)
			case 1:
				_ = m.Commit(ctx, id)
			case 2:
				_ = m.Retry(ctx, id)
			case 3:
				_ = m.Discard(ctx, id)
			case 4:
				_ = m.Remove(ctx, id)
			}

			st, err := m.Stats(ctx)
			require.NoError(t, err)
			pending, perr := m.Peek(ctx, 0)
			require.NoError(t, perr)
			require.Equal(t, st.Pending, len(pending), "stats and peek agree on pending")
			require.LessOrEqual(t, st.Pending+st.Reserved, len(ids))
		}
	})
}
