package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/comfyfleet/internal/fleet/queue"
)

func newTestQueue(t *testing.T) (queue.Adapter, *sql.DB) {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewQueue(db)
	require.NoError(t, err)
	return q, db
}

func testItem(id string, priority int) *queue.Item {
	return &queue.Item{
		ID:         id,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC().Truncate(time.Millisecond),
		Payload:    []byte(`{"1":{"class_type":"KSampler"}}`),
	}
}

func TestNewDB_CreatesDirectoryAndRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "fleet.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	defer db.Close()

	var name string
	err = db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'queue_items'`).Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "queue_items", name)
}

func TestQueue_EnqueuePeekOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem("low", 1)))
	require.NoError(t, q.Enqueue(ctx, testItem("high", 8)))
	require.NoError(t, q.Enqueue(ctx, testItem("low-2", 1)))

	items, err := q.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "high", items[0].ID)
	require.Equal(t, "low", items[1].ID)
	require.Equal(t, "low-2", items[2].ID)
	require.NotEmpty(t, items[0].Payload)
}

func TestQueue_DuplicateID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem("a", 0)))
	require.ErrorIs(t, q.Enqueue(ctx, testItem("a", 0)), queue.ErrDuplicate)
}

func TestQueue_ReserveCommitLifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem("a", 0)))

	item, err := q.Reserve(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "a", item.ID)

	_, err = q.Reserve(ctx, "a")
	require.ErrorIs(t, err, queue.ErrNotPending)

	items, err := q.Peek(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, items, "reserved items are invisible to peek")

	require.NoError(t, q.Commit(ctx, "a"))
	require.ErrorIs(t, q.Commit(ctx, "a"), queue.ErrNotFound)
}

func TestQueue_RetryBumpsAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem("a", 0)))
	_, err := q.Reserve(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, "a"))

	item, err := q.Reserve(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1, item.Attempts)
}

func TestQueue_RemoveOnlyPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem("a", 0)))
	_, err := q.Reserve(ctx, "a")
	require.NoError(t, err)
	require.ErrorIs(t, q.Remove(ctx, "a"), queue.ErrNotPending)

	require.NoError(t, q.Discard(ctx, "a"))
	require.ErrorIs(t, q.Remove(ctx, "a"), queue.ErrNotFound)
}

func TestQueue_Stats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem("a", 0)))
	require.NoError(t, q.Enqueue(ctx, testItem("b", 0)))
	_, err := q.Reserve(ctx, "a")
	require.NoError(t, err)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Pending: 1, Reserved: 1}, st)
}

func TestQueue_RecoversReservedOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	q, err := NewQueue(db)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem("a", 0)))
	_, err = q.Reserve(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Simulated crash: the reserved item comes back pending with the
	// attempt counted.
	db2, err := NewDB(path)
	require.NoError(t, err)
	defer db2.Close()
	q2, err := NewQueue(db2)
	require.NoError(t, err)

	items, err := q2.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "a", items[0].ID)
	require.Equal(t, 1, items[0].Attempts)
}
