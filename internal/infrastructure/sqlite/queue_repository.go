package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/zjrosen/comfyfleet/internal/fleet/queue"
)

// queueColumns is the list of columns to select for queue item queries.
const queueColumns = `id, priority, attempts, enqueued_at, payload`

// queueRepository implements queue.Adapter on a SQLite database.
// On restart, items left reserved by a crashed process are returned to
// pending so the pool can pick them up again.
type queueRepository struct {
	db *sql.DB
}

// NewQueue builds a durable queue adapter on db, recovering any items a
// previous process left reserved.
func NewQueue(db *sql.DB) (queue.Adapter, error) {
	r := &queueRepository{db: db}
	if _, err := db.Exec(
		`UPDATE queue_items SET state = 'pending', attempts = attempts + 1 WHERE state = 'reserved'`,
	); err != nil {
		return nil, fmt.Errorf("recovering reserved items: %w", err)
	}
	return r, nil
}

var _ queue.Adapter = (*queueRepository)(nil)

func (r *queueRepository) Enqueue(ctx context.Context, item *queue.Item) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, priority, attempts, state, enqueued_at, payload)
		 VALUES (?, ?, ?, 'pending', ?, ?)`,
		item.ID, item.Priority, item.Attempts, item.EnqueuedAt.UTC(), item.Payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return queue.ErrDuplicate
		}
		return fmt.Errorf("inserting queue item: %w", err)
	}
	return nil
}

func scanItem(scanner interface{ Scan(...any) error }) (*queue.Item, error) {
	var item queue.Item
	err := scanner.Scan(&item.ID, &item.Priority, &item.Attempts, &item.EnqueuedAt, &item.Payload)
	return &item, err
}

func (r *queueRepository) Peek(ctx context.Context, limit int) ([]*queue.Item, error) {
	q := `SELECT ` + queueColumns + ` FROM queue_items WHERE state = 'pending'
	      ORDER BY priority DESC, enqueued_at ASC, seq ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending items: %w", err)
	}
	defer rows.Close()

	var items []*queue.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *queueRepository) Reserve(ctx context.Context, id string) (*queue.Item, error) {
	// The conditional UPDATE is the atomicity point: only one caller can
	// flip pending -> reserved.
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET state = 'reserved' WHERE id = ? AND state = 'pending'`, id)
	if err != nil {
		return nil, fmt.Errorf("reserving queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserving queue item: %w", err)
	}
	if n == 0 {
		return nil, r.missingOr(ctx, id, queue.ErrNotPending)
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err != nil {
		return nil, fmt.Errorf("loading reserved item: %w", err)
	}
	return item, nil
}

func (r *queueRepository) Commit(ctx context.Context, id string) error {
	return r.deleteReserved(ctx, id)
}

func (r *queueRepository) Discard(ctx context.Context, id string) error {
	return r.deleteReserved(ctx, id)
}

func (r *queueRepository) deleteReserved(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE id = ? AND state = 'reserved'`, id)
	if err != nil {
		return fmt.Errorf("removing reserved item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("removing reserved item: %w", err)
	}
	if n == 0 {
		return r.missingOr(ctx, id, queue.ErrNotReserved)
	}
	return nil
}

func (r *queueRepository) Retry(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE queue_items SET state = 'pending', attempts = attempts + 1
		 WHERE id = ? AND state = 'reserved'`, id)
	if err != nil {
		return fmt.Errorf("requeueing item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeueing item: %w", err)
	}
	if n == 0 {
		return r.missingOr(ctx, id, queue.ErrNotReserved)
	}
	return nil
}

func (r *queueRepository) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM queue_items WHERE id = ? AND state = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("removing pending item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("removing pending item: %w", err)
	}
	if n == 0 {
		return r.missingOr(ctx, id, queue.ErrNotPending)
	}
	return nil
}

func (r *queueRepository) Stats(ctx context.Context) (queue.Stats, error) {
	var st queue.Stats
	err := r.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE state = 'pending'),
			COUNT(*) FILTER (WHERE state = 'reserved')
		 FROM queue_items`).Scan(&st.Pending, &st.Reserved)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("reading queue stats: %w", err)
	}
	return st, nil
}

// missingOr distinguishes "wrong state" from "no such item" after a
// conditional statement matched zero rows.
func (r *queueRepository) missingOr(ctx context.Context, id string, stateErr error) error {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM queue_items WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking queue item: %w", err)
	}
	return stateErr
}

func isUniqueViolation(err error) bool {
	// The ncruces driver reports constraint failures in the message;
	// matching on it keeps this free of driver-specific error types.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
