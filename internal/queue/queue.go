// Package queue is the node's durable outbox: local mutations wait
// here as PENDING until the hub acknowledges them. Delivery is
// at-least-once; the receiving ledger makes the effect at-most-once,
// and together that is exactly-once end to end.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/store"
)

// Item statuses. An item is PENDING from creation until the hub acks
// it; queue items never expire on their own.
const (
	StatusPending = "PENDING"
	StatusSynced  = "SYNCED"
)

// Item is one queued local mutation.
type Item struct {
	ActionID  string          `json:"action_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transport delivers one batch to the authority. It returns the
// action ids the authority acknowledged; anything unacked stays
// PENDING for the next flush.
type Transport interface {
	Deliver(ctx context.Context, items []Item) (acked []string, err error)
}

// FlushResult reports one flush attempt.
type FlushResult struct {
	Synced []string `json:"synced"`
	Failed []string `json:"failed"`
}

// Queue is the durable action outbox.
type Queue struct {
	db       *store.DB
	flushing atomic.Bool
}

// New returns a queue over db.
func New(db *store.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue appends a mutation, status PENDING, and returns its action
// id.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	var id string
	err := q.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		var err error
		id, err = q.EnqueueTx(ctx, tx, kind, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueTx is Enqueue inside a caller-owned transaction, for effects
// that must commit together with their queue entry.
func (q *Queue) EnqueueTx(ctx context.Context, tx store.DBTX, kind string, payload any) (string, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue (action_id, kind, payload, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, kind, string(raw), StatusPending, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Pending lists PENDING items oldest first.
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	rows, err := q.db.Conn().QueryContext(ctx, `
		SELECT action_id, kind, payload, status, created_at FROM queue
		WHERE status = ? ORDER BY created_at, action_id`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it      Item
			payload string
		)
		if err := rows.Scan(&it.ActionID, &it.Kind, &payload, &it.Status, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("queue: scan item: %w", err)
		}
		it.Payload = json.RawMessage(payload)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate items: %w", err)
	}
	return items, nil
}

// Flush delivers all PENDING items in one batch and marks the acked
// ones SYNCED. At most one flush runs at a time per process; a
// concurrent call fails fast with ErrFlushInProgress instead of
// double-sending. Transport errors leave every item PENDING; they are
// the recoverable kind and the next trigger retries.
func (q *Queue) Flush(ctx context.Context, t Transport) (*FlushResult, error) {
	if !q.flushing.CompareAndSwap(false, true) {
		return nil, apperr.ErrFlushInProgress
	}
	defer q.flushing.Store(false)

	items, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &FlushResult{}, nil
	}

	acked, err := t.Deliver(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("queue: deliver batch: %w", err)
	}

	ackSet := make(map[string]bool, len(acked))
	for _, id := range acked {
		ackSet[id] = true
	}
	res := &FlushResult{}
	err = q.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		now := time.Now().UTC()
		for _, it := range items {
			if !ackSet[it.ActionID] {
				res.Failed = append(res.Failed, it.ActionID)
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue SET status = ?, synced_at = ? WHERE action_id = ?`,
				StatusSynced, now, it.ActionID); err != nil {
				return fmt.Errorf("queue: mark synced: %w", err)
			}
			res.Synced = append(res.Synced, it.ActionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("queue: flush complete", slog.Int("synced", len(res.Synced)), slog.Int("failed", len(res.Failed)))
	return res, nil
}

// Stats counts items by status.
func (q *Queue) Stats(ctx context.Context) (pending, synced int64, err error) {
	row := q.db.Conn().QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'PENDING' THEN 1 END),
			COUNT(CASE WHEN status = 'SYNCED' THEN 1 END)
		FROM queue`)
	if err := row.Scan(&pending, &synced); err != nil {
		return 0, 0, fmt.Errorf("queue: stats: %w", err)
	}
	return pending, synced, nil
}

// RetireSynced deletes SYNCED items older than retention. Ownership
// of the authoritative record moved to the hub at ack time; the local
// row is only kept briefly for operator visibility.
func (q *Queue) RetireSynced(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := q.db.Conn().ExecContext(ctx,
		`DELETE FROM queue WHERE status = ? AND synced_at < ?`, StatusSynced, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: retire synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: retire rows affected: %w", err)
	}
	return n, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal payload: %w", err)
		}
		return raw, nil
	}
}
