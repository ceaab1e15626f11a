// Package ledger enforces at-most-once application of packets and
// actions. Every identifier is checked and recorded in the same
// transaction as the effect it guards, so an interrupted node never
// ends up with an applied effect it does not remember, or a remembered
// effect it never applied.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/store"
)

// Outcome is the verdict for one identifier submission.
type Outcome int

const (
	// New means the identifier was unseen; the effect ran and the
	// entry committed with it.
	New Outcome = iota
	// DuplicateSame means an identical submission was applied before;
	// nothing ran, the caller acknowledges success.
	DuplicateSame
	// DuplicateConflict means the identifier was seen with different
	// content. The submission is hostile or broken, never applied.
	DuplicateConflict
)

// String renders the outcome for logs.
func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case DuplicateSame:
		return "duplicate_same"
	case DuplicateConflict:
		return "duplicate_conflict"
	}
	return "unknown"
}

// Entry is one recorded identifier.
type Entry struct {
	ID          string
	PayloadHash string
	OriginNode  string
	FirstSeenAt time.Time
}

// Effect is the side effect guarded by a ledger entry. It runs inside
// the same transaction as the entry insert.
type Effect func(ctx context.Context, tx store.DBTX) error

// Ledger is the durable replay set.
type Ledger struct {
	db *store.DB
}

// NewLedger returns a ledger over db.
func NewLedger(db *store.DB) *Ledger {
	return &Ledger{db: db}
}

// CheckAndRecord runs the duplicate check, the effect, and the entry
// insert atomically. A nil effect records the entry without side
// effects. On DuplicateConflict the returned error wraps
// apperr.ErrReplayAttack.
func (l *Ledger) CheckAndRecord(ctx context.Context, id, payloadHash, origin string, effect Effect) (Outcome, error) {
	outcome := New
	err := l.db.WithTx(ctx, func(ctx context.Context, tx store.DBTX) error {
		var txErr error
		outcome, txErr = l.CheckAndRecordTx(ctx, tx, id, payloadHash, origin, effect)
		return txErr
	})
	if err != nil {
		if outcome != DuplicateConflict {
			outcome = New
		}
		return outcome, err
	}
	return outcome, nil
}

// CheckAndRecordTx is CheckAndRecord inside a caller-owned
// transaction, for actions nested within a larger packet whose entry
// and effects must all commit together. An error rolls back the whole
// enclosing transaction.
func (l *Ledger) CheckAndRecordTx(ctx context.Context, tx store.DBTX, id, payloadHash, origin string, effect Effect) (Outcome, error) {
	if id == "" {
		return DuplicateConflict, fmt.Errorf("ledger: %w: empty identifier", apperr.ErrInvalidSchema)
	}
	var existing string
	err := tx.QueryRowContext(ctx, `SELECT payload_hash FROM ledger WHERE id = ?`, id).Scan(&existing)
	switch {
	case err == nil:
		if existing == payloadHash {
			return DuplicateSame, nil
		}
		return DuplicateConflict, fmt.Errorf("ledger: id %s: %w", id, apperr.ErrReplayAttack)
	case errors.Is(err, sql.ErrNoRows):
		// Unseen: fall through to apply.
	default:
		return New, fmt.Errorf("ledger: check id: %w", err)
	}

	if effect != nil {
		if err := effect(ctx, tx); err != nil {
			return New, err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (id, payload_hash, origin_node, first_seen_at) VALUES (?, ?, ?, ?)`,
		id, payloadHash, origin, time.Now().UTC()); err != nil {
		return New, fmt.Errorf("ledger: record id: %w", err)
	}
	return New, nil
}

// Lookup returns the recorded entry for id, or apperr.ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	err := l.db.Conn().QueryRowContext(ctx,
		`SELECT id, payload_hash, origin_node, first_seen_at FROM ledger WHERE id = ?`, id).
		Scan(&e.ID, &e.PayloadHash, &e.OriginNode, &e.FirstSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: id %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup id: %w", err)
	}
	return &e, nil
}

// Count returns the number of recorded entries.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

// Prune bulk-deletes entries older than retention. This is the only
// delete path; individual entries are write-once. An entry past
// retention still blocks replays until this runs.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := l.db.Conn().ExecContext(ctx, `DELETE FROM ledger WHERE first_seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: prune rows affected: %w", err)
	}
	return n, nil
}
