package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/store"
	"github.com/reliefops/xir/internal/testutil"
)

func countEffect(n *int) Effect {
	return func(ctx context.Context, tx store.DBTX) error {
		*n++
		return nil
	}
}

func TestCheckAndRecord_ExactlyOnce(t *testing.T) {
	db := testutil.TestDB(t)
	l := NewLedger(db)
	ctx := context.Background()

	applied := 0
	for i := 0; i < 5; i++ {
		outcome, err := l.CheckAndRecord(ctx, "pkt-1", "hash-a", "station-7", countEffect(&applied))
		if err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
		want := DuplicateSame
		if i == 0 {
			want = New
		}
		if outcome != want {
			t.Errorf("submission %d outcome = %s, want %s", i, outcome, want)
		}
	}
	if applied != 1 {
		t.Errorf("effect applied %d times, want 1", applied)
	}
}

func TestCheckAndRecord_ConflictIsReplayAttack(t *testing.T) {
	db := testutil.TestDB(t)
	l := NewLedger(db)
	ctx := context.Background()

	if _, err := l.CheckAndRecord(ctx, "pkt-1", "hash-a", "station-7", nil); err != nil {
		t.Fatalf("first: %v", err)
	}
	applied := 0
	outcome, err := l.CheckAndRecord(ctx, "pkt-1", "hash-b", "station-7", countEffect(&applied))
	if outcome != DuplicateConflict {
		t.Errorf("outcome = %s, want duplicate_conflict", outcome)
	}
	if !errors.Is(err, apperr.ErrReplayAttack) {
		t.Errorf("err = %v, want ErrReplayAttack", err)
	}
	if applied != 0 {
		t.Error("effect ran on conflicting replay")
	}
}

func TestCheckAndRecord_EffectFailureRecordsNothing(t *testing.T) {
	db := testutil.TestDB(t)
	l := NewLedger(db)
	ctx := context.Background()

	boom := errors.New("inventory write failed")
	_, err := l.CheckAndRecord(ctx, "pkt-9", "hash-a", "", func(ctx context.Context, tx store.DBTX) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want effect error", err)
	}
	// The failed attempt must leave no entry behind; a retry applies.
	applied := 0
	outcome, err := l.CheckAndRecord(ctx, "pkt-9", "hash-a", "", countEffect(&applied))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if outcome != New || applied != 1 {
		t.Errorf("retry outcome = %s applied = %d, want new/1", outcome, applied)
	}
}

func TestCheckAndRecord_EffectAndEntryShareTx(t *testing.T) {
	db := testutil.TestDB(t)
	l := NewLedger(db)
	ctx := context.Background()

	// The effect writes a row; if the ledger insert then failed, that
	// row must not survive. Force the failure with a duplicate insert
	// into ledger from inside the effect.
	_, err := l.CheckAndRecord(ctx, "pkt-2", "h", "", func(ctx context.Context, tx store.DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO inventory (sku, qty, updated_at) VALUES ('WTR', 5, ?)`, time.Now().UTC()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger (id, payload_hash, origin_node, first_seen_at) VALUES ('pkt-2', 'h', '', ?)`, time.Now().UTC())
		return err
	})
	if err == nil {
		t.Fatal("expected constraint violation from double insert")
	}
	var qty int
	row := db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory WHERE sku = 'WTR'`)
	if err := row.Scan(&qty); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if qty != 0 {
		t.Error("effect row survived a failed transaction")
	}
}

func TestLookupAndCount(t *testing.T) {
	db := testutil.TestDB(t)
	l := NewLedger(db)
	ctx := context.Background()

	if _, err := l.Lookup(ctx, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("lookup ghost = %v, want ErrNotFound", err)
	}
	if _, err := l.CheckAndRecord(ctx, "pkt-1", "hash-a", "station-7", nil); err != nil {
		t.Fatal(err)
	}
	e, err := l.Lookup(ctx, "pkt-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e.PayloadHash != "hash-a" || e.OriginNode != "station-7" {
		t.Errorf("entry = %+v", e)
	}
	n, err := l.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("count = %d err = %v, want 1", n, err)
	}
}

func TestPrune_OldEntriesOnly(t *testing.T) {
	db := testutil.TestDB(t)
	l := NewLedger(db)
	ctx := context.Background()

	old := time.Now().UTC().Add(-10 * 24 * time.Hour)
	if _, err := db.Conn().ExecContext(ctx,
		`INSERT INTO ledger (id, payload_hash, origin_node, first_seen_at) VALUES ('old', 'h', '', ?)`, old); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CheckAndRecord(ctx, "fresh", "h", "", nil); err != nil {
		t.Fatal(err)
	}

	// Aged out but not yet pruned: still blocks re-application.
	outcome, err := l.CheckAndRecord(ctx, "old", "h", "", nil)
	if err != nil || outcome != DuplicateSame {
		t.Errorf("aged entry outcome = %s err = %v, want duplicate_same", outcome, err)
	}

	n, err := l.Prune(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := l.Lookup(ctx, "fresh"); err != nil {
		t.Errorf("fresh entry pruned: %v", err)
	}
	if _, err := l.Lookup(ctx, "old"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("old entry survived prune: %v", err)
	}
}

func TestCheckAndRecord_EmptyID(t *testing.T) {
	db := testutil.TestDB(t)
	l := NewLedger(db)
	if _, err := l.CheckAndRecord(context.Background(), "", "h", "", nil); !errors.Is(err, apperr.ErrInvalidSchema) {
		t.Errorf("err = %v, want ErrInvalidSchema", err)
	}
}
