package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/testutil"
)

// fakeTransport acks a fixed subset of delivered items, or fails.
type fakeTransport struct {
	mu        sync.Mutex
	ackAll    bool
	ackOnly   map[string]bool
	err       error
	delivered [][]Item
	block     chan struct{}
}

func (f *fakeTransport) Deliver(ctx context.Context, items []Item) ([]string, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, items)
	if f.err != nil {
		return nil, f.err
	}
	var acked []string
	for _, it := range items {
		if f.ackAll || f.ackOnly[it.ActionID] {
			acked = append(acked, it.ActionID)
		}
	}
	return acked, nil
}

func TestEnqueueAndPending_FIFO(t *testing.T) {
	db := testutil.TestDB(t)
	q := New(db)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "consume_stock", map[string]any{"sku": "WTR", "qty": 2})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := q.Enqueue(ctx, "consume_stock", map[string]any{"sku": "AMX500", "qty": 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	items, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(items))
	}
	if items[0].ActionID != first || items[1].ActionID != second {
		t.Errorf("order = [%s %s], want [%s %s]", items[0].ActionID, items[1].ActionID, first, second)
	}
	if items[0].Status != StatusPending {
		t.Errorf("status = %q", items[0].Status)
	}
}

func TestFlush_PartialAck(t *testing.T) {
	db := testutil.TestDB(t)
	q := New(db)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "consume_stock", map[string]any{"sku": "WTR"})
	b, _ := q.Enqueue(ctx, "consume_stock", map[string]any{"sku": "BND"})

	tr := &fakeTransport{ackOnly: map[string]bool{a: true}}
	res, err := q.Flush(ctx, tr)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(res.Synced) != 1 || res.Synced[0] != a {
		t.Errorf("synced = %v, want [%s]", res.Synced, a)
	}
	if len(res.Failed) != 1 || res.Failed[0] != b {
		t.Errorf("failed = %v, want [%s]", res.Failed, b)
	}

	// The unacked item remains PENDING and is retried next flush.
	items, _ := q.Pending(ctx)
	if len(items) != 1 || items[0].ActionID != b {
		t.Errorf("pending after flush = %v", items)
	}

	pending, synced, err := q.Stats(ctx)
	if err != nil || pending != 1 || synced != 1 {
		t.Errorf("stats = %d/%d err=%v, want 1/1", pending, synced, err)
	}
}

func TestFlush_TransportErrorKeepsEverythingPending(t *testing.T) {
	db := testutil.TestDB(t)
	q := New(db)
	ctx := context.Background()

	q.Enqueue(ctx, "consume_stock", map[string]any{"sku": "WTR"})
	tr := &fakeTransport{err: errors.New("network unreachable")}
	if _, err := q.Flush(ctx, tr); err == nil {
		t.Fatal("expected transport error")
	}
	items, _ := q.Pending(ctx)
	if len(items) != 1 {
		t.Errorf("pending = %d, want 1", len(items))
	}
}

func TestFlush_ExclusiveInProcess(t *testing.T) {
	db := testutil.TestDB(t)
	q := New(db)
	ctx := context.Background()
	q.Enqueue(ctx, "consume_stock", map[string]any{"sku": "WTR"})

	block := make(chan struct{})
	tr := &fakeTransport{ackAll: true, block: block}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := q.Flush(ctx, tr)
		done <- err
	}()
	<-started
	// Give the goroutine time to take the flush flag.
	for i := 0; ; i++ {
		if q.flushing.Load() {
			break
		}
		if i > 1000 {
			t.Fatal("first flush never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := q.Flush(ctx, tr); !errors.Is(err, apperr.ErrFlushInProgress) {
		t.Errorf("concurrent flush = %v, want ErrFlushInProgress", err)
	}
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first flush: %v", err)
	}

	// The same item was delivered exactly once.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.delivered) != 1 {
		t.Errorf("deliveries = %d, want 1", len(tr.delivered))
	}
}

func TestFlush_EmptyQueueNoDelivery(t *testing.T) {
	db := testutil.TestDB(t)
	q := New(db)
	tr := &fakeTransport{ackAll: true}
	res, err := q.Flush(context.Background(), tr)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(res.Synced) != 0 || len(res.Failed) != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(tr.delivered) != 0 {
		t.Error("transport called for empty queue")
	}
}

func TestRetireSynced(t *testing.T) {
	db := testutil.TestDB(t)
	q := New(db)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "consume_stock", map[string]any{"sku": "WTR"})
	if _, err := q.Flush(ctx, &fakeTransport{ackAll: true}); err != nil {
		t.Fatal(err)
	}
	// Backdate the synced_at so the retention window has passed.
	if _, err := db.Conn().ExecContext(ctx,
		`UPDATE queue SET synced_at = ? WHERE action_id = ?`,
		time.Now().UTC().Add(-48*time.Hour), a); err != nil {
		t.Fatal(err)
	}
	n, err := q.RetireSynced(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if n != 1 {
		t.Errorf("retired = %d, want 1", n)
	}
	_, synced, _ := q.Stats(ctx)
	if synced != 0 {
		t.Errorf("synced after retire = %d, want 0", synced)
	}
}
