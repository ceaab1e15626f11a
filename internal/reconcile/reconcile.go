// Package reconcile joins clinical order events with their eventual
// completion events. It runs on the hub only: edge nodes see nothing
// but the opaque event_ref, and this engine is the single place the
// two sides of a reference meet again.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/reliefops/xir/internal/protocol"
	"github.com/reliefops/xir/internal/store"
)

// Event sides.
const (
	SideOrder      = "order"
	SideCompletion = "completion"
)

// Event is one recorded order or completion.
type Event struct {
	EventRef   string          `json:"event_ref"`
	Side       string          `json:"side"`
	RefID      string          `json:"ref_id"`
	Source     string          `json:"source"`
	Subject    string          `json:"subject,omitempty"`
	Items      []protocol.Item `json:"items,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Match is an order with at least one completion.
type Match struct {
	EventRef    string  `json:"event_ref"`
	Order       Event   `json:"order"`
	Completions []Event `json:"completions"`
}

// PendingOrder is an order still awaiting completion; Age is how long
// it has waited.
type PendingOrder struct {
	Event
	Age time.Duration `json:"age_ns"`
}

// Report is the output of one reconciliation pass. Orphan completions
// are flagged for manual review, typically an emergency-path
// consumption awaiting retroactive authorization.
type Report struct {
	GeneratedAt       time.Time      `json:"generated_at"`
	Window            time.Duration  `json:"window_ns"`
	Matched           []Match        `json:"matched"`
	PendingOrders     []PendingOrder `json:"pending_orders"`
	OrphanCompletions []Event        `json:"orphan_completions"`
}

// Engine is the hub-side event store and join.
type Engine struct {
	db *store.DB
}

// New returns an engine over db.
func New(db *store.DB) *Engine {
	return &Engine{db: db}
}

// RecordTx stores one event inside the caller's transaction. The
// unique key (event_ref, side, ref_id) makes re-recording the same
// fact a no-op rather than a duplicate row.
func (e *Engine) RecordTx(ctx context.Context, tx store.DBTX, ev Event) error {
	items, err := json.Marshal(ev.Items)
	if err != nil {
		return fmt.Errorf("reconcile: marshal items: %w", err)
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_ref, side, ref_id, source, subject, items, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_ref, side, ref_id) DO NOTHING`,
		ev.EventRef, ev.Side, ev.RefID, ev.Source, ev.Subject, string(items), ev.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("reconcile: record event: %w", err)
	}
	return nil
}

// Reconcile joins orders and completions for every event_ref touched
// within the window. A zero window means all history. Events outside
// the window still participate in joins for refs the window touched,
// so a late completion matches its old order instead of orphaning.
func (e *Engine) Reconcile(ctx context.Context, window time.Duration) (*Report, error) {
	now := time.Now().UTC()
	refs, err := e.refsInWindow(ctx, now, window)
	if err != nil {
		return nil, err
	}
	report := &Report{GeneratedAt: now, Window: window}
	if len(refs) == 0 {
		return report, nil
	}

	events, err := e.eventsForRefs(ctx, refs)
	if err != nil {
		return nil, err
	}

	byRef := make(map[string][]Event)
	for _, ev := range events {
		byRef[ev.EventRef] = append(byRef[ev.EventRef], ev)
	}
	orderedRefs := make([]string, 0, len(byRef))
	for ref := range byRef {
		orderedRefs = append(orderedRefs, ref)
	}
	sort.Strings(orderedRefs)

	for _, ref := range orderedRefs {
		var (
			order       *Event
			completions []Event
		)
		for _, ev := range byRef[ref] {
			ev := ev
			switch ev.Side {
			case SideOrder:
				if order == nil || ev.RecordedAt.Before(order.RecordedAt) {
					order = &ev
				}
			case SideCompletion:
				completions = append(completions, ev)
			}
		}
		switch {
		case order != nil && len(completions) > 0:
			report.Matched = append(report.Matched, Match{EventRef: ref, Order: *order, Completions: completions})
		case order != nil:
			report.PendingOrders = append(report.PendingOrders, PendingOrder{
				Event: *order,
				Age:   now.Sub(order.RecordedAt),
			})
		default:
			report.OrphanCompletions = append(report.OrphanCompletions, completions...)
		}
	}
	return report, nil
}

func (e *Engine) refsInWindow(ctx context.Context, now time.Time, window time.Duration) ([]string, error) {
	query := `SELECT DISTINCT event_ref FROM events`
	args := []any{}
	if window > 0 {
		query += ` WHERE recorded_at >= ?`
		args = append(args, now.Add(-window))
	}
	rows, err := e.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reconcile: window refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("reconcile: scan ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: iterate refs: %w", err)
	}
	return refs, nil
}

func (e *Engine) eventsForRefs(ctx context.Context, refs []string) ([]Event, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(refs)), ",")
	args := make([]any, len(refs))
	for i, r := range refs {
		args[i] = r
	}
	rows, err := e.db.Conn().QueryContext(ctx, `
		SELECT event_ref, side, ref_id, source, subject, items, recorded_at
		FROM events WHERE event_ref IN (`+placeholders+`)
		ORDER BY recorded_at, ref_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("reconcile: load events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev    Event
			items string
		)
		if err := rows.Scan(&ev.EventRef, &ev.Side, &ev.RefID, &ev.Source, &ev.Subject, &items, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("reconcile: scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(items), &ev.Items); err != nil {
			return nil, fmt.Errorf("reconcile: decode items: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile: iterate events: %w", err)
	}
	return events, nil
}

// NewEventRef mints the opaque correlation token an ordering node
// attaches to a clinical order.
func NewEventRef() string {
	return "evt_" + protocol.NewNonce()
}
