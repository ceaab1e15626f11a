// Package inventory tracks the node's local stock levels. It is the
// effect target for restock manifests and consumption records, so its
// write paths run inside the caller's ledger transaction.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/reliefops/xir/internal/protocol"
	"github.com/reliefops/xir/internal/store"
)

// Line is one stocked item.
type Line struct {
	SKU       string    `json:"sku"`
	Name      string    `json:"name,omitempty"`
	Qty       int       `json:"qty"`
	Unit      string    `json:"unit,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Inventory is the stock table over the node store.
type Inventory struct {
	db *store.DB
}

// New returns an inventory over db.
func New(db *store.DB) *Inventory {
	return &Inventory{db: db}
}

// ApplyRestock adds manifest items to stock.
func (inv *Inventory) ApplyRestock(ctx context.Context, tx store.DBTX, items []protocol.Item) error {
	now := time.Now().UTC()
	for _, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory (sku, name, qty, unit, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(sku) DO UPDATE SET
				qty = inventory.qty + excluded.qty,
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE inventory.name END,
				unit = CASE WHEN excluded.unit != '' THEN excluded.unit ELSE inventory.unit END,
				updated_at = excluded.updated_at`,
			it.SKU, it.Name, it.Qty, it.Unit, now)
		if err != nil {
			return fmt.Errorf("inventory: restock %s: %w", it.SKU, err)
		}
	}
	return nil
}

// Consume decrements stock for consumed items. Levels may go
// negative: the goods already left the shelf, and a negative balance
// is the discrepancy signal reconciliation looks for.
func (inv *Inventory) Consume(ctx context.Context, tx store.DBTX, items []protocol.Item) error {
	now := time.Now().UTC()
	for _, it := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory (sku, name, qty, unit, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(sku) DO UPDATE SET
				qty = inventory.qty - excluded.qty,
				updated_at = excluded.updated_at`,
			it.SKU, it.Name, -it.Qty, it.Unit, now)
		if err != nil {
			return fmt.Errorf("inventory: consume %s: %w", it.SKU, err)
		}
	}
	return nil
}

// Snapshot returns sku -> quantity for every known line, the shape a
// station report embeds.
func (inv *Inventory) Snapshot(ctx context.Context) (map[string]int, error) {
	rows, err := inv.db.Conn().QueryContext(ctx, `SELECT sku, qty FROM inventory`)
	if err != nil {
		return nil, fmt.Errorf("inventory: snapshot: %w", err)
	}
	defer rows.Close()

	snap := make(map[string]int)
	for rows.Next() {
		var (
			sku string
			qty int
		)
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, fmt.Errorf("inventory: scan snapshot: %w", err)
		}
		snap[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inventory: iterate snapshot: %w", err)
	}
	return snap, nil
}

// Lines lists full stock rows ordered by sku.
func (inv *Inventory) Lines(ctx context.Context) ([]Line, error) {
	rows, err := inv.db.Conn().QueryContext(ctx,
		`SELECT sku, name, qty, unit, updated_at FROM inventory ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("inventory: list: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.SKU, &l.Name, &l.Qty, &l.Unit, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("inventory: scan line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inventory: iterate lines: %w", err)
	}
	return lines, nil
}
