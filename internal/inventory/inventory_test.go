package inventory

import (
	"context"
	"testing"

	"github.com/reliefops/xir/internal/protocol"
	"github.com/reliefops/xir/internal/testutil"
)

func TestRestockThenConsume(t *testing.T) {
	db := testutil.TestDB(t)
	inv := New(db)
	ctx := context.Background()

	err := inv.ApplyRestock(ctx, db.Conn(), []protocol.Item{
		{SKU: "WTR", Name: "bottled water", Qty: 100, Unit: "bottle"},
		{SKU: "AMX500", Name: "amoxicillin 500mg", Qty: 40, Unit: "box"},
	})
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	// Restocking the same sku accumulates.
	if err := inv.ApplyRestock(ctx, db.Conn(), []protocol.Item{{SKU: "WTR", Qty: 20}}); err != nil {
		t.Fatalf("restock again: %v", err)
	}
	if err := inv.Consume(ctx, db.Conn(), []protocol.Item{{SKU: "WTR", Qty: 30}}); err != nil {
		t.Fatalf("consume: %v", err)
	}

	snap, err := inv.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap["WTR"] != 90 {
		t.Errorf("WTR = %d, want 90", snap["WTR"])
	}
	if snap["AMX500"] != 40 {
		t.Errorf("AMX500 = %d, want 40", snap["AMX500"])
	}
}

func TestConsume_UnknownSKUGoesNegative(t *testing.T) {
	db := testutil.TestDB(t)
	inv := New(db)
	ctx := context.Background()

	// Consumption of never-restocked stock is recorded, not refused;
	// the negative level is what flags the discrepancy.
	if err := inv.Consume(ctx, db.Conn(), []protocol.Item{{SKU: "BND", Qty: 5}}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	snap, _ := inv.Snapshot(ctx)
	if snap["BND"] != -5 {
		t.Errorf("BND = %d, want -5", snap["BND"])
	}
}

func TestLines_OrderedWithMetadata(t *testing.T) {
	db := testutil.TestDB(t)
	inv := New(db)
	ctx := context.Background()

	if err := inv.ApplyRestock(ctx, db.Conn(), []protocol.Item{
		{SKU: "WTR", Name: "bottled water", Qty: 10, Unit: "bottle"},
		{SKU: "BND", Name: "bandage", Qty: 3, Unit: "pack"},
	}); err != nil {
		t.Fatal(err)
	}
	lines, err := inv.Lines(ctx)
	if err != nil {
		t.Fatalf("lines: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(lines))
	}
	if lines[0].SKU != "BND" || lines[1].SKU != "WTR" {
		t.Errorf("order = [%s %s]", lines[0].SKU, lines[1].SKU)
	}
	if lines[1].Name != "bottled water" || lines[1].Unit != "bottle" {
		t.Errorf("metadata = %+v", lines[1])
	}
}
