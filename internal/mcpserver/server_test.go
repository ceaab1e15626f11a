package mcpserver

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reliefops/xir/internal/inventory"
	"github.com/reliefops/xir/internal/ledger"
	"github.com/reliefops/xir/internal/node"
	"github.com/reliefops/xir/internal/protocol"
	"github.com/reliefops/xir/internal/queue"
	"github.com/reliefops/xir/internal/reconcile"
	"github.com/reliefops/xir/internal/tasks"
	"github.com/reliefops/xir/internal/testutil"
	"github.com/reliefops/xir/internal/trust"
)

func testServer(t *testing.T) (*Server, *node.Service) {
	t.Helper()

	db := testutil.TestDB(t)
	keys := testutil.TestKeypair(t)
	svc := node.New(node.Deps{
		Role:      node.RoleHub,
		NodeID:    "hub-1",
		Keys:      keys,
		DB:        db,
		Trust:     trust.New(db, keys.PublicKey()),
		Ledger:    ledger.NewLedger(db),
		Queue:     queue.New(db),
		Inventory: inventory.New(db),
		Tasks:     tasks.New(db, tasks.DefaultBoosts),
		Recon:     reconcile.New(db),
	})
	return New(svc), svc
}

func callTool(t *testing.T, srv *Server, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	req := mcp.CallToolRequest{}
	req.Method = "tools/call"
	req.Params.Name = name
	req.Params.Arguments = args

	// mcp-go has no direct "call tool" test helper, so we dispatch to
	// the handler functions ourselves.
	var result *mcp.CallToolResult
	var err error

	switch name {
	case "decode_scan":
		result, err = srv.decodeScan(ctx, req)
	case "reconcile_report":
		result, err = srv.reconcileReport(ctx, req)
	case "pending_orders":
		result, err = srv.pendingOrders(ctx, req)
	case "station_inventory":
		result, err = srv.stationInventory(ctx, req)
	case "ledger_lookup":
		result, err = srv.ledgerLookup(ctx, req)
	case "queue_status":
		result, err = srv.queueStatus(ctx, req)
	default:
		t.Fatalf("unknown tool: %s", name)
	}

	if err != nil {
		t.Fatalf("tool %s error: %v", name, err)
	}
	return result
}

func resultText(r *mcp.CallToolResult) string {
	if len(r.Content) > 0 {
		if tc, ok := r.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestDecodeScan_AuthenticSingleChunk(t *testing.T) {
	srv, svc := testServer(t)

	mf, err := svc.BuildManifest(context.Background(), "station-4",
		[]protocol.Item{{SKU: "sku-gauze", Qty: 5}})
	if err != nil {
		t.Fatal(err)
	}
	if len(mf.Chunks) != 1 {
		t.Fatalf("expected a single-chunk manifest, got %d chunks", len(mf.Chunks))
	}

	r := callTool(t, srv, "decode_scan", map[string]interface{}{"line": mf.Chunks[0]})
	if r.IsError {
		t.Fatalf("decode_scan errored: %s", resultText(r))
	}
	text := resultText(r)
	if !strings.Contains(text, "id: "+mf.ID) {
		t.Errorf("result = %q, want packet id %s", text, mf.ID)
	}
	if !strings.Contains(text, "not applied") {
		t.Errorf("result = %q, want preview verdict", text)
	}

	// Preview must not touch stock or the ledger.
	lines, err := svc.Inventory().Lines(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Errorf("preview applied stock: %+v", lines)
	}
}

func TestDecodeScan_GarbageLine(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "decode_scan", map[string]interface{}{"line": "XIR1|MANIFEST|1/1|!!!|zzzz"})
	if !r.IsError {
		t.Fatal("expected error for garbage line")
	}
	if !strings.Contains(resultText(r), "ERR_QR_PARSE") {
		t.Errorf("result = %q, want ERR_QR_PARSE prefix", resultText(r))
	}
}

func TestDecodeScan_MultiChunkReportsSequence(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "decode_scan", map[string]interface{}{"line": "XIR1|REPORT|2/3|e30=|83dcefb7"})
	if r.IsError {
		t.Fatalf("unexpected error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "chunk 2/3") {
		t.Errorf("result = %q, want chunk position", resultText(r))
	}
}

func TestQueueStatus(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "queue_status", map[string]interface{}{})
	if resultText(r) != "pending: 0\nsynced: 0" {
		t.Errorf("queue_status = %q", resultText(r))
	}
}

func TestLedgerLookupMissing(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "ledger_lookup", map[string]interface{}{"id": "nope"})
	if !r.IsError {
		t.Error("expected error for unknown ledger id")
	}
}

func TestStationInventory_NoReportYet(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "station_inventory", map[string]interface{}{"station_id": "station-9"})
	if r.IsError {
		t.Fatalf("unexpected error: %s", resultText(r))
	}
	if !strings.Contains(resultText(r), "no report applied yet") {
		t.Errorf("result = %q", resultText(r))
	}
}

func TestReconcileReport_BadWindow(t *testing.T) {
	srv, _ := testServer(t)
	r := callTool(t, srv, "reconcile_report", map[string]interface{}{"window_hours": "zero"})
	if !r.IsError {
		t.Error("expected error for bad window_hours")
	}

	r = callTool(t, srv, "pending_orders", map[string]interface{}{})
	if r.IsError {
		t.Errorf("pending_orders errored: %s", resultText(r))
	}
}
