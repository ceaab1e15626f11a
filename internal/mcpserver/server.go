// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes read-only XIR ops tools for LLM integration via stdio
// transport. No tool applies packets or mutates node state; decoding
// and verification stop short of the ledger.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/reliefops/xir/internal/node"
)

// Server wraps the MCP server with XIR ops tools.
type Server struct {
	mcp *server.MCPServer
	svc *node.Service
}

// New creates a new MCP server with all ops tools registered.
func New(svc *node.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"XIR",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("reconcile_report",
		mcp.WithDescription("Join clinical order events with logistics completion events "+
			"sharing an event_ref. Returns matched pairs, pending orders with age, and "+
			"orphan completions flagged for manual review. Hub only."),
		mcp.WithString("window_hours", mcp.Description("Reporting window in hours (default 168)")),
	), s.reconcileReport)

	s.mcp.AddTool(mcp.NewTool("pending_orders",
		mcp.WithDescription("List orders that have no completion event yet, oldest first. Hub only."),
		mcp.WithString("window_hours", mcp.Description("Reporting window in hours (default 168)")),
	), s.pendingOrders)

	s.mcp.AddTool(mcp.NewTool("station_inventory",
		mcp.WithDescription("Latest reported stock snapshot for one station, as of its "+
			"freshest applied report. Hub only."),
		mcp.WithString("station_id", mcp.Required(), mcp.Description("Station id (e.g. station-4)")),
	), s.stationInventory)

	s.mcp.AddTool(mcp.NewTool("ledger_lookup",
		mcp.WithDescription("Look up a packet or action id in the replay ledger: payload "+
			"hash, origin node, first-seen time."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Packet id, rx id, ticket id or action id")),
	), s.ledgerLookup)

	s.mcp.AddTool(mcp.NewTool("queue_status",
		mcp.WithDescription("Counts of pending and synced items in the outbound action queue."),
	), s.queueStatus)

	s.mcp.AddTool(mcp.NewTool("decode_scan",
		mcp.WithDescription("Parse and verify a complete scanned payload WITHOUT applying "+
			"it: runs the codec, schema validation and authenticity check, then stops "+
			"before the ledger. Read the xir://wire-format resource for the chunk layout."),
		mcp.WithString("line", mcp.Required(), mcp.Description("One scan line: XIR1-tagged chunk of a single-chunk packet, bare JSON, or GZ: form")),
	), s.decodeScan)

	// Resource: QR wire format reference.
	s.mcp.AddResource(
		mcp.NewResource("xir://wire-format", "QR Wire Format",
			mcp.WithResourceDescription("Chunked QR text wire format all XIR packets travel in."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readWireFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func windowFrom(req mcp.CallToolRequest) (time.Duration, error) {
	window := 168 * time.Hour
	if v, err := req.RequireString("window_hours"); err == nil && v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return 0, fmt.Errorf("window_hours must be a positive integer, got %q", v)
		}
		window = time.Duration(hours) * time.Hour
	}
	return window, nil
}

func (s *Server) reconcileReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recon := s.svc.Reconciler()
	if recon == nil {
		return mcp.NewToolResultError("reconciliation runs on the hub"), nil
	}
	window, err := windowFrom(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, err := recon.Reconcile(ctx, window)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) pendingOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recon := s.svc.Reconciler()
	if recon == nil {
		return mcp.NewToolResultError("reconciliation runs on the hub"), nil
	}
	window, err := windowFrom(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	report, err := recon.Reconcile(ctx, window)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(report.PendingOrders, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) stationInventory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stationID, err := req.RequireString("station_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if s.svc.Role() != node.RoleHub {
		return mcp.NewToolResultError("station views live on the hub"), nil
	}
	stock, err := s.svc.StationSnapshot(ctx, stationID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(stock) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("no report applied yet for %s", stationID)), nil
	}
	out, _ := json.MarshalIndent(stock, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) ledgerLookup(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entry, err := s.svc.Ledger().Lookup(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	out, _ := json.MarshalIndent(entry, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) queueStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pending, synced, err := s.svc.Queue().Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("pending: %d\nsynced: %d", pending, synced)), nil
}

func (s *Server) readWireFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "xir://wire-format",
			MIMEType: "text/markdown",
			Text:     WireFormatReference,
		},
	}, nil
}

// joinLines renders a decoded verdict for the tool output.
func joinLines(lines ...string) string {
	return strings.Join(lines, "\n")
}
