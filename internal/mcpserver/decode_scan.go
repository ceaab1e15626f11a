package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/reliefops/xir/internal/apperr"
	"github.com/reliefops/xir/internal/codec"
)

// decodeScan parses and verifies one scan line without applying it.
// Multi-chunk transfers cannot be previewed line by line; the tool
// reports what is missing instead of buffering server state per call.
func (s *Server) decodeScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	line, err := req.RequireString("line")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return mcp.NewToolResultError("line is empty"), nil
	}

	var (
		kind    string
		payload []byte
	)
	if codec.IsChunk(line) {
		c, err := codec.ParseChunk(line)
		if err != nil {
			return mcp.NewToolResultError(verdict(err)), nil
		}
		if c.Total > 1 {
			return mcp.NewToolResultText(fmt.Sprintf(
				"chunk %d/%d of a %s transfer: checksum ok, but a multi-chunk packet "+
					"needs all chunks scanned through the node pipeline", c.Seq, c.Total, c.Type)), nil
		}
		kind, payload = c.Type, c.Payload
	} else {
		kind, payload, err = codec.Decode(line)
		if err != nil {
			return mcp.NewToolResultError(verdict(err)), nil
		}
	}

	res, err := s.svc.Preview(ctx, kind, payload)
	if err != nil {
		return mcp.NewToolResultError(verdict(err)), nil
	}

	return mcp.NewToolResultText(joinLines(
		"kind: "+string(res.Kind),
		"id: "+res.ID,
		"verdict: authentic, not applied",
	)), nil
}

// verdict prefixes the stable protocol code when the error carries one.
func verdict(err error) string {
	if code := apperr.Code(err); code != "" {
		return code + ": " + err.Error()
	}
	return err.Error()
}
