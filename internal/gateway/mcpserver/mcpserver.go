// Package mcpserver exposes read-only flow state as MCP tools over
// streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/flowgate/internal/gateway/httpapi"
	"github.com/jkaninda/flowgate/internal/observability"
	"github.com/jkaninda/flowgate/internal/storage"
)

// Tool names.
const (
	ToolFlowStatus  = "flow_status"
	ToolFlowHistory = "flow_history"
)

// Source is the flow state the tools read. *httpapi.Service satisfies it.
type Source interface {
	Status() httpapi.StatusResponse
	History(ctx context.Context, limit int) ([]storage.FlowRecord, error)
	Flow(ctx context.Context, id string) (*storage.FlowRecord, error)
}

// Server wraps an MCP server bound to a Source.
type Server struct {
	mcp    *server.MCPServer
	source Source
	logger *slog.Logger
}

// New creates the MCP server and registers its tools.
func New(source Source, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp: server.NewMCPServer("flowgate", observability.ServiceVersion,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		source: source,
		logger: logger,
	}

	s.mcp.AddTool(mcp.NewTool(ToolFlowStatus,
		mcp.WithDescription("Active presentation container, pending flow per gateway and connected surfaces."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleStatus)

	s.mcp.AddTool(mcp.NewTool(ToolFlowHistory,
		mcp.WithDescription("Recently completed flows, newest first. Pass id to fetch a single flow."),
		mcp.WithNumber("limit",
			mcp.Description(fmt.Sprintf("Maximum records (default %d, max %d)", storage.DefaultRecentLimit, storage.MaxRecentLimit)),
			mcp.Min(0),
		),
		mcp.WithString("id",
			mcp.Description("Flow ID"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleHistory)

	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Handler returns the streamable HTTP handler. Sessions are not kept; every
// tool call is independent.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp, server.WithStateLess(true))
}

func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.source.Status())
}

func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("id", ""); id != "" {
		rec, err := s.source.Flow(ctx, id)
		if err != nil {
			return s.historyError(err), nil
		}
		return jsonResult(rec)
	}

	recs, err := s.source.History(ctx, storage.ClampLimit(req.GetInt("limit", 0)))
	if err != nil {
		return s.historyError(err), nil
	}
	if recs == nil {
		recs = []storage.FlowRecord{}
	}
	return jsonResult(recs)
}

func (s *Server) historyError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, httpapi.ErrHistoryDisabled):
		return mcp.NewToolResultError("flow history is disabled on this gateway")
	case errors.Is(err, storage.ErrNotFound):
		return mcp.NewToolResultError("flow not found")
	default:
		s.logger.Error("mcp history query failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError("history query failed")
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
