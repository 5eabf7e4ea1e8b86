// Package mcpserver exposes the todo tool catalog over the Model Context
// Protocol. Every catalog entry becomes one MCP tool whose input schema is
// the catalog schema; calls are handed to a tool dispatcher and the resulting
// envelope is returned both as JSON text and as structured content.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/petal-labs/petaltodo/tool"
)

// DefaultName is the implementation name announced during initialization.
const DefaultName = "petaltodo"

// Dispatcher runs one named tool call. *tool.Dispatcher implements it.
type Dispatcher interface {
	DispatchJSON(ctx context.Context, name string, raw json.RawMessage) tool.Envelope
}

var _ Dispatcher = (*tool.Dispatcher)(nil)

// Config configures a Server.
type Config struct {
	Dispatcher Dispatcher
	Name       string
	Version    string
	Logger     *slog.Logger
}

// Server wraps an MCP server with the todo tool catalog registered.
type Server struct {
	server     *mcp.Server
	dispatcher Dispatcher
	logger     *slog.Logger
	registered map[string]bool
}

// New creates a server and registers every catalog tool.
func New(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("mcpserver: dispatcher is nil")
	}
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		registered: make(map[string]bool),
	}
	s.server = mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)
	s.registerTools()
	s.server.AddReceivingMiddleware(s.routeUnlisted)
	return s, nil
}

// MCP returns the underlying protocol server, e.g. to connect a custom
// transport.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Run serves a single session on stdin/stdout until ctx is done or the
// client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "mcp server starting", slog.String("transport", "stdio"))
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the streamable HTTP transport. Every session shares
// this server's tools.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func (s *Server) registerTools() {
	for _, def := range tool.Catalog() {
		s.registered[string(def.Name)] = true
		s.server.AddTool(&mcp.Tool{
			Name:        string(def.Name),
			Description: def.Description,
			InputSchema: def.InputSchema,
		}, s.handler(def.Name))
	}
}

func (s *Server) handler(name tool.Name) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var raw json.RawMessage
		if req != nil && req.Params != nil {
			raw = req.Params.Arguments
		}
		return toResult(s.dispatcher.DispatchJSON(ctx, string(name), raw))
	}
}

// routeUnlisted sends tools/call requests for names that are not listed,
// such as the *_todo aliases or unknown names, straight to the dispatcher.
// The caller then gets an envelope, with invalid_tool for unknown names,
// instead of a protocol error.
func (s *Server) routeUnlisted(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		if method != "tools/call" {
			return next(ctx, method, req)
		}
		call, ok := req.(*mcp.CallToolRequest)
		if !ok || call.Params == nil || s.registered[call.Params.Name] {
			return next(ctx, method, req)
		}
		s.logger.LogAttrs(ctx, slog.LevelDebug, "unlisted tool call",
			slog.String("event", "mcp_unlisted_tool"),
			slog.String("tool", call.Params.Name),
		)
		result, err := toResult(s.dispatcher.DispatchJSON(ctx, call.Params.Name, call.Params.Arguments))
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// toResult renders an envelope as a tool result. Error envelopes are tool
// errors, not protocol errors, so the caller still receives the taxonomy
// kind.
func toResult(env tool.Envelope) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(text)}},
		StructuredContent: json.RawMessage(text),
		IsError:           !env.Success(),
	}, nil
}
