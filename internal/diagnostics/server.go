// Package diagnostics exposes read-only posting state over MCP so an agent
// can inspect album progress without credentials for the backend itself.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/fpang/album-poster/internal/statemanager"
	"github.com/fpang/album-poster/internal/store"
)

// Server serves state from one adapter. Every tool takes the album key as
// arguments so one server covers all accounts stored in the backend.
type Server struct {
	mcp     *gomcp.Server
	adapter store.Adapter
}

// NewServer creates an MCP server over adapter.
func NewServer(adapter store.Adapter, version string) (*Server, error) {
	if adapter == nil {
		return nil, fmt.Errorf("state adapter is required")
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcp: gomcp.NewServer(&gomcp.Implementation{
			Name:    "album-state",
			Version: version,
		}, nil),
		adapter: adapter,
	}
	s.registerTools()
	return s, nil
}

// Serve runs the server in stdio mode until ctx ends or the client leaves.
func (s *Server) Serve(ctx context.Context) error {
	log.Info().Str("backend", s.adapter.Name()).Msg("Serving album state over MCP stdio")
	return s.mcp.Run(ctx, &gomcp.StdioTransport{})
}

const keySchema = `
		"account": {"type": "string", "description": "Account the album is posted to"},
		"album_id": {"type": "string", "description": "Source album ID"}`

func (s *Server) registerTools() {
	s.mcp.AddTool(&gomcp.Tool{
		Name:        "album_statistics",
		Description: "Summarize posting progress for one album: posted count, completion, unresolved failures and any corrupt state documents.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {` + keySchema + `,
				"total_items": {"type": "number", "description": "Number of items in the album listing. Omit to use the stored total."}
			},
			"required": ["account", "album_id"]
		}`),
	}, s.handleStatistics)

	s.mcp.AddTool(&gomcp.Tool{
		Name:        "read_posts",
		Description: "List the post records of one album, ordered by position.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {` + keySchema + `,
				"include_dry_runs": {"type": "boolean", "description": "Include dry-run records (default false)"}
			},
			"required": ["account", "album_id"]
		}`),
	}, s.handleReadPosts)

	s.mcp.AddTool(&gomcp.Tool{
		Name:        "read_failed_positions",
		Description: "List the failure history of one album.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {` + keySchema + `,
				"unresolved_only": {"type": "boolean", "description": "Only positions that were never posted afterwards (default false)"}
			},
			"required": ["account", "album_id"]
		}`),
	}, s.handleReadFailed)

	s.mcp.AddTool(&gomcp.Tool{
		Name:        "album_metadata",
		Description: "Return the stored metadata document of one album as written by the last run.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {` + keySchema + `
			},
			"required": ["account", "album_id"]
		}`),
	}, s.handleMetadata)
}

type toolArgs struct {
	Account        string `json:"account"`
	AlbumID        string `json:"album_id"`
	TotalItems     int    `json:"total_items"`
	IncludeDryRuns bool   `json:"include_dry_runs"`
	UnresolvedOnly bool   `json:"unresolved_only"`
}

func (s *Server) manager(req *gomcp.CallToolRequest) (*statemanager.Manager, toolArgs, *gomcp.CallToolResult) {
	var args toolArgs
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, args, toolError("invalid arguments: %v", err)
		}
	}
	m, err := statemanager.New(s.adapter, store.Key{Account: args.Account, AlbumID: args.AlbumID})
	if err != nil {
		return nil, args, toolError("%v", err)
	}
	return m, args, nil
}

func (s *Server) handleStatistics(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	m, args, errResult := s.manager(req)
	if errResult != nil {
		return errResult, nil
	}
	if args.TotalItems < 0 {
		return toolError("total_items must not be negative"), nil
	}
	stats, err := m.Statistics(ctx, args.TotalItems)
	if err != nil {
		return toolError("failed to read state: %v", err), nil
	}
	return jsonResult(stats)
}

func (s *Server) handleReadPosts(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	m, args, errResult := s.manager(req)
	if errResult != nil {
		return errResult, nil
	}
	posts, err := m.ReadPosts(ctx)
	if err != nil {
		return toolError("failed to read posts: %v", err), nil
	}
	out := make([]store.InstagramPost, 0, len(posts))
	for _, p := range posts {
		if p.IsDryRun && !args.IncludeDryRuns {
			continue
		}
		out = append(out, p)
	}
	return jsonResult(out)
}

func (s *Server) handleReadFailed(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	m, args, errResult := s.manager(req)
	if errResult != nil {
		return errResult, nil
	}
	failed, err := m.ReadFailedPositions(ctx)
	if err != nil {
		return toolError("failed to read failures: %v", err), nil
	}
	if args.UnresolvedOnly {
		posts, err := m.ReadPosts(ctx)
		if err != nil {
			return toolError("failed to read posts: %v", err), nil
		}
		unresolved := store.UnresolvedPositions(failed, posts)
		kept := failed[:0]
		for _, f := range failed {
			if unresolved[f.Position] && !f.Resolved {
				kept = append(kept, f)
			}
		}
		failed = kept
	}
	if failed == nil {
		failed = []store.FailedPosition{}
	}
	return jsonResult(failed)
}

func (s *Server) handleMetadata(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	m, _, errResult := s.manager(req)
	if errResult != nil {
		return errResult, nil
	}
	meta, err := m.ReadMetadata(ctx)
	if err != nil {
		return toolError("failed to read metadata: %v", err), nil
	}
	if meta == nil {
		return textResult("no metadata stored for " + m.Key().String()), nil
	}
	return jsonResult(meta)
}

func jsonResult(v interface{}) (*gomcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("failed to encode result: %v", err), nil
	}
	return textResult(string(data)), nil
}

func textResult(text string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: text}},
	}
}

func toolError(format string, args ...interface{}) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}
