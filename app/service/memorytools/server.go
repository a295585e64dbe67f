package memorytools

import (
	"context"
	"cortex/app/service/memory"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/samber/do"
)

const (
	serverName         = "cortex-memory"
	serverVersion      = "1.0.0"
	defaultSearchLimit = 20
)

// Server exposes the knowledge store as MCP tools.
type Server struct {
	store memory.Store
	mcp   *server.MCPServer
}

func New(di *do.Injector) (*Server, error) {
	return NewServer(do.MustInvoke[memory.Store](di)), nil
}

func NewServer(store memory.Store) *Server {
	s := &Server{
		store: store,
		mcp:   server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("memory_add_facts",
		mcp.WithDescription("Add facts about the owner to long-term memory. Duplicates are ignored."),
		mcp.WithArray("facts",
			mcp.Required(),
			mcp.Description("Facts to remember, one short sentence each"),
			mcp.WithStringItems(),
		),
	), s.addFacts)

	s.mcp.AddTool(mcp.NewTool("memory_search",
		mcp.WithDescription("Search long-term memory for facts containing the query, case-insensitive."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Text to look for")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of facts to return")),
	), s.search)

	s.mcp.AddTool(mcp.NewTool("memory_list",
		mcp.WithDescription("List every fact in long-term memory."),
	), s.list)

	return s
}

// MCP returns the underlying server, e.g. for in-process clients.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio serves until ctx is cancelled or stdin is closed.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) addFacts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	facts, err := request.RequireStringSlice("facts")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	added := 0
	for _, fact := range facts {
		isNew, err := s.store.Add(ctx, fact)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("failed to add fact", err), nil
		}
		if isNew {
			added++
		}
	}

	return mcp.NewToolResultText(fmt.Sprintf("added %d of %d facts", added, len(facts))), nil
}

func (s *Server) search(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	facts, err := s.store.Search(ctx, query, request.GetInt("limit", defaultSearchLimit))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("search failed", err), nil
	}

	return jsonResult(facts)
}

func (s *Server) list(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	facts, err := s.store.All(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("failed to list facts", err), nil
	}

	return jsonResult(facts)
}

func jsonResult(facts []string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(facts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal facts: %w", err)
	}

	return mcp.NewToolResultText(string(data)), nil
}
