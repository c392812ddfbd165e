package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/kedb-retrieval/internal/core/domain"
	"github.com/kirillkom/kedb-retrieval/internal/core/ports"
)

const (
	ServerName    = "kedb-retrieval"
	ServerVersion = "1.0.0"

	toolSuggest = "kedb_suggest"
	toolSearch  = "kedb_search"
)

// Deps are the services behind the tools. The principal is fixed per server
// process since stdio carries no caller identity.
type Deps struct {
	Search    ports.SearchService
	Suggest   ports.SuggestService
	Principal domain.Principal
	Logger    *slog.Logger
}

// Server exposes gated suggestions and plain search as MCP tools.
type Server struct {
	mcp  *server.MCPServer
	deps Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Principal.Subject == "" {
		deps.Principal = domain.AnonymousPrincipal()
	}

	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			ServerVersion,
			server.WithToolCapabilities(true),
			server.WithInstructions("Known-error database: search entries and solutions, or ask for policy-gated suggestions with citations."),
			server.WithRecovery(),
		),
		deps: deps,
	}

	s.mcp.AddTool(
		mcp.NewTool(toolSuggest,
			mcp.WithDescription("Suggest known errors and solutions for a problem description. Results are filtered by access policy and returned as citations."),
			mcp.WithString("query", mcp.Description("Problem description or error message"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum citations (default 5, max 100)")),
			mcp.WithBoolean("synthesize", mcp.Description("Also return a short answer written from the citations")),
		),
		s.handleSuggest,
	)
	s.mcp.AddTool(
		mcp.NewTool(toolSearch,
			mcp.WithDescription("Keyword or hybrid search over known-error entries or solutions."),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("entry or solution"), mcp.Enum("entry", "solution")),
			mcp.WithString("mode", mcp.Description("lexical (default) or hybrid"), mcp.Enum("lexical", "hybrid")),
			mcp.WithNumber("limit", mcp.Description("Maximum results (default 20, max 100)")),
			mcp.WithString("severity", mcp.Description("Entry severity filter")),
			mcp.WithString("workflow_state", mcp.Description("Entry workflow state filter")),
			mcp.WithString("solution_type", mcp.Description("Solution type filter")),
		),
		s.handleSearch,
	)
	return s
}

// Serve blocks on stdio until the client disconnects.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleSuggest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Suggest == nil {
		return toolError("suggest service is not configured"), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return toolError("query is required"), nil
	}

	resp, err := s.deps.Suggest.Suggest(ctx, domain.SuggestRequest{
		Query:      query,
		Principal:  s.deps.Principal,
		Limit:      req.GetInt("limit", 0),
		Synthesize: req.GetBool("synthesize", false),
	})
	if err != nil {
		s.deps.Logger.Warn("mcp_suggest_failed", "error", err)
		return toolError(failureText(err)), nil
	}
	return toolJSON(resp)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Search == nil {
		return toolError("search service is not configured"), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return toolError("query is required"), nil
	}
	kind, err := domain.ParseKind(req.GetString("kind", string(domain.KindEntry)))
	if err != nil {
		return toolError(failureText(err)), nil
	}

	filters := domain.Filters{}
	for _, key := range []string{"severity", "workflow_state", "solution_type"} {
		if v := req.GetString(key, ""); v != "" {
			filters[key] = v
		}
	}
	limit := req.GetInt("limit", 0)

	switch mode := req.GetString("mode", "lexical"); mode {
	case "hybrid":
		result, err := s.deps.Search.SearchHybrid(ctx, domain.HybridQuery{
			Text: query, Kinds: []domain.Kind{kind}, Filters: filters, Limit: limit,
		})
		if err != nil {
			return toolError(failureText(err)), nil
		}
		return toolJSON(result)
	case "lexical":
		result, err := s.deps.Search.SearchLexical(ctx, domain.LexicalQuery{
			Kind: kind, Text: query, Filters: filters, Limit: limit,
		})
		if err != nil {
			return toolError(failureText(err)), nil
		}
		return toolJSON(map[string]any{"results": result.Hits, "total": result.Total})
	default:
		return toolError(fmt.Sprintf("unknown mode %q", mode)), nil
	}
}

// failureText exposes validation messages and only the error kind otherwise.
func failureText(err error) string {
	if msg, ok := domain.PublicMessage(err); ok && domain.IsKind(err, domain.ErrValidation) {
		return msg
	}
	return domain.ErrorKind(err)
}

func toolJSON(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return toolText(string(raw)), nil
}

func toolText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
