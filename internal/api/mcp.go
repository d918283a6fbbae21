package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/acres-platform/tessera/internal/export"
	"github.com/acres-platform/tessera/internal/extraction"
	"github.com/acres-platform/tessera/internal/index"
	"github.com/acres-platform/tessera/internal/pipeline"
	"github.com/acres-platform/tessera/internal/storage"
	"github.com/acres-platform/tessera/internal/study"
)

// MCPSearcher abstracts semantic search over a study for the MCP layer.
type MCPSearcher interface {
	Query(ctx context.Context, study, query string, topK int) ([]index.Scored, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Studies  *study.Manager
	Searcher MCPSearcher
	Tables   TableBuilder
	Extract  pipeline.Options
}

// NewMCPServer creates an MCP server with all tessera tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"tessera",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tessera: retrieval and variable extraction over per-study scientific document collections."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_studies",
			mcp.WithDescription("List all studies with document counts, chunk counts, and last extraction run."),
		),
		mcpListStudies(deps),
	)

	s.AddTool(
		mcp.NewTool("search_study",
			mcp.WithDescription("Semantically search one study's indexed documents and return the most relevant text chunks."),
			mcp.WithString("study", mcp.Description("Study name"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of chunks (default 5)")),
		),
		mcpSearchStudy(deps),
	)

	s.AddTool(
		mcp.NewTool("extract_variables",
			mcp.WithDescription("Extract variables from every document in a study and return the result table as Markdown."),
			mcp.WithString("study", mcp.Description("Study name"), mcp.Required()),
			mcp.WithString("variables", mcp.Description("Comma-separated variable names, e.g. \"sample size, country\""), mcp.Required()),
			mcp.WithString("style", mcp.Description("Prompt style: plain, highlight, or evidence")),
			mcp.WithNumber("top_k", mcp.Description("Chunks retrieved per variable (default 5)")),
		),
		mcpExtractVariables(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"tessera://studies",
			"Studies",
			mcp.WithResourceDescription("All studies with their summaries as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStudies(deps),
	)

	return s
}

func mcpListStudies(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summaries, err := deps.Studies.Summaries(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list studies: %v", err)), nil
		}

		if len(summaries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal studies: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchStudy(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		studyName, err := req.RequireString("study")
		if err != nil {
			return mcpError("study is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		scored, err := deps.Searcher.Query(ctx, studyName, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(scored) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			DocumentID string  `json:"document_id"`
			Seq        int     `json:"seq"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
		}

		results := make([]chunkResult, len(scored))
		for i, s := range scored {
			results[i] = chunkResult{
				DocumentID: s.Chunk.DocumentID,
				Seq:        s.Chunk.Seq,
				Text:       s.Chunk.Text,
				Score:      s.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpExtractVariables(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		studyName, err := req.RequireString("study")
		if err != nil {
			return mcpError("study is required"), nil
		}
		variables, err := req.RequireString("variables")
		if err != nil {
			return mcpError("variables is required"), nil
		}

		specs := extraction.ParseVariables(variables)
		if len(specs) == 0 {
			return mcpError("variables must name at least one variable"), nil
		}

		style, err := extraction.ParseStyle(req.GetString("style", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}
		for i := range specs {
			specs[i].PromptStyle = style
		}

		opts := deps.Extract
		if topK := req.GetInt("top_k", 0); topK > 0 {
			opts.TopK = topK
		}

		docs, err := deps.Store.ListDocuments(studyName)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list documents: %v", err)), nil
		}

		table, err := deps.Tables.BuildTable(ctx, studyName, specs, docs, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("extraction failed: %v", err)), nil
		}
		deps.Studies.Invalidate()

		var b strings.Builder
		if err := export.WriteMarkdown(&b, table); err != nil {
			return mcpError(fmt.Sprintf("failed to render table: %v", err)), nil
		}
		if n := table.FailedCells(); n > 0 {
			fmt.Fprintf(&b, "\n%d of %d cells failed.\n", n, len(table.Rows)*len(table.Columns))
		}
		return mcpText(b.String()), nil
	}
}

func mcpResourceStudies(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		summaries, err := deps.Studies.Summaries(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list studies: %w", err)
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal studies: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
