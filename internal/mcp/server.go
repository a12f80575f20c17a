// Package mcp exposes the engine to agents as MCP tools over stdio.
package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/thebtf/engram-context/internal/engine"
	"github.com/thebtf/engram-context/internal/privacy"
	"github.com/thebtf/engram-context/pkg/models"
)

const instructions = "engram-context remembers what happened when tools ran in earlier sessions. " +
	"Call context_search before a risky command or edit to see related past failures and fixes."

// Server holds the engine behind the MCP tools.
type Server struct {
	engine *engine.Engine
}

// New creates the MCP server with every tool registered.
func New(version string, e *engine.Engine) *server.MCPServer {
	s := &Server{engine: e}

	srv := server.NewMCPServer(
		"engram-context",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	srv.AddTool(s.searchTool(), s.handleSearch)
	srv.AddTool(s.warningTool(), s.handleWarning)
	srv.AddTool(s.statsTool(), s.handleStats)
	return srv
}

// Serve runs the server on stdin/stdout until the client disconnects.
func Serve(version string, e *engine.Engine) error {
	return server.ServeStdio(New(version, e))
}

func (s *Server) searchTool() mcp.Tool {
	return mcp.NewTool("context_search",
		mcp.WithDescription("Find past tool executions relevant to what you are about to do, ranked by recency, relevance, outcome and file overlap."),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("What you are about to do, in plain words"),
		),
		mcp.WithString("files",
			mcp.Description("Comma-separated file paths involved"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum results (default from settings)"),
		),
		mcp.WithNumber("min_score",
			mcp.Description("Minimum score between 0 and 1 (default from settings)"),
		),
	)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := strings.TrimSpace(req.GetString("prompt", ""))
	if prompt == "" {
		return mcp.NewToolResultError("'prompt' is required"), nil
	}

	q := models.RelevanceQuery{
		Prompt:     prompt,
		Files:      splitList(req.GetString("files", "")),
		MaxResults: intArg(req, "max_results", 0),
	}
	if v, ok := req.GetArguments()["min_score"].(float64); ok {
		if v < 0 || v > 1 {
			return mcp.NewToolResultError("'min_score' must be between 0 and 1"), nil
		}
		q.MinScore = &v
	}
	if q.MaxResults < 0 {
		return mcp.NewToolResultError("'max_results' must not be negative"), nil
	}

	results, assembled := s.engine.Lookup(ctx, q)
	if len(assembled) == 0 {
		return mcp.NewToolResultText("No relevant past context found."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d relevant past executions:\n\n", len(assembled))
	for i, text := range assembled {
		r := results[i]
		fmt.Fprintf(&b, "[%d] score %.2f | %s | %s\n%s\n\n",
			i+1, r.Score, r.Record.Outcome.Classification, humanize.Time(r.Record.CreatedAt), text)
	}
	return mcp.NewToolResultText(privacy.WrapContext(b.String())), nil
}

func (s *Server) warningTool() mcp.Tool {
	return mcp.NewTool("warning_check",
		mcp.WithDescription("Check whether a warning type may still be shown in a session. With record=true the display is counted in the same step."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session identifier"),
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Warning type"),
		),
		mcp.WithBoolean("record",
			mcp.Description("Count the display when allowed (default: false)"),
		),
	)
}

func (s *Server) handleWarning(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session := req.GetString("session_id", "")
	typ := req.GetString("type", "")
	if session == "" || typ == "" {
		return mcp.NewToolResultError("'session_id' and 'type' are required"), nil
	}

	var show bool
	if boolArg(req, "record", false) {
		show = s.engine.TryShow(ctx, session, typ)
	} else {
		show = s.engine.ShouldShowWarning(ctx, session, typ)
	}
	return mcp.NewToolResultText(fmt.Sprintf("show=%t", show)), nil
}

func (s *Server) statsTool() mcp.Tool {
	return mcp.NewTool("context_stats",
		mcp.WithDescription("Summarize stored context and capture counters."),
	)
}

func (s *Server) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(FormatStats(s.engine.Stats(ctx))), nil
}

// FormatStats renders stats for people.
func FormatStats(st engine.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backend: %s (breaker %s)\n", st.Backend, st.Breaker)
	if st.StoreError != "" {
		fmt.Fprintf(&b, "Store unavailable: %s\n", st.StoreError)
	} else {
		fmt.Fprintf(&b, "Records: %s\n", humanize.Comma(st.Store.Records))
		if st.Store.Records > 0 {
			fmt.Fprintf(&b, "Oldest: %s\nNewest: %s\n", humanize.Time(st.Store.Oldest), humanize.Time(st.Store.Newest))
		}
	}
	c := st.Counters
	fmt.Fprintf(&b, "Captured: %s, skipped: %s, failed: %s\n",
		humanize.Comma(c.Captured), humanize.Comma(c.Skipped), humanize.Comma(c.CaptureFailed))
	fmt.Fprintf(&b, "Warning sessions: %d\n", st.Sessions)
	fmt.Fprintf(&b, "Weights: recency %.2f, relevance %.2f, outcome %.2f, file overlap %.2f\n",
		st.Weights.Recency, st.Weights.Relevance, st.Weights.Outcome, st.Weights.FileOverlap)
	return b.String()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// intArg reads a numeric argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
