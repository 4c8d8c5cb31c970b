package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/runledger/internal/event"
)

// RunRecorder is how MCP tools reach the ingestion service. Agents never
// touch the store directly; recording goes through the same delivery path as
// any other producer, including the buffer fallback.
type RunRecorder interface {
	// Record delivers e and reports "created", "duplicate" or "buffered".
	Record(ctx context.Context, e *event.Event) (string, error)
	CompleteRun(ctx context.Context, runID string, p *event.Patch) error
	RunState(ctx context.Context, runID string) (event.RunState, error)
	Metrics(ctx context.Context, window string) (event.Metrics, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Recorder RunRecorder
	Now      func() time.Time
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server exposing run recording tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"runledger",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("runledger records agent run telemetry: call record_run when a run starts and complete_run when it ends."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("record_run",
			mcp.WithDescription("Record a run event. Returns the event_id and run_id used."),
			mcp.WithString("agent_name", mcp.Description("Name of the agent"), mcp.Required()),
			mcp.WithString("status", mcp.Description("running, success, failure, partial or cancelled (default running)")),
			mcp.WithString("run_id", mcp.Description("Run identifier; generated when omitted")),
			mcp.WithString("event_id", mcp.Description("Idempotency key; generated when omitted")),
			mcp.WithString("job_type", mcp.Description("Kind of job")),
			mcp.WithString("metadata", mcp.Description("JSON object with free-form context")),
		),
		mcpRecordRun(deps),
	)

	s.AddTool(
		mcp.NewTool("complete_run",
			mcp.WithDescription("Mark the latest event of a run as finished."),
			mcp.WithString("run_id", mcp.Description("Run identifier"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Final status"), mcp.Required()),
			mcp.WithNumber("items_succeeded", mcp.Description("Items processed successfully")),
			mcp.WithNumber("items_failed", mcp.Description("Items that failed")),
			mcp.WithString("error_summary", mcp.Description("Short failure description")),
		),
		mcpCompleteRun(deps),
	)

	s.AddTool(
		mcp.NewTool("run_state",
			mcp.WithDescription("Return the folded state of a run."),
			mcp.WithString("run_id", mcp.Description("Run identifier"), mcp.Required()),
		),
		mcpRunState(deps),
	)

	s.AddTool(
		mcp.NewTool("run_metrics",
			mcp.WithDescription("Return aggregate run counts."),
			mcp.WithString("window", mcp.Description("Recent window as a Go duration (default 24h)")),
		),
		mcpRunMetrics(deps),
	)

	return s
}

func mcpRecordRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent_name")
		if err != nil {
			return mcpError("agent_name is required"), nil
		}

		now := deps.now().UTC()
		e := &event.Event{
			EventID:   req.GetString("event_id", ""),
			RunID:     req.GetString("run_id", ""),
			AgentName: agent,
			Status:    event.Status(req.GetString("status", string(event.StatusRunning))),
			StartTime: now,
		}
		if e.EventID == "" {
			e.EventID = event.NewID()
		}
		if e.RunID == "" {
			e.RunID = event.NewID()
		}
		if jt := req.GetString("job_type", ""); jt != "" {
			e.JobType = &jt
		}
		if md := req.GetString("metadata", ""); md != "" {
			e.Metadata = json.RawMessage(md)
		}

		e.Normalize(now)
		if err := event.Validate(e); err != nil {
			return mcpError(err.Error()), nil
		}

		status, err := deps.Recorder.Record(ctx, e)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to record run: %v", err)), nil
		}

		b, err := json.Marshal(map[string]string{"status": status, "event_id": e.EventID, "run_id": e.RunID})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCompleteRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcpError("status is required"), nil
		}

		end := deps.now().UTC()
		st := event.Status(status)
		p := &event.Patch{Status: &st, EndTime: &end}
		if n := req.GetInt("items_succeeded", -1); n >= 0 {
			p.ItemsSucceeded = event.Ptr(int64(n))
		}
		if n := req.GetInt("items_failed", -1); n >= 0 {
			p.ItemsFailed = event.Ptr(int64(n))
		}
		if s := req.GetString("error_summary", ""); s != "" {
			p.ErrorSummary = &s
		}

		p.Normalize()
		if err := event.ValidatePatch(p); err != nil {
			return mcpError(err.Error()), nil
		}
		if err := deps.Recorder.CompleteRun(ctx, runID, p); err != nil {
			return mcpError(fmt.Sprintf("failed to complete run: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Run %s marked %s", runID, *p.Status)), nil
	}
}

func mcpRunState(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcpError("run_id is required"), nil
		}
		st, err := deps.Recorder.RunState(ctx, runID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load run: %v", err)), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRunMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		window := req.GetString("window", "24h")
		if _, err := time.ParseDuration(window); err != nil {
			return mcpError(fmt.Sprintf("invalid window %q", window)), nil
		}
		m, err := deps.Recorder.Metrics(ctx, window)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load metrics: %v", err)), nil
		}
		b, err := json.Marshal(m)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal metrics: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
