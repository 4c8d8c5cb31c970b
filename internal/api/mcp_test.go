package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/runledger/internal/event"
	"github.com/kalambet/runledger/internal/storage"
)

// --- mocks ---

type mockRecorder struct {
	mu       sync.Mutex
	recorded []*event.Event
	patches  map[string]*event.Patch
	status   string
	err      error
}

func (m *mockRecorder) Record(_ context.Context, e *event.Event) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.recorded = append(m.recorded, e)
	if m.status == "" {
		return "created", nil
	}
	return m.status, nil
}

func (m *mockRecorder) CompleteRun(_ context.Context, runID string, p *event.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.patches == nil {
		m.patches = make(map[string]*event.Patch)
	}
	m.patches[runID] = p
	return nil
}

func (m *mockRecorder) RunState(_ context.Context, runID string) (event.RunState, error) {
	if runID == "missing" {
		return event.RunState{}, storage.ErrNotFound
	}
	return event.RunState{RunID: runID, Status: event.StatusSuccess, EventCount: 2}, nil
}

func (m *mockRecorder) Metrics(_ context.Context, window string) (event.Metrics, error) {
	return event.Metrics{TotalEvents: 3, Window: window}, nil
}

// --- helpers ---

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

// --- tests ---

func TestMCPTool_RecordRun(t *testing.T) {
	rec := &mockRecorder{}
	handler := mcpRecordRun(MCPDeps{Recorder: rec, Now: fixedNow})

	result, err := handler(context.Background(), makeCallToolRequest("record_run", map[string]interface{}{
		"agent_name": "crawler",
		"status":     "started",
		"run_id":     "r1",
		"metadata":   `{"site":"example"}`,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var out map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if out["status"] != "created" || out["run_id"] != "r1" || out["event_id"] == "" {
		t.Errorf("result = %v", out)
	}

	if len(rec.recorded) != 1 {
		t.Fatalf("recorded %d events, want 1", len(rec.recorded))
	}
	e := rec.recorded[0]
	if e.Status != event.StatusRunning {
		t.Errorf("Status = %s, want running", e.Status)
	}
	if !e.StartTime.Equal(fixedNow()) {
		t.Errorf("StartTime = %v, want %v", e.StartTime, fixedNow())
	}
}

func TestMCPTool_RecordRun_Invalid(t *testing.T) {
	rec := &mockRecorder{}
	handler := mcpRecordRun(MCPDeps{Recorder: rec, Now: fixedNow})

	result, _ := handler(context.Background(), makeCallToolRequest("record_run", map[string]interface{}{}))
	if !result.IsError {
		t.Error("missing agent_name accepted")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("record_run", map[string]interface{}{
		"agent_name": "crawler",
		"metadata":   `[1,2,3]`,
	}))
	if !result.IsError {
		t.Error("non-object metadata accepted")
	}
	if len(rec.recorded) != 0 {
		t.Errorf("invalid events reached the recorder: %d", len(rec.recorded))
	}
}

func TestMCPTool_RecordRun_Buffered(t *testing.T) {
	handler := mcpRecordRun(MCPDeps{Recorder: &mockRecorder{status: "buffered"}, Now: fixedNow})

	result, _ := handler(context.Background(), makeCallToolRequest("record_run", map[string]interface{}{"agent_name": "crawler"}))
	if result.IsError || !strings.Contains(toolText(t, result), `"buffered"`) {
		t.Errorf("result = %s", toolText(t, result))
	}
}

func TestMCPTool_RecordRun_RecorderError(t *testing.T) {
	handler := mcpRecordRun(MCPDeps{Recorder: &mockRecorder{err: errors.New("validation failed")}, Now: fixedNow})

	result, _ := handler(context.Background(), makeCallToolRequest("record_run", map[string]interface{}{"agent_name": "crawler"}))
	if !result.IsError {
		t.Error("recorder error not surfaced")
	}
}

func TestMCPTool_CompleteRun(t *testing.T) {
	rec := &mockRecorder{}
	handler := mcpCompleteRun(MCPDeps{Recorder: rec, Now: fixedNow})

	result, err := handler(context.Background(), makeCallToolRequest("complete_run", map[string]interface{}{
		"run_id":          "r1",
		"status":          "failed",
		"items_succeeded": 3,
		"items_failed":    1,
		"error_summary":   "timeout",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	p := rec.patches["r1"]
	if p == nil {
		t.Fatal("no patch recorded")
	}
	if *p.Status != event.StatusFailure {
		t.Errorf("Status = %s, want failure", *p.Status)
	}
	if p.ItemsSucceeded == nil || *p.ItemsSucceeded != 3 || p.ItemsFailed == nil || *p.ItemsFailed != 1 {
		t.Errorf("counters = %v/%v", p.ItemsSucceeded, p.ItemsFailed)
	}
	if p.ItemsSkipped != nil {
		t.Errorf("ItemsSkipped = %v, want unset", p.ItemsSkipped)
	}
}

func TestMCPTool_CompleteRun_BadStatus(t *testing.T) {
	handler := mcpCompleteRun(MCPDeps{Recorder: &mockRecorder{}, Now: fixedNow})

	result, _ := handler(context.Background(), makeCallToolRequest("complete_run", map[string]interface{}{
		"run_id": "r1",
		"status": "exploded",
	}))
	if !result.IsError {
		t.Error("unknown status accepted")
	}
}

func TestMCPTool_RunState(t *testing.T) {
	handler := mcpRunState(MCPDeps{Recorder: &mockRecorder{}})

	result, _ := handler(context.Background(), makeCallToolRequest("run_state", map[string]interface{}{"run_id": "r1"}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	var st event.RunState
	if err := json.Unmarshal([]byte(toolText(t, result)), &st); err != nil {
		t.Fatalf("parsing: %v", err)
	}
	if st.RunID != "r1" || st.EventCount != 2 {
		t.Errorf("state = %+v", st)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("run_state", map[string]interface{}{"run_id": "missing"}))
	if !result.IsError {
		t.Error("missing run not reported as error")
	}
}

func TestMCPTool_RunMetrics(t *testing.T) {
	handler := mcpRunMetrics(MCPDeps{Recorder: &mockRecorder{}})

	result, _ := handler(context.Background(), makeCallToolRequest("run_metrics", map[string]interface{}{"window": "1h"}))
	if result.IsError || !strings.Contains(toolText(t, result), `"window":"1h"`) {
		t.Errorf("result = %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("run_metrics", map[string]interface{}{"window": "later"}))
	if !result.IsError {
		t.Error("invalid window accepted")
	}
}

func TestNewMCPServer(t *testing.T) {
	if s := NewMCPServer(MCPDeps{Recorder: &mockRecorder{}}); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
