package event

import "time"

// The types below are the JSON bodies the ingestion service returns. They
// live here so producers can decode them without importing the server.

// CreateResponse is the body of a successful POST /runs.
type CreateResponse struct {
	Status  string `json:"status"` // "created" or "duplicate"
	EventID string `json:"event_id"`
	RunID   string `json:"run_id"`
}

// ItemError reports one rejected batch item.
type ItemError struct {
	Index     int    `json:"index"`
	EventID   string `json:"event_id,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

// BatchResponse is the body of POST /runs/batch.
type BatchResponse struct {
	Inserted   int         `json:"inserted"`
	Duplicates int         `json:"duplicates"`
	Errors     []ItemError `json:"errors"`
	Total      int         `json:"total"`
}

// PatchResponse is the body of a successful PATCH.
type PatchResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// HealthInfo is echoed by GET /health.
type HealthInfo struct {
	StorePath   string `json:"store_path"`
	JournalMode string `json:"journal_mode"`
	Synchronous string `json:"synchronous"`
	Workers     int    `json:"workers"`
}

// RunState is the fold of every event sharing a run_id.
type RunState struct {
	RunID      string     `json:"run_id"`
	AgentName  string     `json:"agent_name"`
	Status     Status     `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`

	ItemsDiscovered *int64 `json:"items_discovered,omitempty"`
	ItemsSucceeded  *int64 `json:"items_succeeded,omitempty"`
	ItemsFailed     *int64 `json:"items_failed,omitempty"`
	ItemsSkipped    *int64 `json:"items_skipped,omitempty"`

	ErrorSummary *string  `json:"error_summary,omitempty"`
	EventCount   int      `json:"event_count"`
	EventIDs     []string `json:"event_ids"`
	LastEventID  string   `json:"last_event_id"`
}

// Metrics is the aggregate view served by GET /metrics.
type Metrics struct {
	TotalEvents  int64            `json:"total_events"`
	TotalRuns    int64            `json:"total_runs"`
	ByAgent      map[string]int64 `json:"by_agent"`
	ByStatus     map[string]int64 `json:"by_status"`
	RecentEvents int64            `json:"recent_events"`
	Window       string           `json:"window"`
}
