// Package event defines the telemetry record accepted by the ingestion
// service: one immutable agent run event keyed by EventID.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the normalized run status carried by an event.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusPartial   Status = "partial"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every canonical status.
var Statuses = []Status{StatusRunning, StatusSuccess, StatusFailure, StatusPartial, StatusCancelled}

var statusAliases = map[string]Status{
	"running":     StatusRunning,
	"started":     StatusRunning,
	"in_progress": StatusRunning,
	"success":     StatusSuccess,
	"succeeded":   StatusSuccess,
	"completed":   StatusSuccess,
	"complete":    StatusSuccess,
	"ok":          StatusSuccess,
	"failure":     StatusFailure,
	"failed":      StatusFailure,
	"error":       StatusFailure,
	"partial":     StatusPartial,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
}

// NormalizeStatus maps s (case-insensitive, aliases allowed) onto a
// canonical Status. It reports false for unknown values.
func NormalizeStatus(s string) (Status, bool) {
	st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	for _, c := range Statuses {
		if s == c {
			return true
		}
	}
	return false
}

// Event is one telemetry record. Optional fields are pointers so an absent
// field is distinguishable from a zero value.
type Event struct {
	EventID string `json:"event_id" validate:"required,max=128"`
	RunID   string `json:"run_id" validate:"required,max=128"`

	AgentName      string  `json:"agent_name" validate:"required,max=200"`
	AgentOwner     *string `json:"agent_owner,omitempty" validate:"omitempty,max=200"`
	JobType        *string `json:"job_type,omitempty" validate:"omitempty,max=100"`
	TriggerType    *string `json:"trigger_type,omitempty" validate:"omitempty,max=100"`
	Product        *string `json:"product,omitempty" validate:"omitempty,max=200"`
	Platform       *string `json:"platform,omitempty" validate:"omitempty,max=100"`
	Website        *string `json:"website,omitempty" validate:"omitempty,max=255"`
	WebsiteSection *string `json:"website_section,omitempty" validate:"omitempty,max=255"`

	Status Status `json:"status" validate:"required,run_status"`

	CreatedAt *time.Time `json:"created_at,omitempty"`
	StartTime time.Time  `json:"start_time" validate:"required"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	DurationMS      *int64 `json:"duration_ms,omitempty" validate:"omitempty,gte=0"`
	ItemsDiscovered *int64 `json:"items_discovered,omitempty" validate:"omitempty,gte=0"`
	ItemsSucceeded  *int64 `json:"items_succeeded,omitempty" validate:"omitempty,gte=0"`
	ItemsFailed     *int64 `json:"items_failed,omitempty" validate:"omitempty,gte=0"`
	ItemsSkipped    *int64 `json:"items_skipped,omitempty" validate:"omitempty,gte=0"`

	ErrorSummary *string        `json:"error_summary,omitempty" validate:"omitempty,max=4000"`
	Metadata     json.RawMessage `json:"metadata,omitempty" validate:"omitempty,json_object"`

	GitCommitHash      *string    `json:"git_commit_hash,omitempty" validate:"omitempty,hexadecimal,min=7,max=64"`
	GitCommitAuthor    *string    `json:"git_commit_author,omitempty" validate:"omitempty,max=200"`
	GitCommitTimestamp *time.Time `json:"git_commit_timestamp,omitempty"`
	ParentRunID        *string    `json:"parent_run_id,omitempty" validate:"omitempty,max=128"`
}

// Patch is a partial update applied to a stored event, typically to record
// run completion. Only non-nil fields are written.
type Patch struct {
	Status          *Status         `json:"status,omitempty" validate:"omitempty,run_status"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationMS      *int64          `json:"duration_ms,omitempty" validate:"omitempty,gte=0"`
	ItemsDiscovered *int64          `json:"items_discovered,omitempty" validate:"omitempty,gte=0"`
	ItemsSucceeded  *int64          `json:"items_succeeded,omitempty" validate:"omitempty,gte=0"`
	ItemsFailed     *int64          `json:"items_failed,omitempty" validate:"omitempty,gte=0"`
	ItemsSkipped    *int64          `json:"items_skipped,omitempty" validate:"omitempty,gte=0"`
	ErrorSummary    *string         `json:"error_summary,omitempty" validate:"omitempty,max=4000"`
	Metadata        json.RawMessage `json:"metadata,omitempty" validate:"omitempty,json_object"`

	GitCommitHash      *string    `json:"git_commit_hash,omitempty" validate:"omitempty,hexadecimal,min=7,max=64"`
	GitCommitAuthor    *string    `json:"git_commit_author,omitempty" validate:"omitempty,max=200"`
	GitCommitTimestamp *time.Time `json:"git_commit_timestamp,omitempty"`
}

// Empty reports whether the patch sets no fields.
func (p *Patch) Empty() bool {
	return p.Status == nil && p.EndTime == nil && p.DurationMS == nil &&
		p.ItemsDiscovered == nil && p.ItemsSucceeded == nil && p.ItemsFailed == nil &&
		p.ItemsSkipped == nil && p.ErrorSummary == nil && len(p.Metadata) == 0 &&
		p.GitCommitHash == nil && p.GitCommitAuthor == nil && p.GitCommitTimestamp == nil
}

// NewID returns a fresh random event ID.
func NewID() string {
	return uuid.New().String()
}

// Normalize canonicalizes aliases and fills service defaults. It does not
// validate; call Validate afterwards.
func (e *Event) Normalize(now time.Time) {
	e.EventID = strings.TrimSpace(e.EventID)
	e.RunID = strings.TrimSpace(e.RunID)
	e.AgentName = strings.TrimSpace(e.AgentName)
	if st, ok := NormalizeStatus(string(e.Status)); ok {
		e.Status = st
	}
	if isNull(e.Metadata) {
		e.Metadata = nil
	}
	if e.CreatedAt == nil {
		t := now.UTC()
		e.CreatedAt = &t
	}
	if e.DurationMS == nil && e.EndTime != nil && !e.StartTime.IsZero() && !e.EndTime.Before(e.StartTime) {
		d := e.EndTime.Sub(e.StartTime).Milliseconds()
		e.DurationMS = &d
	}
}

// Normalize canonicalizes a status alias in the patch.
func (p *Patch) Normalize() {
	if isNull(p.Metadata) {
		p.Metadata = nil
	}
	if p.Status != nil {
		if st, ok := NormalizeStatus(string(*p.Status)); ok {
			p.Status = &st
		}
	}
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// Ptr returns a pointer to v. Used for building optional fields.
func Ptr[T any](v T) *T { return &v }
