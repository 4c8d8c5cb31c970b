package storage

import (
	"errors"
	"time"

	"github.com/kalambet/runledger/internal/event"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid wraps constraint violations other than a duplicate event_id.
	ErrInvalid = errors.New("invalid event")
	// ErrTransient wraps lock contention that outlasted every busy retry.
	ErrTransient = errors.New("store temporarily unavailable")
)

// Outcome is the result of an insert.
type Outcome int

const (
	Created Outcome = iota + 1
	Duplicate
	Invalid
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Duplicate:
		return "duplicate"
	case Invalid:
		return "invalid"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// UpdateOutcome is the result of a partial update.
type UpdateOutcome int

const (
	Applied UpdateOutcome = iota + 1
	NotFound
	UpdateInvalid
	UpdateTransient
)

func (o UpdateOutcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NotFound:
		return "not_found"
	case UpdateInvalid:
		return "invalid"
	case UpdateTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Record is a stored event plus the service-owned bookkeeping columns.
type Record struct {
	event.Event

	Posted     bool       `json:"posted"`
	PostedAt   *time.Time `json:"posted_at,omitempty"`
	RetryCount int        `json:"retry_count"`
	IngestedAt time.Time  `json:"ingested_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IntegrityMode selects the consistency check to run.
type IntegrityMode int

const (
	// QuickCheck runs PRAGMA quick_check, which skips index cross-checks.
	QuickCheck IntegrityMode = iota
	// FullCheck runs PRAGMA integrity_check.
	FullCheck
)

func (m IntegrityMode) String() string {
	if m == FullCheck {
		return "integrity_check"
	}
	return "quick_check"
}

// IntegrityReport is the result of CheckIntegrity. Problems is empty when OK.
type IntegrityReport struct {
	Mode     string   `json:"mode"`
	OK       bool     `json:"ok"`
	Problems []string `json:"problems,omitempty"`
}
