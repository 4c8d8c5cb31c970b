package storage

import (
	"context"
	"fmt"

	"github.com/kalambet/runledger/internal/event"
)

// RunState folds every event of runID into one view of the run.
func (s *Store) RunState(ctx context.Context, runID string) (event.RunState, error) {
	records, err := s.RunEvents(ctx, runID)
	if err != nil {
		return event.RunState{}, fmt.Errorf("loading run %s: %w", runID, err)
	}
	if len(records) == 0 {
		return event.RunState{}, ErrNotFound
	}
	return FoldRun(records), nil
}

// FoldRun reduces events of one run, oldest first, into a RunState. The
// earliest start and the latest end win; status and counters come from the
// latest event that sets them.
func FoldRun(records []Record) event.RunState {
	var st event.RunState
	for i, r := range records {
		if i == 0 {
			st.RunID = r.RunID
			st.StartTime = r.StartTime
		}
		if r.StartTime.Before(st.StartTime) {
			st.StartTime = r.StartTime
		}
		if r.EndTime != nil && (st.EndTime == nil || r.EndTime.After(*st.EndTime)) {
			end := *r.EndTime
			st.EndTime = &end
		}
		st.AgentName = r.AgentName
		st.Status = r.Status
		st.DurationMS = latest(st.DurationMS, r.DurationMS)
		st.ItemsDiscovered = latest(st.ItemsDiscovered, r.ItemsDiscovered)
		st.ItemsSucceeded = latest(st.ItemsSucceeded, r.ItemsSucceeded)
		st.ItemsFailed = latest(st.ItemsFailed, r.ItemsFailed)
		st.ItemsSkipped = latest(st.ItemsSkipped, r.ItemsSkipped)
		st.ErrorSummary = latest(st.ErrorSummary, r.ErrorSummary)
		st.EventIDs = append(st.EventIDs, r.EventID)
		st.LastEventID = r.EventID
	}
	st.EventCount = len(records)

	if st.EndTime != nil && st.DurationMS == nil {
		d := st.EndTime.Sub(st.StartTime).Milliseconds()
		st.DurationMS = &d
	}
	return st
}

func latest[T any](cur, next *T) *T {
	if next != nil {
		return next
	}
	return cur
}
