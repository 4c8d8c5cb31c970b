package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/kalambet/runledger/internal/event"
	"github.com/kalambet/runledger/internal/metrics"
	"github.com/kalambet/runledger/internal/retry"
)

// Primary SQLite result codes. Extended codes carry the primary code in the
// low byte.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// timeLayout is fixed-width so stored times compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const eventColumns = `event_id, run_id, agent_name, agent_owner, job_type, trigger_type, product, platform,
	website, website_section, status, created_at, start_time, end_time, duration_ms,
	items_discovered, items_succeeded, items_failed, items_skipped, error_summary, metadata,
	git_commit_hash, git_commit_author, git_commit_timestamp, parent_run_id,
	posted, posted_at, retry_count, ingested_at, updated_at`

const insertEventSQL = `INSERT INTO events (event_id, run_id, agent_name, agent_owner, job_type, trigger_type,
	product, platform, website, website_section, status, created_at, start_time, end_time, duration_ms,
	items_discovered, items_succeeded, items_failed, items_skipped, error_summary, metadata,
	git_commit_hash, git_commit_author, git_commit_timestamp, parent_run_id, ingested_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(event_id) DO NOTHING`

// InsertEvent stores e unless a row with the same event_id already exists.
// A duplicate is reported as Duplicate with a nil error. Invalid and
// Transient outcomes come with an error wrapping ErrInvalid or ErrTransient.
func (s *Store) InsertEvent(ctx context.Context, e *event.Event) (Outcome, error) {
	if e == nil || e.EventID == "" {
		return Invalid, fmt.Errorf("%w: event_id is required", ErrInvalid)
	}
	defer metrics.RecordStoreOp("insert", time.Now())

	now := formatTime(time.Now())
	createdAt := now
	if e.CreatedAt != nil {
		createdAt = formatTime(*e.CreatedAt)
	}
	args := []any{
		e.EventID, e.RunID, e.AgentName, nullString(e.AgentOwner), nullString(e.JobType),
		nullString(e.TriggerType), nullString(e.Product), nullString(e.Platform),
		nullString(e.Website), nullString(e.WebsiteSection), string(e.Status),
		createdAt, formatTime(e.StartTime), nullTime(e.EndTime), nullInt(e.DurationMS),
		nullInt(e.ItemsDiscovered), nullInt(e.ItemsSucceeded), nullInt(e.ItemsFailed), nullInt(e.ItemsSkipped),
		nullString(e.ErrorSummary), nullJSON(e.Metadata),
		nullString(e.GitCommitHash), nullString(e.GitCommitAuthor), nullTime(e.GitCommitTimestamp),
		nullString(e.ParentRunID), now, now,
	}

	var affected int64
	err := s.withBusyRetry(ctx, "insert", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, insertEventSQL, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err == nil {
		if affected == 0 {
			return Duplicate, nil
		}
		return Created, nil
	}

	if isConstraint(err) {
		return Invalid, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s.logger.Warn("insert failed", "event_id", e.EventID, "error", err)
	return Transient, fmt.Errorf("%w: %w", ErrTransient, err)
}

// UpdateEvent applies p to the event with eventID.
func (s *Store) UpdateEvent(ctx context.Context, eventID string, p *event.Patch) (UpdateOutcome, error) {
	return s.update(ctx, p, func(ctx context.Context, tx *sql.Tx) (string, error) {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT event_id FROM events WHERE event_id = ?`, eventID).Scan(&id)
		return id, err
	})
}

// UpdateRun applies p to the most recent event of runID.
func (s *Store) UpdateRun(ctx context.Context, runID string, p *event.Patch) (UpdateOutcome, error) {
	return s.update(ctx, p, func(ctx context.Context, tx *sql.Tx) (string, error) {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT event_id FROM events WHERE run_id = ?
			ORDER BY created_at DESC, ingested_at DESC, rowid DESC LIMIT 1`, runID).Scan(&id)
		return id, err
	})
}

func (s *Store) update(ctx context.Context, p *event.Patch, target func(context.Context, *sql.Tx) (string, error)) (UpdateOutcome, error) {
	if p == nil || p.Empty() {
		return UpdateInvalid, fmt.Errorf("%w: empty patch", ErrInvalid)
	}
	defer metrics.RecordStoreOp("update", time.Now())

	var outcome UpdateOutcome
	err := s.withBusyRetry(ctx, "update", func(ctx context.Context) error {
		o, err := s.applyPatch(ctx, p, target)
		outcome = o
		return err
	})
	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, ErrNotFound):
		return NotFound, err
	case errors.Is(err, ErrInvalid):
		return UpdateInvalid, err
	case isConstraint(err):
		return UpdateInvalid, fmt.Errorf("%w: %v", ErrInvalid, err)
	default:
		s.logger.Warn("update failed", "error", err)
		return UpdateTransient, fmt.Errorf("%w: %w", ErrTransient, err)
	}
}

func (s *Store) applyPatch(ctx context.Context, p *event.Patch, target func(context.Context, *sql.Tx) (string, error)) (UpdateOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := target(ctx, tx)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var startRaw string
	if err := tx.QueryRowContext(ctx, `SELECT start_time FROM events WHERE event_id = ?`, id).Scan(&startRaw); err != nil {
		return 0, err
	}
	start, err := parseTime(startRaw)
	if err != nil {
		return 0, fmt.Errorf("parsing start_time of %s: %w", id, err)
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.EndTime != nil {
		if p.EndTime.Before(start) {
			return UpdateInvalid, fmt.Errorf("%w: end_time is before start_time", ErrInvalid)
		}
		set("end_time", formatTime(*p.EndTime))
		if p.DurationMS == nil {
			set("duration_ms", p.EndTime.Sub(start).Milliseconds())
		}
	}
	if p.DurationMS != nil {
		set("duration_ms", *p.DurationMS)
	}
	if p.ItemsDiscovered != nil {
		set("items_discovered", *p.ItemsDiscovered)
	}
	if p.ItemsSucceeded != nil {
		set("items_succeeded", *p.ItemsSucceeded)
	}
	if p.ItemsFailed != nil {
		set("items_failed", *p.ItemsFailed)
	}
	if p.ItemsSkipped != nil {
		set("items_skipped", *p.ItemsSkipped)
	}
	if p.ErrorSummary != nil {
		set("error_summary", *p.ErrorSummary)
	}
	if len(p.Metadata) > 0 {
		set("metadata", string(p.Metadata))
	}
	if p.GitCommitHash != nil {
		set("git_commit_hash", *p.GitCommitHash)
	}
	if p.GitCommitAuthor != nil {
		set("git_commit_author", *p.GitCommitAuthor)
	}
	if p.GitCommitTimestamp != nil {
		set("git_commit_timestamp", formatTime(*p.GitCommitTimestamp))
	}
	set("updated_at", formatTime(time.Now()))

	args = append(args, id)
	query := "UPDATE events SET " + strings.Join(sets, ", ") + " WHERE event_id = ?"
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return Applied, nil
}

// GetEvent returns the stored event with eventID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = ?`, eventID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// RunEvents returns every event of runID in the order they were created.
func (s *Store) RunEvents(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id = ?
		ORDER BY created_at ASC, ingested_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// Metrics aggregates the ledger. Events the service received at or after
// since count as recent, whatever created_at the producer reported; window
// labels that span in the result.
func (s *Store) Metrics(ctx context.Context, since time.Time, window string) (event.Metrics, error) {
	m := event.Metrics{
		ByAgent:  make(map[string]int64),
		ByStatus: make(map[string]int64),
		Window:   window,
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT run_id) FROM events`,
	).Scan(&m.TotalEvents, &m.TotalRuns); err != nil {
		return event.Metrics{}, fmt.Errorf("counting events: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE ingested_at >= ?`, formatTime(since),
	).Scan(&m.RecentEvents); err != nil {
		return event.Metrics{}, fmt.Errorf("counting recent events: %w", err)
	}

	if err := s.groupCount(ctx, "agent_name", m.ByAgent); err != nil {
		return event.Metrics{}, err
	}
	if err := s.groupCount(ctx, "status", m.ByStatus); err != nil {
		return event.Metrics{}, err
	}
	return m, nil
}

func (s *Store) groupCount(ctx context.Context, col string, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+col+`, COUNT(*) FROM events GROUP BY `+col)
	if err != nil {
		return fmt.Errorf("grouping by %s: %w", col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int64
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}

// CheckIntegrity runs SQLite's consistency check.
func (s *Store) CheckIntegrity(ctx context.Context, mode IntegrityMode) (IntegrityReport, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA "+mode.String())
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("running %s: %w", mode, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return IntegrityReport{}, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return IntegrityReport{}, err
	}

	rep := IntegrityReport{Mode: mode.String()}
	if len(lines) == 1 && lines[0] == "ok" {
		rep.OK = true
	} else {
		rep.Problems = lines
	}
	return rep, nil
}

func (s *Store) withBusyRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, retry.Policy{
		MaxAttempts: len(s.busyBackoff) + 1,
		Backoff:     retry.Fixed(s.busyBackoff...),
		Retryable:   isBusy,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			metrics.StoreBusyRetries.WithLabelValues(op).Inc()
			s.logger.Warn("store busy, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		},
	}, fn)
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return 0
}

func isBusy(err error) bool {
	switch sqliteCode(err) {
	case sqliteBusy, sqliteLocked:
		return true
	case 0:
		msg := err.Error()
		return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
	}
	return false
}

func isConstraint(err error) bool {
	if sqliteCode(err) == sqliteConstraint {
		return true
	}
	return strings.Contains(err.Error(), "constraint failed")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var agentOwner, jobType, triggerType, product, platform sql.NullString
	var website, websiteSection, errorSummary, metadata sql.NullString
	var gitHash, gitAuthor, gitTS, parentRunID sql.NullString
	var status, createdAt, startTime, ingestedAt, updatedAt string
	var endTime, postedAt sql.NullString
	var duration, discovered, succeeded, failed, skipped sql.NullInt64
	var posted int
	if err := row.Scan(
		&r.EventID, &r.RunID, &r.AgentName, &agentOwner, &jobType, &triggerType, &product, &platform,
		&website, &websiteSection, &status, &createdAt, &startTime, &endTime, &duration,
		&discovered, &succeeded, &failed, &skipped, &errorSummary, &metadata,
		&gitHash, &gitAuthor, &gitTS, &parentRunID,
		&posted, &postedAt, &r.RetryCount, &ingestedAt, &updatedAt,
	); err != nil {
		return Record{}, err
	}

	r.AgentOwner = strPtr(agentOwner)
	r.JobType = strPtr(jobType)
	r.TriggerType = strPtr(triggerType)
	r.Product = strPtr(product)
	r.Platform = strPtr(platform)
	r.Website = strPtr(website)
	r.WebsiteSection = strPtr(websiteSection)
	r.Status = event.Status(status)
	r.DurationMS = intPtr(duration)
	r.ItemsDiscovered = intPtr(discovered)
	r.ItemsSucceeded = intPtr(succeeded)
	r.ItemsFailed = intPtr(failed)
	r.ItemsSkipped = intPtr(skipped)
	r.ErrorSummary = strPtr(errorSummary)
	if metadata.Valid {
		r.Metadata = []byte(metadata.String)
	}
	r.GitCommitHash = strPtr(gitHash)
	r.GitCommitAuthor = strPtr(gitAuthor)
	r.ParentRunID = strPtr(parentRunID)
	r.Posted = posted != 0

	var err error
	if r.StartTime, err = parseTime(startTime); err != nil {
		return Record{}, fmt.Errorf("parsing start_time for %s: %w", r.EventID, err)
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", r.EventID, err)
	}
	r.CreatedAt = &created
	if r.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return Record{}, fmt.Errorf("parsing ingested_at for %s: %w", r.EventID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, fmt.Errorf("parsing updated_at for %s: %w", r.EventID, err)
	}
	if r.EndTime, err = timePtr(endTime); err != nil {
		return Record{}, fmt.Errorf("parsing end_time for %s: %w", r.EventID, err)
	}
	if r.GitCommitTimestamp, err = timePtr(gitTS); err != nil {
		return Record{}, fmt.Errorf("parsing git_commit_timestamp for %s: %w", r.EventID, err)
	}
	if r.PostedAt, err = timePtr(postedAt); err != nil {
		return Record{}, fmt.Errorf("parsing posted_at for %s: %w", r.EventID, err)
	}
	return r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func timePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
