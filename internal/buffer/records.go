package buffer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ReadRecords returns every well-formed record in a buffer file in append
// order. Lines that are not JSON objects with an event_id, including a torn
// final line, are skipped, logged and counted in malformed.
func (b *Buffer) ReadRecords(path string) (records []json.RawMessage, malformed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening buffer file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, rerr := r.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return nil, 0, fmt.Errorf("reading %s: %w", filepath.Base(path), rerr)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			if _, idErr := recordID(line); idErr != nil {
				malformed++
				b.logger.Warn("skipping malformed buffer line",
					"file", filepath.Base(path), "line", lineNo, "error", idErr)
			} else {
				records = append(records, json.RawMessage(line))
			}
		}
		if rerr != nil {
			break
		}
	}
	return records, malformed, nil
}

// FileStats counts the files in one state.
type FileStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Stats summarizes a buffer directory.
type Stats struct {
	Dir    string              `json:"dir"`
	States map[State]FileStats `json:"states"`
	// OldestReady is the creation time of the oldest ready file, zero if none.
	OldestReady time.Time `json:"oldest_ready,omitzero"`
}

// Stats reports per-state file counts and sizes.
func (b *Buffer) Stats() (Stats, error) {
	st := Stats{
		Dir:    b.dir,
		States: map[State]FileStats{Active: {}, Ready: {}, Synced: {}},
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return st, fmt.Errorf("reading buffer directory: %w", err)
	}
	for _, e := range entries {
		created, state, ok := parseName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Renamed between ReadDir and Info.
			continue
		}
		fs := st.States[state]
		fs.Files++
		fs.Bytes += info.Size()
		st.States[state] = fs
		if state == Ready && (st.OldestReady.IsZero() || created.Before(st.OldestReady)) {
			st.OldestReady = created
		}
	}
	return st, nil
}

// PruneSynced deletes synced files created more than olderThan ago and
// returns how many were removed.
func (b *Buffer) PruneSynced(olderThan time.Duration) (int, error) {
	files, err := b.list(Synced)
	if err != nil {
		return 0, err
	}
	cutoff := b.now().Add(-olderThan)
	removed := 0
	var errs []error
	for _, path := range files {
		created, _, _ := parseName(filepath.Base(path))
		if !created.Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info("pruned synced buffer files", "count", removed, "dir", b.dir)
	}
	return removed, errors.Join(errs...)
}
