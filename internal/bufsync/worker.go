// Package bufsync uploads ready buffer files to the ingestion service.
package bufsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/runledger/internal/event"
	"github.com/kalambet/runledger/internal/metrics"
)

const (
	defaultInterval  = 30 * time.Second
	defaultBatchSize = 500
)

// Source is the buffer directory the worker drains.
type Source interface {
	Ready() ([]string, error)
	ReadRecords(path string) ([]json.RawMessage, int, error)
	MarkSynced(path string) (string, error)
	RotateExpired() (bool, error)
}

// Uploader sends one chunk of records to the batch endpoint.
type Uploader interface {
	PostBatch(ctx context.Context, records []json.RawMessage) (event.BatchResponse, error)
}

// Options configures a Worker.
type Options struct {
	Interval  time.Duration
	BatchSize int
	// RotateStale rotates an expired active file at the start of each pass
	// so an idle producer's last records still get uploaded.
	RotateStale bool
	Logger      *slog.Logger
}

// Pass summarizes one scan of the buffer directory.
type Pass struct {
	Files      int `json:"files"`
	Synced     int `json:"synced"`
	Failed     int `json:"failed"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Malformed  int `json:"malformed"`
}

// Worker moves ready files to synced once every record in them has been
// accepted by the service.
type Worker struct {
	src         Source
	up          Uploader
	interval    time.Duration
	batchSize   int
	rotateStale bool
	logger      *slog.Logger
}

// NewWorker creates a Worker. Zero options take defaults.
func NewWorker(src Source, up Uploader, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		src:         src,
		up:          up,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		rotateStale: opts.RotateStale,
		logger:      opts.Logger,
	}
}

// Run makes a pass every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if ctx.Err() != nil {
			return
		}

		p, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("sync pass failed", "error", err)
		} else if p.Files > 0 {
			w.logger.Info("sync pass complete",
				"files", p.Files, "synced", p.Synced, "failed", p.Failed,
				"inserted", p.Inserted, "duplicates", p.Duplicates)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// RunOnce uploads every ready file once. Cancellation is honoured between
// files only: a file that has started uploading is finished first. A file
// whose upload fails stays ready for the next pass.
func (w *Worker) RunOnce(ctx context.Context) (Pass, error) {
	var p Pass

	if w.rotateStale {
		if _, err := w.src.RotateExpired(); err != nil {
			w.logger.Warn("rotating stale buffer file", "error", err)
		}
	}

	files, err := w.src.Ready()
	if err != nil {
		return p, fmt.Errorf("listing ready files: %w", err)
	}

	for _, path := range files {
		if ctx.Err() != nil {
			return p, ctx.Err()
		}
		p.Files++
		fr, err := w.syncFile(context.WithoutCancel(ctx), path)
		p.Inserted += fr.inserted
		p.Duplicates += fr.duplicates
		p.Rejected += fr.rejected
		p.Malformed += fr.malformed
		if err != nil {
			p.Failed++
			metrics.SyncFiles.WithLabelValues("retry").Inc()
			w.logger.Warn("buffer file left for retry", "file", filepath.Base(path), "error", err)
			continue
		}
		p.Synced++
	}
	return p, nil
}

type fileResult struct {
	inserted, duplicates, rejected, malformed int
}

var errItemRetryable = errors.New("service reported a retryable item error")

func (w *Worker) syncFile(ctx context.Context, path string) (fileResult, error) {
	var fr fileResult

	records, malformed, err := w.src.ReadRecords(path)
	if err != nil {
		return fr, err
	}
	fr.malformed = malformed
	metrics.RecordSyncRecords("malformed", malformed)

	if len(records) == 0 {
		if _, err := w.src.MarkSynced(path); err != nil {
			return fr, err
		}
		metrics.SyncFiles.WithLabelValues("empty").Inc()
		return fr, nil
	}

	for start := 0; start < len(records); start += w.batchSize {
		end := min(start+w.batchSize, len(records))
		chunk := records[start:end]

		resp, err := w.up.PostBatch(ctx, chunk)
		if err != nil {
			return fr, fmt.Errorf("uploading records %d-%d: %w", start, end-1, err)
		}
		if resp.Total != len(chunk) {
			return fr, fmt.Errorf("uploading records %d-%d: service counted %d of %d", start, end-1, resp.Total, len(chunk))
		}

		fr.inserted += resp.Inserted
		fr.duplicates += resp.Duplicates
		metrics.RecordSyncRecords("inserted", resp.Inserted)
		metrics.RecordSyncRecords("duplicate", resp.Duplicates)

		retryable := false
		for _, ie := range resp.Errors {
			if ie.Retryable {
				retryable = true
				continue
			}
			// The service will never take this record; resending it cannot help.
			fr.rejected++
			metrics.RecordSyncRecords("rejected", 1)
			w.logger.Warn("buffered record rejected",
				"file", filepath.Base(path), "index", start+ie.Index, "event_id", ie.EventID, "error", ie.Error)
		}
		if retryable {
			return fr, fmt.Errorf("uploading records %d-%d: %w", start, end-1, errItemRetryable)
		}
	}

	if _, err := w.src.MarkSynced(path); err != nil {
		return fr, err
	}
	metrics.SyncFiles.WithLabelValues("synced").Inc()
	w.logger.Debug("buffer file synced", "file", filepath.Base(path),
		"records", len(records), "inserted", fr.inserted, "duplicates", fr.duplicates)
	return fr, nil
}
