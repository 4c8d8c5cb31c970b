// Package buffer is the local failover queue producers write to when the
// ingestion service is unreachable.
//
// A buffer is a directory of newline-delimited JSON files. Each file moves
// through three states, encoded in its suffix and changed only by rename:
//
//	<name>.active  being appended to (at most one per directory)
//	<name>.ready   closed, waiting for the sync worker
//	<name>.synced  fully uploaded
//
// Readers that select files by suffix therefore never see a half-written
// ready file.
package buffer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/runledger/internal/lock"
	"github.com/kalambet/runledger/internal/metrics"
)

// State is the lifecycle stage of a buffer file.
type State string

const (
	Active State = "active"
	Ready  State = "ready"
	Synced State = "synced"
)

const (
	namePrefix = "events-"
	nameLayout = "20060102T150405.000000000"
	lockName   = ".append.lock"

	DefaultMaxBytes = 10 << 20
	DefaultMaxAge   = time.Hour
)

// ErrNoEventID is returned when a record lacks a usable event_id.
var ErrNoEventID = errors.New("buffer record has no event_id")

// Options configures a Buffer.
type Options struct {
	Dir string
	// MaxBytes rotates the active file before an append would grow it past
	// this size.
	MaxBytes int64
	// MaxAge rotates the active file once it is this old.
	MaxAge time.Duration
	// Fsync syncs the file after every append and the directory after
	// every rename.
	Fsync  bool
	Logger *slog.Logger
	Now    func() time.Time
}

// Buffer is one buffer directory. Several Buffers, in this process or
// others, may share a directory: appends and rotations serialize on a flock.
type Buffer struct {
	dir      string
	lockPath string
	maxBytes int64
	maxAge   time.Duration
	fsync    bool
	logger   *slog.Logger
	now      func() time.Time

	// mu backs the flock on platforms without one.
	mu sync.Mutex
}

// Open prepares dir for use, creating it if needed.
func Open(opts Options) (*Buffer, error) {
	if opts.Dir == "" {
		return nil, errors.New("buffer directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating buffer directory: %w", err)
	}
	b := &Buffer{
		dir:      opts.Dir,
		lockPath: filepath.Join(opts.Dir, lockName),
		maxBytes: opts.MaxBytes,
		maxAge:   opts.MaxAge,
		fsync:    opts.Fsync,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if b.maxBytes <= 0 {
		b.maxBytes = DefaultMaxBytes
	}
	if b.maxAge <= 0 {
		b.maxAge = DefaultMaxAge
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Dir returns the buffer directory.
func (b *Buffer) Dir() string { return b.dir }

// Append encodes v as one JSON line and appends it to the active file,
// rotating first if a threshold is exceeded. v must encode to an object with
// a non-empty string event_id.
func (b *Buffer) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		metrics.BufferAppends.WithLabelValues("error").Inc()
		return fmt.Errorf("encoding buffer record: %w", err)
	}
	return b.AppendRaw(line)
}

// AppendRaw appends an already-encoded record. The record is compacted onto
// a single line first, so pretty-printed input is stored intact.
func (b *Buffer) AppendRaw(raw []byte) error {
	if _, err := recordID(bytes.TrimSpace(raw)); err != nil {
		metrics.BufferAppends.WithLabelValues("error").Inc()
		return err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		metrics.BufferAppends.WithLabelValues("error").Inc()
		return fmt.Errorf("compacting buffer record: %w", err)
	}
	line := compact.Bytes()

	err := b.withAppendLock(func() error {
		active, err := b.rotateIfDue(int64(len(line)+1), true)
		if err != nil {
			return err
		}
		if active == "" {
			active = filepath.Join(b.dir, newName(b.now()))
		}
		return b.writeLine(active, line)
	})
	if err != nil {
		metrics.BufferAppends.WithLabelValues("error").Inc()
		return err
	}
	metrics.BufferAppends.WithLabelValues("ok").Inc()
	return nil
}

func (b *Buffer) writeLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening active buffer file: %w", err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", filepath.Base(path), err)
	}
	if b.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
		}
	}
	return f.Close()
}

// Rotate closes the active file if it is over the size or age threshold.
// It reports whether a rotation happened.
func (b *Buffer) Rotate() (bool, error) {
	var rotated bool
	err := b.withAppendLock(func() error {
		active, err := b.activeFile()
		if err != nil || active == "" {
			return err
		}
		remaining, err := b.rotateIfDue(0, true)
		rotated = remaining == ""
		return err
	})
	return rotated, err
}

// RotateExpired closes the active file once it is older than the age
// threshold, even if nothing is being appended. It reports whether a
// rotation happened.
func (b *Buffer) RotateExpired() (bool, error) {
	var rotated bool
	err := b.withAppendLock(func() error {
		active, err := b.activeFile()
		if err != nil || active == "" {
			return err
		}
		remaining, err := b.rotateIfDue(0, false)
		rotated = remaining == ""
		return err
	})
	return rotated, err
}

// ForceRotate closes the active file regardless of thresholds and returns
// the path of the new ready file, or "" when there was no active file.
func (b *Buffer) ForceRotate() (string, error) {
	var ready string
	err := b.withAppendLock(func() error {
		active, err := b.activeFile()
		if err != nil || active == "" {
			return err
		}
		ready, err = b.rename(active, Active, Ready)
		if err == nil {
			metrics.BufferRotations.WithLabelValues("forced").Inc()
			b.logger.Debug("buffer file rotated", "file", filepath.Base(ready), "trigger", "forced")
		}
		return err
	})
	return ready, err
}

// rotateIfDue rotates the active file when appending incoming bytes would
// exceed MaxBytes (only if checkSize) or when the file is past MaxAge. It
// returns the active file still in use, or "" if there is none. Callers
// hold the append lock.
func (b *Buffer) rotateIfDue(incoming int64, checkSize bool) (string, error) {
	active, err := b.activeFile()
	if err != nil || active == "" {
		return "", err
	}

	trigger := ""
	if created, _, ok := parseName(filepath.Base(active)); ok && b.now().Sub(created) >= b.maxAge {
		trigger = "age"
	}
	if trigger == "" && checkSize {
		fi, err := os.Stat(active)
		if err != nil {
			return "", fmt.Errorf("checking active buffer file: %w", err)
		}
		size := fi.Size()
		if size >= b.maxBytes || (size > 0 && size+incoming > b.maxBytes) {
			trigger = "size"
		}
	}
	if trigger == "" {
		return active, nil
	}

	ready, err := b.rename(active, Active, Ready)
	if err != nil {
		return "", err
	}
	metrics.BufferRotations.WithLabelValues(trigger).Inc()
	b.logger.Debug("buffer file rotated", "file", filepath.Base(ready), "trigger", trigger)
	return "", nil
}

// activeFile returns the current active file, or "". If a crash ever left
// more than one, the newest is kept and the rest are rotated.
func (b *Buffer) activeFile() (string, error) {
	files, err := b.list(Active)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", nil
	}
	for _, stale := range files[:len(files)-1] {
		if _, err := b.rename(stale, Active, Ready); err != nil {
			return "", err
		}
		b.logger.Warn("rotated extra active buffer file", "file", filepath.Base(stale))
	}
	return files[len(files)-1], nil
}

// Ready lists ready files, oldest first.
func (b *Buffer) Ready() ([]string, error) {
	return b.list(Ready)
}

// MarkSynced moves a ready file to the synced state.
func (b *Buffer) MarkSynced(path string) (string, error) {
	return b.rename(path, Ready, Synced)
}

func (b *Buffer) rename(path string, from, to State) (string, error) {
	suffix := "." + string(from)
	if !strings.HasSuffix(path, suffix) {
		return "", fmt.Errorf("%s is not %s", filepath.Base(path), from)
	}
	dst := strings.TrimSuffix(path, suffix) + "." + string(to)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("moving %s to %s: %w", filepath.Base(path), to, err)
	}
	if b.fsync {
		if err := syncDir(b.dir); err != nil {
			return dst, err
		}
	}
	return dst, nil
}

func (b *Buffer) list(state State) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("reading buffer directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, st, ok := parseName(e.Name()); ok && st == state {
			out = append(out, filepath.Join(b.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Buffer) withAppendLock(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	release, err := lock.Exclusive(b.lockPath)
	switch {
	case err == nil:
		defer release()
	case errors.Is(err, errors.ErrUnsupported):
	default:
		return fmt.Errorf("locking buffer: %w", err)
	}
	return fn()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening buffer directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing buffer directory: %w", err)
	}
	return nil
}

func newName(now time.Time) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%sZ-%s.%s", namePrefix, now.UTC().Format(nameLayout), short, Active)
}

// parseName extracts the creation time and state from a buffer file name.
func parseName(name string) (time.Time, State, bool) {
	if !strings.HasPrefix(name, namePrefix) {
		return time.Time{}, "", false
	}
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return time.Time{}, "", false
	}
	st := State(name[dot+1:])
	switch st {
	case Active, Ready, Synced:
	default:
		return time.Time{}, "", false
	}
	ts, _, ok := strings.Cut(strings.TrimPrefix(name[:dot], namePrefix), "Z-")
	if !ok {
		return time.Time{}, "", false
	}
	created, err := time.ParseInLocation(nameLayout, ts, time.UTC)
	if err != nil {
		return time.Time{}, "", false
	}
	return created, st, true
}

// recordID returns the event_id of an encoded record.
func recordID(line []byte) (string, error) {
	var peek struct {
		EventID *string `json:"event_id"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		return "", fmt.Errorf("buffer record is not a JSON object: %w", err)
	}
	if peek.EventID == nil || strings.TrimSpace(*peek.EventID) == "" {
		return "", ErrNoEventID
	}
	return *peek.EventID, nil
}
