// Package lock provides process-scoped advisory file locks.
//
// Guard is the single-writer lock held by the ingestion service for its whole
// lifetime. Exclusive is a short-lived blocking lock used by buffer producers
// to serialize appends and rotations across processes.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// HeldError reports who holds a contended lock.
type HeldError struct {
	Path string
	PID  int // 0 when the holder did not record a PID
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s is held by PID %d", e.Path, e.PID)
	}
	return fmt.Sprintf("%s is held by another process", e.Path)
}

func (e *HeldError) Unwrap() error { return ErrLocked }

// Guard is an exclusive, non-blocking advisory lock on a well-known file.
// The lock lives as long as the open descriptor, so a crashed holder never
// leaves a stale lock behind.
type Guard struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Acquire takes the lock at path or fails fast with a *HeldError if another
// process holds it. The holder's PID is written into the file for diagnostics.
func Acquire(path string) (*Guard, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, &HeldError{Path: path, PID: readPID(path)}
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
		_ = f.Sync()
	}

	return &Guard{path: path, f: f}, nil
}

// Path returns the lock file path.
func (g *Guard) Path() string { return g.path }

// Release drops the lock. It is safe to call more than once and from
// concurrent shutdown paths. The lock file itself is left in place: removing
// it would let a new holder lock a different inode than a waiting opener.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.f == nil {
		return nil
	}
	_ = g.f.Truncate(0)
	err := unlock(g.f)
	if cerr := g.f.Close(); err == nil {
		err = cerr
	}
	g.f = nil
	return err
}

// Exclusive blocks until it holds an exclusive lock on path and returns a
// function that releases it.
func Exclusive(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := waitLock(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return func() {
		_ = unlock(f)
		f.Close()
	}, nil
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
