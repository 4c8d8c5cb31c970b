package buffer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestBuffer(t *testing.T, opts Options) (*Buffer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	opts.Now = clock.Now
	b, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return b, clock
}

func record(id string) map[string]any {
	return map[string]any{"event_id": id, "run_id": "r1", "agent_name": "crawler", "status": "running"}
}

func countState(t *testing.T, b *Buffer, st State) int {
	t.Helper()
	files, err := b.list(st)
	if err != nil {
		t.Fatalf("list(%s): %v", st, err)
	}
	return len(files)
}

func TestAppend_CreatesSingleActiveFile(t *testing.T) {
	b, _ := openTestBuffer(t, Options{})

	for i := 0; i < 5; i++ {
		if err := b.Append(record(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if got := countState(t, b, Active); got != 1 {
		t.Fatalf("active files = %d, want 1", got)
	}
	active, _ := b.activeFile()
	recs, malformed, err := b.ReadRecords(active)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(recs) != 5 || malformed != 0 {
		t.Fatalf("records = %d, malformed = %d; want 5, 0", len(recs), malformed)
	}
	for i, r := range recs {
		if want := fmt.Sprintf(`"event_id":"e%d"`, i); !strings.Contains(string(r), want) {
			t.Errorf("record %d = %s, want order preserved", i, r)
		}
	}
}

func TestAppend_RequiresEventID(t *testing.T) {
	b, _ := openTestBuffer(t, Options{})

	if err := b.Append(map[string]any{"run_id": "r1"}); !errors.Is(err, ErrNoEventID) {
		t.Errorf("missing event_id: err = %v, want ErrNoEventID", err)
	}
	if err := b.Append(map[string]any{"event_id": "  "}); !errors.Is(err, ErrNoEventID) {
		t.Errorf("blank event_id: err = %v, want ErrNoEventID", err)
	}
	if err := b.AppendRaw([]byte(`[1,2]`)); err == nil {
		t.Error("non-object accepted")
	}
	if got := countState(t, b, Active); got != 0 {
		t.Errorf("rejected records created %d active files", got)
	}
}

func TestAppendRaw_MultiLineRecord(t *testing.T) {
	b, _ := openTestBuffer(t, Options{})

	raw := "{\n  \"event_id\": \"e1\",\n  \"run_id\": \"r1\"\n}\n"
	if err := b.AppendRaw([]byte(raw)); err != nil {
		t.Fatalf("AppendRaw: %v", err)
	}
	path, err := b.ForceRotate()
	if err != nil {
		t.Fatalf("ForceRotate: %v", err)
	}

	recs, malformed, err := b.ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if malformed != 0 {
		t.Errorf("malformed = %d, want 0", malformed)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if got, want := string(recs[0]), `{"event_id":"e1","run_id":"r1"}`; got != want {
		t.Errorf("record = %s, want %s", got, want)
	}
}

func TestForceRotate(t *testing.T) {
	b, _ := openTestBuffer(t, Options{})

	if path, err := b.ForceRotate(); err != nil || path != "" {
		t.Fatalf("ForceRotate on empty dir = %q, %v", path, err)
	}

	if err := b.Append(record("e1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	activeBefore, readyBefore := countState(t, b, Active), countState(t, b, Ready)

	path, err := b.ForceRotate()
	if err != nil {
		t.Fatalf("ForceRotate: %v", err)
	}
	if !strings.HasSuffix(path, ".ready") {
		t.Errorf("path = %q, want .ready suffix", path)
	}
	if got := countState(t, b, Active); got != activeBefore-1 {
		t.Errorf("active = %d, want %d", got, activeBefore-1)
	}
	if got := countState(t, b, Ready); got != readyBefore+1 {
		t.Errorf("ready = %d, want %d", got, readyBefore+1)
	}

	// Next append starts a fresh active file.
	if err := b.Append(record("e2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := countState(t, b, Active); got != 1 {
		t.Errorf("active after append = %d, want 1", got)
	}
}

func TestAppend_RotatesOnSize(t *testing.T) {
	b, _ := openTestBuffer(t, Options{MaxBytes: 200})

	for i := 0; i < 10; i++ {
		if err := b.Append(record(fmt.Sprintf("e%02d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	ready, _ := b.Ready()
	if len(ready) == 0 {
		t.Fatal("no size rotation happened")
	}
	if got := countState(t, b, Active); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}

	total := 0
	files, _ := b.list(Ready)
	active, _ := b.list(Active)
	for _, f := range append(files, active...) {
		fi, err := os.Stat(f)
		if err != nil {
			t.Fatal(err)
		}
		if fi.Size() > 200 {
			t.Errorf("%s is %d bytes, over the 200 byte threshold", filepath.Base(f), fi.Size())
		}
		recs, _, _ := b.ReadRecords(f)
		total += len(recs)
	}
	if total != 10 {
		t.Errorf("records across files = %d, want 10", total)
	}
}

func TestAppend_RotatesOnAge(t *testing.T) {
	b, clock := openTestBuffer(t, Options{MaxAge: time.Minute})

	if err := b.Append(record("e1")); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)
	if err := b.Append(record("e2")); err != nil {
		t.Fatal(err)
	}

	if got := countState(t, b, Ready); got != 1 {
		t.Errorf("ready = %d, want 1", got)
	}
	if got := countState(t, b, Active); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestRotateExpired(t *testing.T) {
	b, clock := openTestBuffer(t, Options{MaxAge: time.Minute, MaxBytes: 1})

	if rotated, err := b.RotateExpired(); err != nil || rotated {
		t.Fatalf("RotateExpired with no active file = %v, %v", rotated, err)
	}
	if err := b.Append(record("e1")); err != nil {
		t.Fatal(err)
	}
	// Over MaxBytes but not expired: RotateExpired only looks at age.
	if rotated, err := b.RotateExpired(); err != nil || rotated {
		t.Fatalf("RotateExpired on fresh file = %v, %v", rotated, err)
	}
	clock.Advance(time.Minute)
	if rotated, err := b.RotateExpired(); err != nil || !rotated {
		t.Fatalf("RotateExpired on old file = %v, %v", rotated, err)
	}
	if got := countState(t, b, Active); got != 0 {
		t.Errorf("active = %d, want 0", got)
	}
}

func TestRotate_Thresholds(t *testing.T) {
	b, _ := openTestBuffer(t, Options{MaxBytes: 1 << 20})
	if err := b.Append(record("e1")); err != nil {
		t.Fatal(err)
	}
	if rotated, err := b.Rotate(); err != nil || rotated {
		t.Fatalf("Rotate under thresholds = %v, %v", rotated, err)
	}

	small, _ := openTestBuffer(t, Options{MaxBytes: 10})
	if err := small.Append(record("e1")); err != nil {
		t.Fatal(err)
	}
	if rotated, err := small.Rotate(); err != nil || !rotated {
		t.Fatalf("Rotate over size = %v, %v", rotated, err)
	}
}

func TestReadRecords_SkipsMalformed(t *testing.T) {
	b, _ := openTestBuffer(t, Options{})
	path := filepath.Join(b.Dir(), newName(time.Now()))
	content := strings.Join([]string{
		`{"event_id":"a","run_id":"r"}`,
		`not json`,
		``,
		`{"run_id":"no-id"}`,
		`{"event_id":"b","run_id":"r"}`,
		`{"event_id":"c","ru`, // torn final write
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	recs, malformed, err := b.ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("records = %d, want 2", len(recs))
	}
	if malformed != 3 {
		t.Errorf("malformed = %d, want 3", malformed)
	}
}

func TestMarkSynced(t *testing.T) {
	b, _ := openTestBuffer(t, Options{})
	if err := b.Append(record("e1")); err != nil {
		t.Fatal(err)
	}
	ready, err := b.ForceRotate()
	if err != nil {
		t.Fatal(err)
	}

	synced, err := b.MarkSynced(ready)
	if err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if !strings.HasSuffix(synced, ".synced") {
		t.Errorf("synced path = %q", synced)
	}
	if got, _ := b.Ready(); len(got) != 0 {
		t.Errorf("ready files = %v, want none", got)
	}
	if _, err := b.MarkSynced(synced); err == nil {
		t.Error("MarkSynced accepted a non-ready file")
	}
}

func TestStatsAndPrune(t *testing.T) {
	b, clock := openTestBuffer(t, Options{})

	for i := 0; i < 3; i++ {
		if err := b.Append(record(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatal(err)
		}
		ready, err := b.ForceRotate()
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 {
			if _, err := b.MarkSynced(ready); err != nil {
				t.Fatal(err)
			}
		}
		clock.Advance(time.Hour)
	}
	if err := b.Append(record("e3")); err != nil {
		t.Fatal(err)
	}

	st, err := b.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.States[Active].Files != 1 || st.States[Ready].Files != 1 || st.States[Synced].Files != 2 {
		t.Errorf("stats = %+v", st.States)
	}
	if st.States[Ready].Bytes == 0 {
		t.Error("ready bytes = 0")
	}
	if want := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC); !st.OldestReady.Equal(want) {
		t.Errorf("OldestReady = %v, want %v", st.OldestReady, want)
	}

	// Synced files were created at 12:00 and 13:00; now is 15:00.
	removed, err := b.PruneSynced(150 * time.Minute)
	if err != nil || removed != 1 {
		t.Fatalf("PruneSynced = %d, %v; want 1", removed, err)
	}
	if got := countState(t, b, Synced); got != 1 {
		t.Errorf("synced after prune = %d, want 1", got)
	}
	if got := countState(t, b, Ready); got != 1 {
		t.Errorf("prune touched ready files: %d", got)
	}
}

func TestConcurrentProducers(t *testing.T) {
	dir := t.TempDir()
	const producers, perProducer = 4, 25

	var wg sync.WaitGroup
	errs := make(chan error, producers*perProducer)
	for p := 0; p < producers; p++ {
		// Separate Buffers model separate processes sharing a directory.
		b, err := Open(Options{Dir: dir, MaxBytes: 1024})
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func(p int, b *Buffer) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := b.Append(record(fmt.Sprintf("p%d-%d", p, i))); err != nil {
					errs <- err
				}
			}
		}(p, b)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append: %v", err)
	}

	b, _ := Open(Options{Dir: dir})
	if got := countState(t, b, Active); got > 1 {
		t.Errorf("active files = %d, want at most 1", got)
	}
	seen := map[string]bool{}
	for _, st := range []State{Active, Ready} {
		files, _ := b.list(st)
		for _, f := range files {
			recs, malformed, err := b.ReadRecords(f)
			if err != nil || malformed != 0 {
				t.Fatalf("ReadRecords(%s) = malformed %d, %v", filepath.Base(f), malformed, err)
			}
			for _, r := range recs {
				id, _ := recordID(r)
				seen[id] = true
			}
		}
	}
	if len(seen) != producers*perProducer {
		t.Errorf("distinct records = %d, want %d", len(seen), producers*perProducer)
	}
}

func TestParseName(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC)
	name := newName(now)
	created, st, ok := parseName(name)
	if !ok || st != Active || !created.Equal(now) {
		t.Errorf("parseName(%q) = %v, %s, %v", name, created, st, ok)
	}
	for _, bad := range []string{".append.lock", "events-x.ready", "other-20260301T000000.000000000Z-abc.ready", name + ".tmp"} {
		if _, _, ok := parseName(bad); ok {
			t.Errorf("parseName(%q) accepted", bad)
		}
	}
}
