package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/runledger/internal/buffer"
	"github.com/kalambet/runledger/internal/bufsync"
	"github.com/kalambet/runledger/internal/client"
	"github.com/kalambet/runledger/internal/config"
	"github.com/kalambet/runledger/internal/event"
	"github.com/kalambet/runledger/internal/lock"
	"github.com/kalambet/runledger/internal/storage"
)

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Submit one run event, buffering it if the service is unreachable",
	Long: `Submit one run event to the ingestion service.

If the service cannot be reached the event is appended to the local buffer and
delivered later by "runledger sync". Events the service rejects are reported
and never buffered.

Examples:
  runledger send --agent nightly-crawl --status running
  runledger send --agent nightly-crawl --run-id r-42 --status success --items-succeeded 120
  runledger send --file event.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		noBuffer, _ := cmd.Flags().GetBool("no-buffer")

		var e *event.Event
		var err error
		if file != "" {
			e, err = readEventFile(file, cmd.InOrStdin())
		} else {
			e, err = eventFromFlags(cmd.Flags(), time.Now())
		}
		if err != nil {
			return err
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		var spool client.Spool
		if !noBuffer {
			buf, err := openBuffer(cfg, logger)
			if err != nil {
				return err
			}
			spool = buf
		}

		c, err := newClient(cfg, logger)
		if err != nil {
			return err
		}
		d, err := c.Deliver(cmd.Context(), e, spool)
		if err != nil {
			return fmt.Errorf("sending event: %w", err)
		}

		switch d {
		case client.Buffered:
			printWarning("Service unreachable; event %s buffered", e.EventID)
		case client.Duplicate:
			printSuccess("Event %s already recorded", e.EventID)
		default:
			printSuccess("Event %s recorded (run %s)", e.EventID, e.RunID)
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{
			"status":   string(d),
			"event_id": e.EventID,
			"run_id":   e.RunID,
		})
	},
}

func init() {
	f := sendCmd.Flags()
	f.String("file", "", `JSON event file ("-" for stdin); other event flags are ignored`)
	f.String("agent", "", "agent name")
	f.String("run-id", "", "run identifier (generated when omitted)")
	f.String("event-id", "", "idempotency key (generated when omitted)")
	f.String("status", string(event.StatusRunning), "run status")
	f.String("job-type", "", "kind of job")
	f.String("trigger", "", "what started the run")
	f.String("start", "", "start time, RFC 3339 (default now)")
	f.String("end", "", `end time, RFC 3339 or "now"`)
	f.String("parent-run-id", "", "parent run identifier")
	f.Bool("no-buffer", false, "fail instead of buffering when the service is unreachable")
	addOutcomeFlags(f)
}

// addOutcomeFlags registers the fields shared by send and patch.
func addOutcomeFlags(f *pflag.FlagSet) {
	f.Int64("duration-ms", 0, "run duration in milliseconds")
	f.Int64("items-discovered", 0, "items discovered")
	f.Int64("items-succeeded", 0, "items processed successfully")
	f.Int64("items-failed", 0, "items that failed")
	f.Int64("items-skipped", 0, "items skipped")
	f.String("error", "", "short failure description")
	f.String("metadata", "", "JSON object with free-form context")
}

func readEventFile(path string, stdin io.Reader) (*event.Event, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading event: %w", err)
	}
	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing event: %w", err)
	}
	return &e, nil
}

func eventFromFlags(f *pflag.FlagSet, now time.Time) (*event.Event, error) {
	agent, _ := f.GetString("agent")
	if agent == "" {
		return nil, errors.New("--agent is required (or use --file)")
	}
	status, _ := f.GetString("status")
	eventID, _ := f.GetString("event-id")
	runID, _ := f.GetString("run-id")
	if runID == "" {
		runID = event.NewID()
	}

	e := &event.Event{
		EventID:   eventID,
		RunID:     runID,
		AgentName: agent,
		Status:    event.Status(status),
		StartTime: now.UTC(),
	}
	if s, _ := f.GetString("start"); s != "" {
		t, err := parseTime(s, now)
		if err != nil {
			return nil, fmt.Errorf("--start: %w", err)
		}
		e.StartTime = t
	}
	if s, _ := f.GetString("end"); s != "" {
		t, err := parseTime(s, now)
		if err != nil {
			return nil, fmt.Errorf("--end: %w", err)
		}
		e.EndTime = &t
	}
	e.JobType = optString(f, "job-type")
	e.TriggerType = optString(f, "trigger")
	e.ParentRunID = optString(f, "parent-run-id")
	e.ErrorSummary = optString(f, "error")
	e.DurationMS = optInt(f, "duration-ms")
	e.ItemsDiscovered = optInt(f, "items-discovered")
	e.ItemsSucceeded = optInt(f, "items-succeeded")
	e.ItemsFailed = optInt(f, "items-failed")
	e.ItemsSkipped = optInt(f, "items-skipped")
	if md, _ := f.GetString("metadata"); md != "" {
		e.Metadata = json.RawMessage(md)
	}
	return e, nil
}

func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "now" {
		return now.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func optString(f *pflag.FlagSet, name string) *string {
	if !f.Changed(name) {
		return nil
	}
	v, _ := f.GetString(name)
	return &v
}

func optInt(f *pflag.FlagSet, name string) *int64 {
	if !f.Changed(name) {
		return nil
	}
	v, _ := f.GetInt64(name)
	return &v
}

// --- patch ---

var patchCmd = &cobra.Command{
	Use:   "patch [event_id]",
	Short: "Partially update a stored event",
	Long: `Partially update a stored event, typically to record completion.

With --run the latest event of the run is updated instead.

Examples:
  runledger patch 3f1c... --status success --end now
  runledger patch --run r-42 --status failure --error "upstream timeout"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, _ := cmd.Flags().GetString("run")
		if (runID == "") == (len(args) == 0) {
			return errors.New("exactly one of <event_id> or --run is required")
		}

		p, err := patchFromFlags(cmd.Flags(), time.Now())
		if err != nil {
			return err
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newClient(cfg, logger)
		if err != nil {
			return err
		}

		var target string
		if runID != "" {
			target = "run " + runID
			resp, err := c.PatchRun(cmd.Context(), runID, p)
			if err != nil {
				return fmt.Errorf("patching %s: %w", target, err)
			}
			printSuccess("Updated event %s of %s", resp.EventID, target)
			return printJSON(cmd.OutOrStdout(), resp)
		}

		target = "event " + args[0]
		resp, err := c.PatchEvent(cmd.Context(), args[0], p)
		if err != nil {
			return fmt.Errorf("patching %s: %w", target, err)
		}
		printSuccess("Updated %s", target)
		return printJSON(cmd.OutOrStdout(), resp)
	},
}

func init() {
	f := patchCmd.Flags()
	f.String("run", "", "update the latest event of this run")
	f.String("status", "", "run status")
	f.String("end", "", `end time, RFC 3339 or "now"`)
	addOutcomeFlags(f)
}

func patchFromFlags(f *pflag.FlagSet, now time.Time) (*event.Patch, error) {
	p := &event.Patch{
		DurationMS:      optInt(f, "duration-ms"),
		ItemsDiscovered: optInt(f, "items-discovered"),
		ItemsSucceeded:  optInt(f, "items-succeeded"),
		ItemsFailed:     optInt(f, "items-failed"),
		ItemsSkipped:    optInt(f, "items-skipped"),
		ErrorSummary:    optString(f, "error"),
	}
	if s, _ := f.GetString("status"); s != "" {
		st := event.Status(s)
		p.Status = &st
	}
	if s, _ := f.GetString("end"); s != "" {
		t, err := parseTime(s, now)
		if err != nil {
			return nil, fmt.Errorf("--end: %w", err)
		}
		p.EndTime = &t
	}
	if md, _ := f.GetString("metadata"); md != "" {
		p.Metadata = json.RawMessage(md)
	}
	if p.Empty() {
		return nil, errors.New("nothing to update: set at least one field")
	}
	return p, nil
}

// --- buffer ---

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Inspect and manage the local buffer directory",
}

var bufferAppendCmd = &cobra.Command{
	Use:   "append [file]",
	Short: "Append JSON lines (one event per line) to the buffer",
	Long: `Append JSON lines to the active buffer file. Reads stdin when no file
is given. Every line must carry an event_id.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		buf, err := openBuffer(cfg, logger)
		if err != nil {
			return err
		}

		n, err := appendLines(buf, in)
		if n > 0 {
			printSuccess("Appended %d record(s) to %s", n, buf.Dir())
		}
		return err
	},
}

// appendLines appends every non-blank line of r and reports how many were
// written before the first failure.
func appendLines(buf *buffer.Buffer, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	n := 0
	for line := 1; sc.Scan(); line++ {
		b := sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		if err := buf.AppendRaw(append([]byte(nil), b...)); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, sc.Err()
}

var bufferRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Seal the active buffer file so the sync worker can pick it up",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		buf, err := openBuffer(cfg, logger)
		if err != nil {
			return err
		}
		path, err := buf.ForceRotate()
		if err != nil {
			return err
		}
		if path == "" {
			printStep("No active buffer file")
			return nil
		}
		printSuccess("Rotated to %s", path)
		return nil
	},
}

var bufferStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show buffer file counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		buf, err := openBuffer(cfg, logger)
		if err != nil {
			return err
		}
		st, err := buf.Stats()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printBufferStats(st)
		return nil
	},
}

func printBufferStats(st buffer.Stats) {
	printStatus("Buffer dir", "%s", st.Dir)
	for _, s := range []buffer.State{buffer.Active, buffer.Ready, buffer.Synced} {
		fs := st.States[s]
		printStatus(string(s), "%d file(s), %d bytes", fs.Files, fs.Bytes)
	}
	if !st.OldestReady.IsZero() {
		printStatus("Oldest ready", "%s (%s ago)", st.OldestReady.Format(time.RFC3339), time.Since(st.OldestReady).Round(time.Second))
	}
}

var bufferPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced buffer files past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		olderThan := cfg.Buffer.SyncedRetention
		if cmd.Flags().Changed("older-than") {
			olderThan, _ = cmd.Flags().GetDuration("older-than")
		}
		buf, err := openBuffer(cfg, logger)
		if err != nil {
			return err
		}
		n, err := buf.PruneSynced(olderThan)
		if err != nil {
			return err
		}
		printSuccess("Pruned %d synced file(s) older than %s", n, olderThan)
		return nil
	},
}

func init() {
	bufferStatusCmd.Flags().Bool("json", false, "print stats as JSON")
	bufferPruneCmd.Flags().Duration("older-than", 0, "retention (default buffer.synced_retention)")
	bufferCmd.AddCommand(bufferAppendCmd)
	bufferCmd.AddCommand(bufferRotateCmd)
	bufferCmd.AddCommand(bufferStatusCmd)
	bufferCmd.AddCommand(bufferPruneCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload ready buffer files to the ingestion service",
	Long: `Upload ready buffer files to the ingestion service.

A file is marked synced only after every record in it is accepted. Without
--once the worker keeps running and also prunes synced files past retention.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		buf, err := openBuffer(cfg, logger)
		if err != nil {
			return err
		}
		c, err := newClient(cfg, logger)
		if err != nil {
			return err
		}
		worker := bufsync.NewWorker(buf, c, syncOptions(cfg, logger))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if once {
			pass, err := worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			if pass.Failed > 0 {
				printWarning("%d of %d file(s) left ready for retry", pass.Failed, pass.Files)
			} else {
				printSuccess("Synced %d file(s)", pass.Synced)
			}
			return printJSON(cmd.OutOrStdout(), pass)
		}

		printStep("Syncing %s to %s every %s", buf.Dir(), cfg.ServiceURL(), cfg.Sync.Interval)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			runHousekeeping(gctx, buf, cfg.Buffer.SyncedRetention, pruneInterval, logger)
			return nil
		})
		return g.Wait()
	},
}

func init() {
	syncCmd.Flags().Bool("once", false, "make a single pass and exit")
}

// --- check ---

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the SQLite integrity check on the event database",
	Long: `Run the SQLite integrity check on the event database.

The database is opened read-only. The check refuses to run while a server
holds the writer lock unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		force, _ := cmd.Flags().GetBool("force")

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		mode := storage.QuickCheck
		if full {
			mode = storage.FullCheck
		}

		rep, err := runCheck(cmd, cfg, mode, force, logger)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
			return err
		}
		if !rep.OK {
			return fmt.Errorf("%s found %d problem(s)", rep.Mode, len(rep.Problems))
		}
		printSuccess("%s: ok", rep.Mode)
		return nil
	},
}

func init() {
	checkCmd.Flags().Bool("full", false, "run integrity_check instead of quick_check")
	checkCmd.Flags().Bool("force", false, "run even while the server holds the writer lock")
}

func runCheck(cmd *cobra.Command, cfg config.Config, mode storage.IntegrityMode, force bool, logger *slog.Logger) (storage.IntegrityReport, error) {
	guard, err := lock.Acquire(cfg.Storage.LockFile)
	switch {
	case err == nil:
		defer func() {
			if err := guard.Release(); err != nil {
				logger.Warn("releasing writer lock", "error", err)
			}
		}()
	case errors.Is(err, lock.ErrLocked) && force:
		printWarning("%v; checking anyway", err)
	case errors.Is(err, lock.ErrLocked):
		return storage.IntegrityReport{}, fmt.Errorf("%w (stop the server or pass --force)", err)
	default:
		return storage.IntegrityReport{}, fmt.Errorf("acquiring writer lock: %w", err)
	}

	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		return storage.IntegrityReport{}, fmt.Errorf("event database: %w", err)
	}
	store, err := storage.Open(cfg.Storage.Path, storage.Options{
		JournalMode: cfg.Storage.JournalMode,
		Synchronous: cfg.Storage.Synchronous,
		BusyTimeout: cfg.Storage.BusyTimeout,
		ReadOnly:    true,
	})
	if err != nil {
		return storage.IntegrityReport{}, fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	return store.CheckIntegrity(cmd.Context(), mode)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service health, aggregate metrics and buffer state",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetString("window")

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newClient(cfg, logger)
		if err != nil {
			return err
		}

		h, err := c.Health(cmd.Context())
		var se *client.StatusError
		switch {
		case err == nil:
			printStatus("Service", "%s at %s", h.Status, c.BaseURL())
		case errors.As(err, &se) && h.Status != "":
			printStatus("Service", "%s at %s (HTTP %d)", h.Status, c.BaseURL(), se.Code)
		default:
			printStatus("Service", "unreachable at %s (%v)", c.BaseURL(), err)
		}
		if h.StorePath != "" {
			printStatus("Store", "%s (journal=%s, synchronous=%s)", h.StorePath, h.JournalMode, h.Synchronous)
		}

		if err == nil {
			m, err := c.Metrics(cmd.Context(), window)
			if err != nil {
				printWarning("metrics unavailable: %v", err)
			} else {
				printStatus("Events", "%d total, %d in last %s", m.TotalEvents, m.RecentEvents, m.Window)
				printStatus("Runs", "%d", m.TotalRuns)
				for _, st := range event.Statuses {
					if n := m.ByStatus[string(st)]; n > 0 {
						printStatus("  "+string(st), "%d", n)
					}
				}
			}
		}

		if buf, err := openBuffer(cfg, logger); err == nil {
			if st, err := buf.Stats(); err == nil {
				printBufferStats(st)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("window", "24h", "recent window for event counts")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		printField(w, "file", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			printField(w, k.Key, k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			printSuccess("Set %s", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
