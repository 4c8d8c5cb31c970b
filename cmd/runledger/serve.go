package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/runledger/internal/api"
	"github.com/kalambet/runledger/internal/buffer"
	"github.com/kalambet/runledger/internal/bufsync"
	"github.com/kalambet/runledger/internal/config"
	"github.com/kalambet/runledger/internal/event"
	"github.com/kalambet/runledger/internal/lock"
	"github.com/kalambet/runledger/internal/storage"
)

const (
	shutdownTimeout = 5 * time.Second
	pruneInterval   = time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion service (foreground)",
	Long: `Run the ingestion service in the foreground.

The service is the only writer of the event database; a second instance
pointed at the same lock file refuses to start. With --with-sync it also
drains the local buffer directory into itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withSync, _ := cmd.Flags().GetBool("with-sync")

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "runledger version %s\n", version)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg, logger, serveOptions{withSync: withSync})
	},
}

func init() {
	serveCmd.Flags().Bool("with-sync", false, "also run the buffer sync worker against this service")
}

type serveOptions struct {
	withSync bool
	// onListen is called with the bound address once the listener is up.
	onListen func(addr string)
}

// runServe runs the service until ctx is cancelled or the server fails.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, opts serveOptions) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	guard, err := lock.Acquire(cfg.Storage.LockFile)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			printWarning("runledger is already running: %v", held)
		}
		return fmt.Errorf("acquiring writer lock: %w", err)
	}
	defer func() {
		if err := guard.Release(); err != nil {
			logger.Warn("releasing writer lock", "error", err)
		}
	}()

	store, err := storage.Open(cfg.Storage.Path, storage.Options{
		JournalMode: cfg.Storage.JournalMode,
		Synchronous: cfg.Storage.Synchronous,
		BusyTimeout: cfg.Storage.BusyTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	journal, synchronous := store.Durability()
	handler := api.NewIngestHandler(api.IngestDeps{
		Store:        store,
		Token:        cfg.Server.AuthToken,
		AuthRequired: cfg.Server.AuthRequired,
		RateLimit:    cfg.Server.RateLimit,
		MaxBatch:     cfg.Server.MaxBatch,
		Health: event.HealthInfo{
			StorePath:   store.Path(),
			JournalMode: journal,
			Synchronous: synchronous,
			Workers:     cfg.Server.Workers,
		},
		Logger: logger,
	})

	var buf *buffer.Buffer
	if opts.withSync {
		if buf, err = openBuffer(cfg, logger); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	addr := ln.Addr().String()

	var worker *bufsync.Worker
	if buf != nil {
		// The embedded worker talks to the listener it just bound.
		selfCfg := cfg
		selfCfg.Client.ServiceURL = "http://" + addr
		c, err := newClient(selfCfg, logger)
		if err != nil {
			ln.Close()
			return err
		}
		worker = bufsync.NewWorker(buf, c, syncOptions(cfg, logger))
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// In-flight requests finish their commit during graceful shutdown.
		BaseContext: func(_ net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("runledger listening", "addr", addr, "store", store.Path(), "journal_mode", journal, "synchronous", synchronous)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if worker != nil {
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			runHousekeeping(gctx, buf, cfg.Buffer.SyncedRetention, pruneInterval, logger)
			return nil
		})
	}

	if opts.onListen != nil {
		opts.onListen(addr)
	}

	return g.Wait()
}

func syncOptions(cfg config.Config, logger *slog.Logger) bufsync.Options {
	return bufsync.Options{
		Interval:    cfg.Sync.Interval,
		BatchSize:   cfg.Sync.BatchSize,
		RotateStale: cfg.Sync.RotateStale,
		Logger:      logger,
	}
}

// runHousekeeping prunes synced files past retention every interval until
// ctx is cancelled. A non-positive retention keeps synced files forever.
func runHousekeeping(ctx context.Context, buf *buffer.Buffer, retention, interval time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := buf.PruneSynced(retention); err != nil {
			logger.Warn("pruning synced buffer files", "dir", buf.Dir(), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
