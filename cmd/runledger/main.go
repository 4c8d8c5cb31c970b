package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/runledger/internal/buffer"
	"github.com/kalambet/runledger/internal/client"
	"github.com/kalambet/runledger/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "runledger",
	Short:         "Durable agent run telemetry: ingestion service, buffer and sync",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(bufferCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// setupLogging installs the default logger from cfg and returns it.
func setupLogging(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// loadConfig loads the config and installs logging from it.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, setupLogging(cfg), nil
}

func newClient(cfg config.Config, logger *slog.Logger) (*client.Client, error) {
	c, err := client.New(client.Options{
		BaseURL:          cfg.ServiceURL(),
		Token:            cfg.Server.AuthToken,
		Timeout:          cfg.Client.Timeout,
		MaxAttempts:      cfg.Retry.MaxAttempts,
		BaseBackoff:      cfg.Retry.BaseBackoff,
		MaxBackoff:       cfg.Retry.MaxBackoff,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("client.service_url: %w", err)
	}
	return c, nil
}

func openBuffer(cfg config.Config, logger *slog.Logger) (*buffer.Buffer, error) {
	buf, err := buffer.Open(buffer.Options{
		Dir:      cfg.Buffer.Dir,
		MaxBytes: int64(cfg.Buffer.MaxBytes),
		MaxAge:   cfg.Buffer.MaxAge,
		Fsync:    cfg.Buffer.Fsync,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening buffer: %w", err)
	}
	return buf, nil
}
