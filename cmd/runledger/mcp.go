package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/runledger/internal/api"
	"github.com/kalambet/runledger/internal/client"
	"github.com/kalambet/runledger/internal/event"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve run recording tools over MCP (stdio)",
	Long: `Serve run recording tools to an agent over the MCP stdio transport.

Events recorded this way take the same path as "runledger send": they are
posted to the ingestion service and buffered locally when it is unreachable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Recorder: &recorder{client: c, spool: buf},
		})
		logger.Info("MCP server started (stdio transport)", "service", cfg.ServiceURL(), "buffer", buf.Dir())
		if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// recorder adapts the delivery client to the MCP tools.
type recorder struct {
	client *client.Client
	spool  client.Spool
}

func (r *recorder) Record(ctx context.Context, e *event.Event) (string, error) {
	d, err := r.client.Deliver(ctx, e, r.spool)
	return string(d), err
}

func (r *recorder) CompleteRun(ctx context.Context, runID string, p *event.Patch) error {
	_, err := r.client.PatchRun(ctx, runID, p)
	return err
}

func (r *recorder) RunState(ctx context.Context, runID string) (event.RunState, error) {
	return r.client.RunState(ctx, runID)
}

func (r *recorder) Metrics(ctx context.Context, window string) (event.Metrics, error) {
	return r.client.Metrics(ctx, window)
}
