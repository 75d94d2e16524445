package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/logbook/scmsync/internal/adapter"
	"github.com/logbook/scmsync/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute sync jobs",
	}
	cmd.AddCommand(newWorkerRunCmd())
	return cmd
}

func newWorkerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker loop until interrupted",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			var sink adapter.Sink = adapter.NopSink{}
			if dir := a.cfg.Adapter.SpoolDir; dir != "" {
				spool, err := adapter.NewSpoolSink(dir)
				if err != nil {
					return err
				}
				defer func() {
					if err := spool.Close(); err != nil {
						slog.ErrorContext(ctx, "failed to close spool", "error", err)
					}
				}()
				sink = spool
			} else {
				slog.WarnContext(ctx, "no spool directory configured, synced items are dropped")
			}

			registry := adapter.NewRegistry(
				a.cfg.Adapter.ToAdapter(a.cfg.Worker),
				sink,
				adapter.StaticToken(a.cfg.Adapter.GitLabToken),
				a.buckets,
			)

			h := worker.New(a.store, registry,
				a.cfg.Worker.ToWorker(a.cfg.Namespace, a.cfg.WorkerPool),
				worker.WithBuckets(a.buckets),
				worker.WithBreakers(a.breakers()),
			)
			if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}),
	}
}
