package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/logbook/scmsync/internal/reaper"
)

func newReaperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Recover expired jobs, stuck runs and stale locks",
	}
	cmd.AddCommand(newReaperScanCmd(), newReaperReapCmd(), newReaperLoopCmd())
	return cmd
}

func newReaperScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Report what a reap pass would do, without writing",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			report, err := a.reaper().ScanOnce(ctx)
			if err != nil {
				return err
			}
			return printReport(report)
		}),
	}
}

func newReaperReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one recovery pass",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			report, err := a.reaper().ReapOnce(ctx)
			if err != nil {
				return err
			}
			return printReport(report)
		}),
	}
}

func newReaperLoopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "loop",
		Short: "Run the recovery loop until interrupted",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.reaper().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}),
	}
}

func (a *app) reaper() *reaper.Reaper {
	return reaper.New(a.store, a.cfg.Reaper.ToReaper(a.cfg.Worker.ToRetryPolicy()))
}

func printReport(r reaper.Report) error {
	if formatFlag == "json" {
		return printJSON(os.Stdout, r)
	}
	fmt.Printf("expired_jobs=%d jobs_to_dead=%d jobs_retried=%d stuck_runs=%d runs_failed=%d locks_cleared=%d errors=%d\n",
		r.ExpiredJobs, r.JobsToDead, r.JobsRetried, r.StuckRuns, r.RunsFailed, r.LocksCleared, r.Errors)
	return nil
}
