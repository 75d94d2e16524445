package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/logbook/scmsync/internal/scheduler"
)

func newSchedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Scan repositories and enqueue sync jobs",
	}
	cmd.AddCommand(newSchedulerScanCmd(), newSchedulerRunCmd())
	return cmd
}

func newSchedulerScanCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scheduling pass",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			scanner := a.scanner()
			res, err := scanner.ScanOnce(ctx, dryRun)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(os.Stdout, res)
			}
			fmt.Printf("repos_seen=%d selected=%d enqueued=%d dry_run=%t\n",
				res.ReposSeen, res.Selected, res.Enqueued, dryRun)
			if dryRun {
				for _, c := range res.Candidates {
					fmt.Printf("  repo=%d job_type=%s mode=%s priority=%d\n",
						c.RepoID, c.JobType, c.Mode, c.Priority)
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report candidates without enqueueing")
	return cmd
}

func newSchedulerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop until interrupted",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.scanner().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}),
	}
}

func (a *app) scanner() *scheduler.Scanner {
	return scheduler.NewScanner(a.store, a.buckets, a.breakers(),
		a.cfg.Scheduler.ToPolicy(a.cfg.Namespace))
}
