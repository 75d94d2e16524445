package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/logbook/scmsync/internal/cursor"
	"github.com/logbook/scmsync/internal/domain"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator interventions",
	}
	cmd.AddCommand(
		newAdminJobsCmd(),
		newAdminLocksCmd(),
		newAdminPausesCmd(),
		newAdminCursorsCmd(),
		newAdminRateLimitCmd(),
	)
	return cmd
}

func newAdminJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Queue interventions",
	}

	var resetFlags jobFilterFlags
	var resetDryRun bool
	reset := &cobra.Command{
		Use:   "reset-dead",
		Short: "Move dead jobs back to pending",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			flt, err := resetFlags.filter()
			if err != nil {
				return err
			}
			n, err := a.store.ResetDeadJobs(ctx, flt, resetDryRun)
			if err != nil {
				return err
			}
			fmt.Printf("affected=%d dry_run=%t\n", n, resetDryRun)
			return nil
		}),
	}
	resetFlags.register(reset)
	reset.Flags().BoolVar(&resetDryRun, "dry-run", false, "count without writing")

	var markFlags jobFilterFlags
	var markDryRun bool
	mark := &cobra.Command{
		Use:   "mark-dead",
		Short: "Force pending or failed jobs to dead",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			flt, err := markFlags.filter()
			if err != nil {
				return err
			}
			n, err := a.store.MarkJobsDead(ctx, flt, markDryRun)
			if err != nil {
				return err
			}
			fmt.Printf("affected=%d dry_run=%t\n", n, markDryRun)
			return nil
		}),
	}
	markFlags.register(mark)
	mark.Flags().BoolVar(&markDryRun, "dry-run", false, "count without writing")

	cmd.AddCommand(reset, mark)
	return cmd
}

func newAdminLocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Lock interventions",
	}

	var lockID int64
	release := &cobra.Command{
		Use:   "force-release",
		Short: "Clear a lock regardless of holder",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.store.ForceReleaseLock(ctx, lockID); err != nil {
				return err
			}
			fmt.Printf("released lock %d\n", lockID)
			return nil
		}),
	}
	release.Flags().Int64Var(&lockID, "lock-id", 0, "lock row id")
	_ = release.MarkFlagRequired("lock-id")

	cmd.AddCommand(release)
	return cmd
}

func newAdminPausesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pauses",
		Short: "Pair pause interventions",
	}

	var (
		setPair    pairFlags
		duration   time.Duration
		reason     string
		reasonCode string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Pause scheduling for one (repo, job type) pair",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			rec := domain.PauseRecord{
				PausedUntil: now.Add(duration).Unix(),
				PausedAt:    now.Unix(),
				Reason:      reason,
				ReasonCode:  reasonCode,
			}
			if err := a.store.SetPause(ctx, setPair.repoID, domain.JobType(setPair.jobType), rec); err != nil {
				return err
			}
			fmt.Printf("paused repo=%d job_type=%s until %s\n",
				setPair.repoID, setPair.jobType, time.Unix(rec.PausedUntil, 0).UTC().Format(time.RFC3339))
			return nil
		}),
	}
	setPair.register(set)
	set.Flags().DurationVar(&duration, "duration", time.Hour, "pause duration")
	set.Flags().StringVar(&reason, "reason", "", "free-text reason")
	set.Flags().StringVar(&reasonCode, "reason-code", "manual", "machine-readable reason code")

	var unsetPair pairFlags
	unset := &cobra.Command{
		Use:   "unset",
		Short: "Clear a pair pause",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.store.Unpause(ctx, unsetPair.repoID, domain.JobType(unsetPair.jobType)); err != nil {
				return err
			}
			fmt.Printf("unpaused repo=%d job_type=%s\n", unsetPair.repoID, unsetPair.jobType)
			return nil
		}),
	}
	unsetPair.register(unset)

	list := &cobra.Command{
		Use:   "list",
		Short: "List pause records, expired ones included",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			pauses, err := a.store.ListPauses(ctx)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(os.Stdout, pauses)
			}
			now := time.Now().UTC()
			w := newTable()
			fmt.Fprintln(w, "REPO\tTYPE\tUNTIL\tACTIVE\tREASON_CODE\tREASON")
			for _, p := range pauses {
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n",
					p.RepoID, p.JobType,
					time.Unix(p.Record.PausedUntil, 0).UTC().Format(time.RFC3339),
					p.Record.Active(now), p.Record.ReasonCode, p.Record.Reason)
			}
			return w.Flush()
		}),
	}

	cmd.AddCommand(set, unset, list)
	return cmd
}

func newAdminCursorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursors",
		Short: "Cursor interventions",
	}

	var getPair pairFlags
	get := &cobra.Command{
		Use:   "get",
		Short: "Print one cursor",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			c, err := a.store.LoadCursor(ctx, getPair.repoID, domain.JobType(getPair.jobType))
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, c.ToDict())
		}),
	}
	getPair.register(get)

	var setPair pairFlags
	var value string
	var force bool
	set := &cobra.Command{
		Use:   "set",
		Short: "Overwrite one cursor from a JSON document",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			var dict map[string]any
			if err := json.Unmarshal([]byte(value), &dict); err != nil {
				return fmt.Errorf("invalid cursor JSON: %w", err)
			}
			jobType := domain.JobType(setPair.jobType)
			c := cursor.FromDict(dict)
			if !force {
				existing, err := a.store.LoadCursor(ctx, setPair.repoID, jobType)
				if err != nil {
					return err
				}
				if err := checkCursorWrite(existing, c, jobType); err != nil {
					return err
				}
			}
			if err := a.store.SaveCursor(ctx, setPair.repoID, jobType, c); err != nil {
				return err
			}
			return printJSON(os.Stdout, c.ToDict())
		}),
	}
	setPair.register(set)
	set.Flags().StringVar(&value, "value", "", "cursor JSON (v1 flat or v2 versioned)")
	set.Flags().BoolVar(&force, "force", false, "write even when the watermark does not advance")
	_ = set.MarkFlagRequired("value")

	var deletePair pairFlags
	del := &cobra.Command{
		Use:   "delete",
		Short: "Drop one cursor, forcing a backfill",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.store.DeleteCursor(ctx, deletePair.repoID, domain.JobType(deletePair.jobType)); err != nil {
				return err
			}
			fmt.Printf("deleted cursor repo=%d job_type=%s\n", deletePair.repoID, deletePair.jobType)
			return nil
		}),
	}
	deletePair.register(del)

	cmd.AddCommand(get, set, del)
	return cmd
}

func newAdminRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Token bucket interventions",
	}
	buckets := &cobra.Command{
		Use:   "buckets",
		Short: "Per-instance token buckets",
	}

	var (
		pauseInstance string
		pauseFor      time.Duration
	)
	pause := &cobra.Command{
		Use:   "pause",
		Short: "Pause one instance bucket",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.buckets.PauseFor(ctx, pauseInstance, pauseFor, "manual"); err != nil {
				return err
			}
			fmt.Printf("paused bucket %s for %s\n", pauseInstance, pauseFor)
			return nil
		}),
	}
	pause.Flags().StringVar(&pauseInstance, "instance", "", "instance key (host)")
	pause.Flags().DurationVar(&pauseFor, "duration", time.Hour, "pause duration")
	_ = pause.MarkFlagRequired("instance")

	var unpauseInstance string
	unpause := &cobra.Command{
		Use:   "unpause",
		Short: "Clear an instance bucket pause",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			if err := a.buckets.Unpause(ctx, unpauseInstance); err != nil {
				return err
			}
			fmt.Printf("unpaused bucket %s\n", unpauseInstance)
			return nil
		}),
	}
	unpause.Flags().StringVar(&unpauseInstance, "instance", "", "instance key (host)")
	_ = unpause.MarkFlagRequired("instance")

	list := &cobra.Command{
		Use:   "list",
		Short: "List bucket rows",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			rows, err := a.buckets.List(ctx)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(os.Stdout, rows)
			}
			now := time.Now().UTC()
			w := newTable()
			fmt.Fprintln(w, "INSTANCE\tTOKENS\tRATE\tBURST\tPAUSED\tPAUSED_UNTIL")
			for _, b := range rows {
				pausedUntil := ""
				if b.PausedUntil != nil {
					pausedUntil = b.PausedUntil.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%.0f\t%t\t%s\n",
					b.InstanceKey, b.Tokens, b.Rate, b.Burst, b.Paused(now), pausedUntil)
			}
			return w.Flush()
		}),
	}

	buckets.AddCommand(pause, unpause, list)
	cmd.AddCommand(buckets)
	return cmd
}

// checkCursorWrite refuses a watermark behind the stored cursor. An
// empty side always passes: first writes and stat-only repairs are not
// regressions.
func checkCursorWrite(existing, next cursor.Cursor, jobType domain.JobType) error {
	if existing.Empty() || next.Empty() {
		return nil
	}
	advanced, err := existing.Advance(jobType, next.Watermark)
	if err != nil {
		return fmt.Errorf("cannot compare watermarks: %w", err)
	}
	if !advanced {
		return fmt.Errorf("%w: rerun with --force to overwrite", domain.ErrCursorRegression)
	}
	return nil
}

// pairFlags is the shared --repo-id/--job-type pair selector.
type pairFlags struct {
	repoID  int64
	jobType string
}

func (p *pairFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&p.repoID, "repo-id", 0, "repo id")
	cmd.Flags().StringVar(&p.jobType, "job-type", "", "job type")
	_ = cmd.MarkFlagRequired("repo-id")
	_ = cmd.MarkFlagRequired("job-type")
}
