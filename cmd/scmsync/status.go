package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/infrastructure/persistence/postgres"
	"github.com/logbook/scmsync/internal/ptr"
	"github.com/logbook/scmsync/internal/status"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Read-only views over the sync control plane",
	}
	cmd.AddCommand(
		newStatusSummaryCmd(),
		newStatusReposCmd(),
		newStatusJobsCmd(),
		newStatusRunsCmd(),
		newStatusLocksCmd(),
		newStatusCursorsCmd(),
	)
	return cmd
}

func newStatusSummaryCmd() *cobra.Command {
	var (
		window time.Duration
		topLag int
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate health snapshot",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			collector := status.NewCollector(a.store, status.WithBuckets(a.buckets))
			s, err := collector.Summary(ctx, window, topLag)
			if err != nil {
				return err
			}
			return status.Render(os.Stdout, s, formatFlag)
		}),
	}
	cmd.Flags().DurationVar(&window, "window", time.Hour, "trailing health window")
	cmd.Flags().IntVar(&topLag, "top-lag", 10, "number of most-lagged pairs to list")
	return cmd
}

func newStatusReposCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repos",
		Short: "List registered repositories",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			repos, err := a.store.ListRepos(ctx)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(os.Stdout, repos)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tTYPE\tPROJECT_KEY\tDEFAULT_BRANCH\tURL")
			for _, r := range repos {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.ID, r.RepoType, r.ProjectKey, r.DefaultBranch, r.URL)
			}
			return w.Flush()
		}),
	}
}

func newStatusJobsCmd() *cobra.Command {
	var f jobFilterFlags
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List queue rows",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			flt, err := f.filter()
			if err != nil {
				return err
			}
			jobs, err := a.store.ListJobs(ctx, flt)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(os.Stdout, jobs)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tREPO\tTYPE\tMODE\tSTATUS\tATTEMPTS\tNOT_BEFORE\tLOCKED_BY\tLAST_ERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
					j.ID, j.RepoID, j.JobType, j.Mode, j.Status,
					j.Attempts, j.MaxAttempts,
					j.NotBefore.UTC().Format(time.RFC3339),
					deref(j.LockedBy), deref(j.LastError))
			}
			return w.Flush()
		}),
	}
	f.register(cmd)
	return cmd
}

func newStatusRunsCmd() *cobra.Command {
	var (
		repoID  int64
		jobType string
		state   string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List ledger rows, newest first",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			f := postgres.RunFilter{Limit: limit}
			if repoID > 0 {
				f.RepoID = &repoID
			}
			if jobType != "" {
				f.JobType = &jobType
			}
			if state != "" {
				f.Status = &state
			}
			runs, err := a.store.ListRuns(ctx, f)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(os.Stdout, runs)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tREPO\tTYPE\tMODE\tSTATUS\tSTARTED\tFINISHED\tSYNCED\tERROR")
			for _, r := range runs {
				finished := ""
				if r.FinishedAt != nil {
					finished = r.FinishedAt.UTC().Format(time.RFC3339)
				}
				errSummary := ""
				if len(r.ErrorSummary) > 0 {
					b, _ := json.Marshal(r.ErrorSummary)
					errSummary = string(b)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.ID, r.RepoID, r.JobType, r.Mode, r.Status,
					r.StartedAt.UTC().Format(time.RFC3339), finished,
					r.Counts["synced_count"], errSummary)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().Int64Var(&repoID, "repo-id", 0, "filter by repo id")
	cmd.Flags().StringVar(&jobType, "job-type", "", "filter by job type")
	cmd.Flags().StringVar(&state, "status", "", "filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newStatusLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List sync locks",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			locks, err := a.store.ListLocks(ctx)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				return printJSON(os.Stdout, locks)
			}
			now := time.Now().UTC()
			w := newTable()
			fmt.Fprintln(w, "ID\tREPO\tTYPE\tLOCKED_BY\tLOCKED_AT\tLEASE_S\tEXPIRED")
			for _, l := range locks {
				lockedAt := ""
				expired := false
				if l.LockedAt != nil {
					lockedAt = l.LockedAt.UTC().Format(time.RFC3339)
					expired = l.LockedAt.Add(time.Duration(l.LeaseSeconds) * time.Second).Before(now)
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%t\n",
					l.ID, l.RepoID, l.JobType, deref(l.LockedBy), lockedAt, l.LeaseSeconds, expired)
			}
			return w.Flush()
		}),
	}
}

func newStatusCursorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cursors",
		Short: "List sync cursors",
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			entries, err := a.store.ListCursors(ctx)
			if err != nil {
				return err
			}
			if formatFlag == "json" {
				out := make([]map[string]any, 0, len(entries))
				for _, e := range entries {
					out = append(out, map[string]any{
						"repo_id":    e.RepoID,
						"job_type":   e.JobType,
						"cursor":     e.Cursor.ToDict(),
						"updated_at": e.UpdatedAt,
					})
				}
				return printJSON(os.Stdout, out)
			}
			w := newTable()
			fmt.Fprintln(w, "REPO\tTYPE\tUPDATED\tLAST_SYNC\tWATERMARK")
			for _, e := range entries {
				b, _ := json.Marshal(e.Cursor.Watermark)
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					e.RepoID, e.JobType,
					e.UpdatedAt.UTC().Format(time.RFC3339),
					e.Cursor.Stats.LastSyncAt, string(b))
			}
			return w.Flush()
		}),
	}
}

// jobFilterFlags is the shared --job-id/--repo-id/--job-type/--status
// filter used by job listing and admin commands.
type jobFilterFlags struct {
	jobID   string
	repoID  int64
	jobType string
	state   string
	limit   int
}

func (f *jobFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "filter by job id")
	cmd.Flags().Int64Var(&f.repoID, "repo-id", 0, "filter by repo id")
	cmd.Flags().StringVar(&f.jobType, "job-type", "", "filter by job type")
	cmd.Flags().StringVar(&f.state, "status", "", "filter by job status")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "maximum rows")
}

func (f *jobFilterFlags) filter() (postgres.JobFilter, error) {
	out := postgres.JobFilter{Limit: f.limit}
	if f.jobID != "" {
		if err := uuid.Validate(f.jobID); err != nil {
			return postgres.JobFilter{}, fmt.Errorf("%w: job id %q", domain.ErrInvalidID, f.jobID)
		}
		out.JobID = ptr.To(f.jobID)
	}
	if f.repoID > 0 {
		out.RepoID = ptr.To(f.repoID)
	}
	if f.jobType != "" {
		out.JobType = ptr.To(f.jobType)
	}
	if f.state != "" {
		out.Status = ptr.To(f.state)
	}
	return out, nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func deref(s *string) string {
	return ptr.Deref(s, "")
}
