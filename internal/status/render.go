package status

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/logbook/scmsync/internal/breaker"
	"github.com/logbook/scmsync/internal/domain"
)

// Formats accepted by --format.
const (
	FormatJSON       = "json"
	FormatTable      = "table"
	FormatPrometheus = "prometheus"
)

// Render writes the summary in the requested format.
func Render(w io.Writer, s *Summary, format string) error {
	switch format {
	case FormatJSON:
		return RenderJSON(w, s)
	case FormatTable:
		return RenderTable(w, s)
	case FormatPrometheus:
		return RenderPrometheus(w, s)
	}
	return fmt.Errorf("unknown output format %q", format)
}

// RenderJSON writes the summary as indented JSON.
func RenderJSON(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// RenderTable writes the summary as an aligned text table.
func RenderTable(w io.Writer, s *Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "generated_at\t%s\n", s.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(tw, "window_minutes\t%d\n", s.WindowMinutes)
	fmt.Fprintf(tw, "repos_total\t%d\n", s.ReposTotal)
	fmt.Fprintf(tw, "expired_locks\t%d\n", s.ExpiredLocks)
	fmt.Fprintf(tw, "window_failed_rate\t%.3f\n", s.WindowFailedRate)
	fmt.Fprintf(tw, "window_rate_limit_rate\t%.3f\n", s.WindowRateLimitRate)

	statuses := make([]string, 0, len(s.JobsByStatus))
	for k := range s.JobsByStatus {
		statuses = append(statuses, string(k))
	}
	sort.Strings(statuses)
	fmt.Fprintln(tw, "\nJOBS\tCOUNT")
	for _, status := range statuses {
		fmt.Fprintf(tw, "%s\t%d\n", status, s.JobsByStatus[domain.JobStatus(status)])
	}

	if len(s.QueueByInstance) > 0 {
		fmt.Fprintln(tw, "\nINSTANCE\tQUEUED")
		for _, k := range sortedKeys(s.QueueByInstance) {
			fmt.Fprintf(tw, "%s\t%d\n", k, s.QueueByInstance[k])
		}
	}
	if len(s.QueueByTenant) > 0 {
		fmt.Fprintln(tw, "\nTENANT\tQUEUED")
		for _, k := range sortedKeys(s.QueueByTenant) {
			fmt.Fprintf(tw, "%s\t%d\n", k, s.QueueByTenant[k])
		}
	}

	if len(s.TopLag) > 0 {
		fmt.Fprintln(tw, "\nREPO\tTYPE\tJOB\tLAG_SECONDS")
		for _, lag := range s.TopLag {
			lagText := strconv.FormatInt(lag.LagSeconds, 10)
			if lag.LagSeconds < 0 {
				lagText = "never"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", lag.RepoID, lag.RepoType, lag.JobType, lagText)
		}
	}

	if len(s.Breakers) > 0 {
		fmt.Fprintln(tw, "\nBREAKER\tSTATE")
		for _, k := range sortedKeys(s.Breakers) {
			fmt.Fprintf(tw, "%s\t%s\n", k, s.Breakers[k])
		}
	}

	if len(s.Buckets) > 0 {
		fmt.Fprintln(tw, "\nINSTANCE\tTOKENS\tRATE\tBURST\tPAUSED")
		for _, k := range sortedKeys(s.Buckets) {
			b := s.Buckets[k]
			fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.0f\t%t\n",
				k, b.CurrentTokens, b.Rate, b.Burst, b.IsPaused)
		}
	}

	if len(s.PausesByReason) > 0 {
		fmt.Fprintln(tw, "\nPAUSE_REASON\tCOUNT")
		for _, k := range sortedKeys(s.PausesByReason) {
			fmt.Fprintf(tw, "%s\t%d\n", k, s.PausesByReason[k])
		}
	}

	return tw.Flush()
}

// RenderPrometheus writes the summary in Prometheus text exposition
// format through a private registry, so scraping the CLI output stays
// byte-compatible with a real exporter.
func RenderPrometheus(w io.Writer, s *Summary) error {
	reg := prometheus.NewRegistry()

	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
		reg.MustRegister(v)
		return v
	}

	repos := gauge("scm_repos_total", "Registered repositories.")
	repos.WithLabelValues().Set(float64(s.ReposTotal))

	jobs := gauge("scm_jobs_total", "Sync jobs by status.", "status")
	for status, count := range s.JobsByStatus {
		jobs.WithLabelValues(string(status)).Set(float64(count))
	}

	locks := gauge("scm_expired_locks", "Sync locks with lapsed leases.")
	locks.WithLabelValues().Set(float64(s.ExpiredLocks))

	windowLabel := strconv.Itoa(s.WindowMinutes)
	failedRate := gauge("scm_window_failed_rate", "Failed run rate over the trailing window.", "window_minutes")
	failedRate.WithLabelValues(windowLabel).Set(s.WindowFailedRate)
	rlRate := gauge("scm_window_rate_limit_rate", "429 rate over the trailing window.", "window_minutes")
	rlRate.WithLabelValues(windowLabel).Set(s.WindowRateLimitRate)

	queueInstance := gauge("scm_queue_by_instance", "Active jobs per GitLab instance.", "instance")
	for instance, count := range s.QueueByInstance {
		queueInstance.WithLabelValues(instance).Set(float64(count))
	}
	queueTenant := gauge("scm_queue_by_tenant", "Active jobs per tenant.", "tenant")
	for tenant, count := range s.QueueByTenant {
		queueTenant.WithLabelValues(tenant).Set(float64(count))
	}

	lag := gauge("scm_repo_lag_seconds", "Cursor age per pair; -1 means never synced.",
		"repo_id", "repo_type", "job_type")
	for _, l := range s.TopLag {
		lag.WithLabelValues(strconv.FormatInt(l.RepoID, 10), string(l.RepoType), string(l.JobType)).
			Set(float64(l.LagSeconds))
	}

	breakerState := gauge("scm_breaker_state", "Breaker state: 0 closed, 1 half-open, 2 open.", "key")
	for key, state := range s.Breakers {
		breakerState.WithLabelValues(key).Set(breakerStateValue(state))
	}

	bucketTokens := gauge("scm_rate_limit_bucket_tokens", "Current bucket tokens.", "instance_key")
	bucketPaused := gauge("scm_rate_limit_bucket_paused", "Bucket pause flag.", "instance_key")
	for key, b := range s.Buckets {
		bucketTokens.WithLabelValues(key).Set(b.CurrentTokens)
		paused := 0.0
		if b.IsPaused {
			paused = 1.0
		}
		bucketPaused.WithLabelValues(key).Set(paused)
	}

	pauses := gauge("scm_pauses_by_reason", "Active pair pauses by reason code.", "reason_code")
	for code, count := range s.PausesByReason {
		pauses.WithLabelValues(code).Set(float64(count))
	}

	backoff := gauge("scm_retry_backoff_seconds", "Remaining retry backoff for pending jobs.",
		"instance_key", "tenant_id", "job_type")
	for _, b := range s.RetryBackoffs {
		backoff.WithLabelValues(b.InstanceKey, b.TenantID, string(b.JobType)).
			Set(float64(b.BackoffSeconds))
	}

	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := enc.Encode(family); err != nil {
			return fmt.Errorf("failed to encode metric family: %w", err)
		}
	}
	return nil
}

func breakerStateValue(state string) float64 {
	switch breaker.State(state) {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	}
	return 0
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
