// Package adapter implements the per-job-type sync functions the worker
// harness dispatches to. Adapters read from the source system, hand
// items to the ingest sink and report a RunResult with the candidate
// watermark; all state transitions stay in the harness.
package adapter

import (
	"context"
	"log/slog"
	"time"

	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/worker"
)

// Sink receives synced items. The sync engine only coordinates; ingest
// lives behind this interface.
type Sink interface {
	Publish(ctx context.Context, stream string, payload map[string]any) error
}

// NopSink drops everything, for dry runs and tests.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, stream string, payload map[string]any) error {
	return nil
}

// TokenAcquirer gates source API calls on the instance rate limit
// bucket.
type TokenAcquirer interface {
	Acquire(ctx context.Context, instanceKey string, n float64) error
}

// Config tunes the adapters.
type Config struct {
	PerPage  int           // API page size
	MaxPages int           // page budget per run, degraded batches shrink it
	Timeout  time.Duration // per HTTP request

	OverlapWindow    time.Duration // git incremental re-read window
	OverlapRevisions int64         // svn incremental re-read window

	SVNCommand string // defaults to "svn"
}

// DefaultConfig returns the stock adapter tuning.
func DefaultConfig() Config {
	return Config{
		PerPage:          100,
		MaxPages:         50,
		Timeout:          30 * time.Second,
		OverlapWindow:    10 * time.Minute,
		OverlapRevisions: 10,
		SVNCommand:       "svn",
	}
}

// NewRegistry wires the adapters for every job type. buckets may be nil
// when rate limiting is disabled (tests, dry runs).
func NewRegistry(cfg Config, sink Sink, tokens TokenProvider, buckets TokenAcquirer) worker.Registry {
	if sink == nil {
		sink = NopSink{}
	}
	gl := &GitLabAdapter{cfg: cfg, sink: sink, tokens: tokens, buckets: buckets}
	svn := &SVNAdapter{cfg: cfg, sink: sink}

	return worker.Registry{
		domain.JobTypeCommits: gl.SyncCommits,
		domain.JobTypeMRs:     gl.SyncMRs,
		domain.JobTypeReviews: gl.SyncReviews,
		domain.JobTypeSVN:     svn.Sync,
	}
}

// pageBudget resolves the page cap for one run, honoring the
// scheduler's degradation suggestion from the job payload.
func pageBudget(cfg Config, job *domain.SyncJob) int {
	budget := cfg.MaxPages
	if job.Payload == nil {
		return budget
	}
	if v, ok := job.Payload["suggested_batch_size"]; ok {
		if n := asInt(v); n > 0 && n < budget {
			budget = n
		}
	}
	return budget
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// degradation accumulates per-item failures without failing the run.
type degradation struct {
	reasons map[string]int
}

func (d *degradation) count(kind string) {
	if d.reasons == nil {
		d.reasons = map[string]int{}
	}
	d.reasons[kind]++
}

func (d *degradation) dict() map[string]any {
	if len(d.reasons) == 0 {
		return nil
	}
	reasons := make(map[string]any, len(d.reasons))
	for k, v := range d.reasons {
		reasons[k] = v
	}
	return map[string]any{"reasons": reasons}
}

// publishItem hands one item to the sink, degrading instead of failing
// when the sink rejects it.
func publishItem(ctx context.Context, sink Sink, deg *degradation, stream string, payload map[string]any) bool {
	if err := sink.Publish(ctx, stream, payload); err != nil {
		slog.WarnContext(ctx, "sink rejected item", "stream", stream, "error", err)
		deg.count("sink_error")
		return false
	}
	return true
}
