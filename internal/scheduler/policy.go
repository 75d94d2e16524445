// Package scheduler decides which (repo, job_type) pairs enter the work
// queue. The policy layer is pure and deterministic: it takes a snapshot
// of repo states, bucket statuses, breaker decisions and budgets, and
// returns an ordered candidate list. All I/O lives in the scan loop.
package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/logbook/scmsync/internal/breaker"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
	"github.com/logbook/scmsync/internal/ratelimit"
)

// Candidate selection reasons.
const (
	ReasonNeverSynced        = "never_synced"
	ReasonCursorAgeExceeded  = "cursor_age_exceeded"
	ReasonRateLimited        = "rate_limited"
	ReasonWithinThreshold    = "within_threshold"
	ReasonErrorBudget        = "error_budget_exceeded"
	ReasonBucketPaused       = "bucket_paused"
	ReasonLowTokens          = "low_tokens"
)

// Priority composition constants. Lower totals schedule first.
const (
	priorityScale          = 1000
	neverSyncedAdjustment  = -100
	rateLimitedAdjustment  = 50
	bucketPausedPenalty    = 1000
	lowTokensPenalty       = 100
	lowTokensFraction      = 0.2
)

// PairKey identifies one unit of queued work.
type PairKey struct {
	RepoID  int64
	JobType domain.JobType
}

// PairState is the per-(repo, job_type) sync history the policy reads.
type PairState struct {
	CursorUpdatedAt *time.Time
	RecentRuns      int
	RecentFailed    int
	RateLimitRate   float64
}

// FailureRate returns recent_failed / recent_runs, zero below minSamples.
func (p PairState) FailureRate(minSamples int) float64 {
	if p.RecentRuns < minSamples || p.RecentRuns == 0 {
		return 0
	}
	return float64(p.RecentFailed) / float64(p.RecentRuns)
}

// RepoState is one repo's scheduling snapshot.
type RepoState struct {
	RepoID         int64
	RepoType       domain.RepoType
	ProjectKey     string
	TenantID       string
	GitLabInstance string // normalized instance key; empty for svn
	Pool           string
	Pairs          map[domain.JobType]PairState
}

// BudgetSnapshot counts work in flight. The policy increments a copy as
// it admits candidates so the caps hold within a single scan.
type BudgetSnapshot struct {
	GlobalRunning int
	GlobalPending int
	ByInstance    map[string]int
	ByTenant      map[string]int
}

// GlobalActive is pending plus running.
func (b BudgetSnapshot) GlobalActive() int {
	return b.GlobalRunning + b.GlobalPending
}

func (b BudgetSnapshot) clone() BudgetSnapshot {
	out := BudgetSnapshot{
		GlobalRunning: b.GlobalRunning,
		GlobalPending: b.GlobalPending,
		ByInstance:    make(map[string]int, len(b.ByInstance)),
		ByTenant:      make(map[string]int, len(b.ByTenant)),
	}
	for k, v := range b.ByInstance {
		out.ByInstance[k] = v
	}
	for k, v := range b.ByTenant {
		out.ByTenant[k] = v
	}
	return out
}

// SyncJobCandidate is one admitted (repo, job_type) pair with its
// scheduling annotations.
type SyncJobCandidate struct {
	RepoID              int64
	JobType             domain.JobType
	Priority            int
	Reason              string
	Mode                domain.JobMode
	TenantID            string
	Instance            string
	BucketPaused        bool
	BucketPenaltyReason string
	BucketPenaltyValue  int
	SuggestedBatchSize  int
	SuggestedDiffMode   string
}

// Config tunes the scheduler policy. Loaded from SCM_SCHEDULER_* env.
type Config struct {
	CursorAgeThreshold        time.Duration
	ErrorBudgetThreshold      float64
	MinSamples                int
	RateLimitHitThreshold     float64
	JobTypePriority           map[domain.JobType]int
	MaxRunning                int
	MaxQueueDepth             int
	PerInstanceConcurrency    int
	PerTenantConcurrency      int
	MaxEnqueuePerScan         int
	SkipOnBucketPause         bool
	EnableTenantFairness      bool
	TenantFairnessMaxPerRound int
	MVPModeEnabled            bool
	MVPJobTypeAllowlist       []domain.JobType
	BreakerProjectKey         string
	MaxAttempts               int
	LeaseSeconds              int
	ScanInterval              time.Duration
}

// DefaultConfig returns the stock scheduler tuning.
func DefaultConfig() Config {
	return Config{
		CursorAgeThreshold:        time.Hour,
		ErrorBudgetThreshold:      0.5,
		MinSamples:                5,
		RateLimitHitThreshold:     0.3,
		JobTypePriority:           DefaultJobTypePriority(),
		MaxRunning:                50,
		MaxQueueDepth:             200,
		PerInstanceConcurrency:    10,
		PerTenantConcurrency:      5,
		MaxEnqueuePerScan:         50,
		SkipOnBucketPause:         false,
		EnableTenantFairness:      true,
		TenantFairnessMaxPerRound: 1,
		BreakerProjectKey:         "scm",
		MaxAttempts:               3,
		LeaseSeconds:              300,
		ScanInterval:              time.Minute,
	}
}

// DefaultJobTypePriority orders commits ahead of MRs ahead of reviews.
func DefaultJobTypePriority() map[domain.JobType]int {
	return map[domain.JobType]int{
		domain.JobTypeCommits: 0,
		domain.JobTypeMRs:     1,
		domain.JobTypeReviews: 2,
		domain.JobTypeSVN:     0,
	}
}

// PolicyInput is the full deterministic input to one selection pass.
type PolicyInput struct {
	States           []RepoState
	JobTypes         []domain.JobType
	Config           Config
	Now              time.Time
	QueuedPairs      map[PairKey]struct{}
	PausedPairs      map[PairKey]struct{}
	BucketStatuses   map[string]ratelimit.InstanceBucketStatus
	Budget           BudgetSnapshot
	BreakerDecisions map[string]breaker.Decision
}

// SelectJobsToEnqueue runs the policy and returns candidates in admission
// order. Pure: no I/O, no clock reads, no randomness.
func SelectJobsToEnqueue(in PolicyInput) []SyncJobCandidate {
	cfg := in.Config

	// Hard global gates: a saturated system admits nothing.
	if cfg.MaxRunning > 0 && in.Budget.GlobalRunning >= cfg.MaxRunning {
		return nil
	}
	if cfg.MaxQueueDepth > 0 && in.Budget.GlobalActive() >= cfg.MaxQueueDepth {
		return nil
	}

	jobTypes := in.JobTypes
	if cfg.MVPModeEnabled {
		jobTypes = filterJobTypes(jobTypes, cfg.MVPJobTypeAllowlist)
		if len(jobTypes) == 0 {
			return nil
		}
	}

	eligible := collectEligible(in, jobTypes)

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.cand.Priority != b.cand.Priority {
			return a.cand.Priority < b.cand.Priority
		}
		if a.cand.RepoID != b.cand.RepoID {
			return a.cand.RepoID < b.cand.RepoID
		}
		return a.cand.JobType < b.cand.JobType
	})

	return admit(in, eligible)
}

// scored carries a candidate plus the probe scopes it consumes from.
type scored struct {
	cand        SyncJobCandidate
	probeScopes []string
}

func collectEligible(in PolicyInput, jobTypes []domain.JobType) []scored {
	cfg := in.Config
	var out []scored

	for _, state := range in.States {
		repoJobTypes := intersectJobTypes(domain.JobTypesFor(state.RepoType), jobTypes)
		decisions, probeScopes, allowed := resolveDecisions(in.BreakerDecisions, cfg.BreakerProjectKey, state)
		if !allowed {
			continue
		}

		for _, jt := range repoJobTypes {
			key := PairKey{RepoID: state.RepoID, JobType: jt}
			if _, queued := in.QueuedPairs[key]; queued {
				continue
			}
			if _, paused := in.PausedPairs[key]; paused {
				continue
			}

			pair := state.Pairs[jt]
			adj, reason, ok := eligibility(pair, cfg, in.Now)
			if !ok {
				continue
			}

			// Probe mode restricts which job types may pass at all.
			if len(probeScopes) > 0 && !probeAllows(decisions, jt) {
				continue
			}

			failureRate := pair.FailureRate(cfg.MinSamples)
			prio := cfg.JobTypePriority[jt]*priorityScale + adj +
				int(math.Round(failureRate*100)) +
				int(math.Round(pair.RateLimitRate*100))

			cand := SyncJobCandidate{
				RepoID:   state.RepoID,
				JobType:  jt,
				Reason:   reason,
				Mode:     domain.ModeIncremental,
				TenantID: state.TenantID,
				Instance: state.GitLabInstance,
			}

			// Bucket treatment.
			if state.GitLabInstance != "" {
				if st, ok := in.BucketStatuses[state.GitLabInstance]; ok {
					if st.IsPaused {
						if cfg.SkipOnBucketPause {
							continue
						}
						cand.BucketPaused = true
						cand.BucketPenaltyReason = ReasonBucketPaused
						cand.BucketPenaltyValue = bucketPausedPenalty
						prio += bucketPausedPenalty
					} else if st.LowTokens(lowTokensFraction) {
						cand.BucketPenaltyReason = ReasonLowTokens
						cand.BucketPenaltyValue = lowTokensPenalty
						prio += lowTokensPenalty
					}
				}
			}

			// Breaker degradation: backfill-only forces mode and batch hints.
			applyDegradation(&cand, decisions)

			cand.Priority = prio
			out = append(out, scored{cand: cand, probeScopes: probeScopes})
		}
	}
	return out
}

// eligibility applies the per-pair rules and returns the priority
// adjustment, reason, and whether the pair is eligible at all.
func eligibility(pair PairState, cfg Config, now time.Time) (int, string, bool) {
	if pair.CursorUpdatedAt == nil {
		return neverSyncedAdjustment, ReasonNeverSynced, true
	}
	if now.Sub(*pair.CursorUpdatedAt) < cfg.CursorAgeThreshold {
		return 0, ReasonWithinThreshold, false
	}
	if pair.FailureRate(cfg.MinSamples) >= cfg.ErrorBudgetThreshold {
		return 0, ReasonErrorBudget, false
	}
	if pair.RateLimitRate >= cfg.RateLimitHitThreshold {
		return rateLimitedAdjustment, ReasonRateLimited, true
	}
	return 0, ReasonCursorAgeExceeded, true
}

// resolveDecisions gathers the breaker decisions binding this repo, the
// probe-mode scope keys among them, and whether sync is allowed at all
// (allow_sync is AND-ed across scopes).
func resolveDecisions(all map[string]breaker.Decision, projectKey string, state RepoState) ([]breaker.Decision, []string, bool) {
	if len(all) == 0 {
		return nil, nil, true
	}

	scopes := []string{keys.GlobalScope()}
	if state.Pool != "" {
		scopes = append(scopes, keys.PoolScope(state.Pool))
	}
	if state.GitLabInstance != "" {
		scopes = append(scopes, keys.InstanceScope(state.GitLabInstance))
	}
	if state.TenantID != "" {
		scopes = append(scopes, keys.TenantScope(state.TenantID))
	}

	var decisions []breaker.Decision
	var probeScopes []string
	for _, scope := range scopes {
		key := keys.BuildCircuitBreakerKey(projectKey, scope)
		d, ok := all[key]
		if !ok {
			continue
		}
		if !d.AllowSync {
			return nil, nil, false
		}
		decisions = append(decisions, d)
		if d.IsProbeMode {
			probeScopes = append(probeScopes, key)
		}
	}
	return decisions, probeScopes, true
}

func probeAllows(decisions []breaker.Decision, jt domain.JobType) bool {
	for _, d := range decisions {
		if !d.IsProbeMode {
			continue
		}
		found := false
		for _, allowed := range d.ProbeJobTypesAllowlist {
			if allowed == jt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// applyDegradation folds breaker hints into the candidate: the most
// restrictive wins, batch sizes are min-ed across scopes.
func applyDegradation(cand *SyncJobCandidate, decisions []breaker.Decision) {
	for _, d := range decisions {
		if !d.IsBackfillOnly {
			continue
		}
		cand.Mode = domain.ModeBackfill
		if d.SuggestedBatchSize > 0 &&
			(cand.SuggestedBatchSize == 0 || d.SuggestedBatchSize < cand.SuggestedBatchSize) {
			cand.SuggestedBatchSize = d.SuggestedBatchSize
		}
		if d.SuggestedDiffMode != "" {
			cand.SuggestedDiffMode = d.SuggestedDiffMode
		}
	}
}

// admit walks the sorted candidates enforcing budgets, probe budgets and
// tenant fairness, and returns the final ordered list.
func admit(in PolicyInput, eligible []scored) []SyncJobCandidate {
	cfg := in.Config
	budget := in.Budget.clone()
	if budget.ByInstance == nil {
		budget.ByInstance = map[string]int{}
	}
	if budget.ByTenant == nil {
		budget.ByTenant = map[string]int{}
	}

	limit := len(eligible)
	if cfg.MaxEnqueuePerScan > 0 && cfg.MaxEnqueuePerScan < limit {
		limit = cfg.MaxEnqueuePerScan
	}
	if cfg.MaxQueueDepth > 0 {
		if room := cfg.MaxQueueDepth - in.Budget.GlobalActive(); room < limit {
			limit = room
		}
	}
	if limit <= 0 {
		return nil
	}

	probeUsed := map[string]int{}
	admitted := make([]SyncJobCandidate, 0, limit)

	tryAdmit := func(s scored) bool {
		if len(admitted) >= limit {
			return false
		}
		if cfg.PerInstanceConcurrency > 0 && s.cand.Instance != "" &&
			budget.ByInstance[s.cand.Instance] >= cfg.PerInstanceConcurrency {
			return false
		}
		if cfg.PerTenantConcurrency > 0 && s.cand.TenantID != "" &&
			budget.ByTenant[s.cand.TenantID] >= cfg.PerTenantConcurrency {
			return false
		}
		for _, scope := range s.probeScopes {
			if probeUsed[scope] >= probeBudgetFor(in.BreakerDecisions, scope) {
				return false
			}
		}

		if s.cand.Instance != "" {
			budget.ByInstance[s.cand.Instance]++
		}
		if s.cand.TenantID != "" {
			budget.ByTenant[s.cand.TenantID]++
		}
		budget.GlobalPending++
		for _, scope := range s.probeScopes {
			probeUsed[scope]++
		}
		admitted = append(admitted, s.cand)
		return true
	}

	if cfg.EnableTenantFairness {
		interleaveByTenant(eligible, cfg.TenantFairnessMaxPerRound, tryAdmit, func() bool {
			return len(admitted) >= limit
		})
	} else {
		for _, s := range eligible {
			if len(admitted) >= limit {
				break
			}
			tryAdmit(s)
		}
	}

	return admitted
}

func probeBudgetFor(decisions map[string]breaker.Decision, scope string) int {
	if d, ok := decisions[scope]; ok && d.ProbeBudget > 0 {
		return d.ProbeBudget
	}
	return 0
}

func filterJobTypes(all, allowlist []domain.JobType) []domain.JobType {
	if len(allowlist) == 0 {
		return nil
	}
	allowed := make(map[domain.JobType]struct{}, len(allowlist))
	for _, jt := range allowlist {
		allowed[jt] = struct{}{}
	}
	var out []domain.JobType
	for _, jt := range all {
		if _, ok := allowed[jt]; ok {
			out = append(out, jt)
		}
	}
	return out
}

func intersectJobTypes(repoTypes, requested []domain.JobType) []domain.JobType {
	want := make(map[domain.JobType]struct{}, len(requested))
	for _, jt := range requested {
		want[jt] = struct{}{}
	}
	var out []domain.JobType
	for _, jt := range repoTypes {
		if _, ok := want[jt]; ok {
			out = append(out, jt)
		}
	}
	return out
}
