package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logbook/scmsync/internal/breaker"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
	"github.com/logbook/scmsync/internal/ratelimit"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

// staleGitRepo returns a git repo whose commits cursor is two hours old,
// well past the default one hour threshold.
func staleGitRepo(id int64, tenant, instance string) RepoState {
	stale := testNow.Add(-2 * time.Hour)
	return RepoState{
		RepoID:         id,
		RepoType:       domain.RepoTypeGit,
		ProjectKey:     tenant + "/repo",
		TenantID:       tenant,
		GitLabInstance: instance,
		Pairs: map[domain.JobType]PairState{
			domain.JobTypeCommits: {CursorUpdatedAt: &stale},
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableTenantFairness = false
	return cfg
}

func commitsOnly(in PolicyInput) PolicyInput {
	in.JobTypes = []domain.JobType{domain.JobTypeCommits}
	return in
}

func TestSelect_NeverSyncedFirst(t *testing.T) {
	stale := testNow.Add(-2 * time.Hour)
	in := commitsOnly(PolicyInput{
		States: []RepoState{
			{RepoID: 1, RepoType: domain.RepoTypeGit, TenantID: "a",
				Pairs: map[domain.JobType]PairState{domain.JobTypeCommits: {CursorUpdatedAt: &stale}}},
			{RepoID: 2, RepoType: domain.RepoTypeGit, TenantID: "a",
				Pairs: map[domain.JobType]PairState{}},
		},
		Config: testConfig(),
		Now:    testNow,
	})

	got := SelectJobsToEnqueue(in)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].RepoID)
	assert.Equal(t, ReasonNeverSynced, got[0].Reason)
	assert.Equal(t, int64(1), got[1].RepoID)
	assert.Equal(t, ReasonCursorAgeExceeded, got[1].Reason)
	assert.Less(t, got[0].Priority, got[1].Priority)
}

func TestSelect_WithinThresholdAndErrorBudgetDropped(t *testing.T) {
	fresh := testNow.Add(-10 * time.Minute)
	stale := testNow.Add(-2 * time.Hour)
	in := commitsOnly(PolicyInput{
		States: []RepoState{
			{RepoID: 1, RepoType: domain.RepoTypeGit,
				Pairs: map[domain.JobType]PairState{domain.JobTypeCommits: {CursorUpdatedAt: &fresh}}},
			{RepoID: 2, RepoType: domain.RepoTypeGit,
				Pairs: map[domain.JobType]PairState{domain.JobTypeCommits: {
					CursorUpdatedAt: &stale, RecentRuns: 10, RecentFailed: 6}}},
		},
		Config: testConfig(),
		Now:    testNow,
	})

	got := SelectJobsToEnqueue(in)
	assert.Empty(t, got)
}

func TestSelect_ErrorBudgetNeedsMinSamples(t *testing.T) {
	stale := testNow.Add(-2 * time.Hour)
	// 3 of 3 failed, but below MinSamples=5: failure rate treated as zero.
	in := commitsOnly(PolicyInput{
		States: []RepoState{
			{RepoID: 1, RepoType: domain.RepoTypeGit,
				Pairs: map[domain.JobType]PairState{domain.JobTypeCommits: {
					CursorUpdatedAt: &stale, RecentRuns: 3, RecentFailed: 3}}},
		},
		Config: testConfig(),
		Now:    testNow,
	})

	got := SelectJobsToEnqueue(in)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonCursorAgeExceeded, got[0].Reason)
}

func TestSelect_QueuedAndPausedPairsSkipped(t *testing.T) {
	in := commitsOnly(PolicyInput{
		States: []RepoState{
			staleGitRepo(1, "a", ""),
			staleGitRepo(2, "a", ""),
			staleGitRepo(3, "a", ""),
		},
		Config:      testConfig(),
		Now:         testNow,
		QueuedPairs: map[PairKey]struct{}{{RepoID: 1, JobType: domain.JobTypeCommits}: {}},
		PausedPairs: map[PairKey]struct{}{{RepoID: 2, JobType: domain.JobTypeCommits}: {}},
	})

	got := SelectJobsToEnqueue(in)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].RepoID)
}

func TestSelect_PerInstanceConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.PerInstanceConcurrency = 2

	states := make([]RepoState, 0, 5)
	for i := int64(1); i <= 5; i++ {
		states = append(states, staleGitRepo(i, "a", "gitlab.example.com"))
	}

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: states,
		Config: cfg,
		Now:    testNow,
	}))
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].RepoID)
	assert.Equal(t, int64(2), got[1].RepoID)
}

func TestSelect_InstanceCapCountsRunningWork(t *testing.T) {
	cfg := testConfig()
	cfg.PerInstanceConcurrency = 2

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{
			staleGitRepo(1, "a", "gitlab.example.com"),
			staleGitRepo(2, "a", "gitlab.example.com"),
		},
		Config: cfg,
		Now:    testNow,
		Budget: BudgetSnapshot{ByInstance: map[string]int{"gitlab.example.com": 1}},
	}))
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].RepoID)
}

func TestSelect_PerTenantConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.PerTenantConcurrency = 1

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{
			staleGitRepo(1, "acme", ""),
			staleGitRepo(2, "acme", ""),
			staleGitRepo(3, "beta", ""),
		},
		Config: cfg,
		Now:    testNow,
	}))
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].RepoID)
	assert.Equal(t, int64(3), got[1].RepoID)
}

func TestSelect_GlobalSaturationAdmitsNothing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRunning = 10

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{staleGitRepo(1, "a", "")},
		Config: cfg,
		Now:    testNow,
		Budget: BudgetSnapshot{GlobalRunning: 10},
	}))
	assert.Empty(t, got)

	cfg.MaxRunning = 50
	cfg.MaxQueueDepth = 20
	got = SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{staleGitRepo(1, "a", "")},
		Config: cfg,
		Now:    testNow,
		Budget: BudgetSnapshot{GlobalRunning: 5, GlobalPending: 15},
	}))
	assert.Empty(t, got)
}

func TestSelect_QueueDepthRoomBoundsAdmissions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueDepth = 12

	states := make([]RepoState, 0, 5)
	for i := int64(1); i <= 5; i++ {
		states = append(states, staleGitRepo(i, "a", ""))
	}

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: states,
		Config: cfg,
		Now:    testNow,
		Budget: BudgetSnapshot{GlobalRunning: 4, GlobalPending: 6},
	}))
	// Only 2 slots remain under the depth cap.
	assert.Len(t, got, 2)
}

func TestSelect_BucketPausedDemotedNotDropped(t *testing.T) {
	// Repo 1 sits on a paused instance, repo 2 on a healthy one. Repo 2
	// schedules first; repo 1 stays in the list with the pause penalty.
	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{
			staleGitRepo(1, "a", "paused.example.com"),
			staleGitRepo(2, "a", "healthy.example.com"),
		},
		Config: testConfig(),
		Now:    testNow,
		BucketStatuses: map[string]ratelimit.InstanceBucketStatus{
			"paused.example.com":  {InstanceKey: "paused.example.com", IsPaused: true},
			"healthy.example.com": {InstanceKey: "healthy.example.com", CurrentTokens: 60, Burst: 60},
		},
	}))
	require.Len(t, got, 2)

	assert.Equal(t, int64(2), got[0].RepoID)
	assert.Empty(t, got[0].BucketPenaltyReason)

	assert.Equal(t, int64(1), got[1].RepoID)
	assert.True(t, got[1].BucketPaused)
	assert.Equal(t, ReasonBucketPaused, got[1].BucketPenaltyReason)
	assert.Equal(t, bucketPausedPenalty, got[1].BucketPenaltyValue)
	assert.Equal(t, got[0].Priority+bucketPausedPenalty, got[1].Priority)
}

func TestSelect_SkipOnBucketPause(t *testing.T) {
	cfg := testConfig()
	cfg.SkipOnBucketPause = true

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{staleGitRepo(1, "a", "paused.example.com")},
		Config: cfg,
		Now:    testNow,
		BucketStatuses: map[string]ratelimit.InstanceBucketStatus{
			"paused.example.com": {InstanceKey: "paused.example.com", IsPaused: true},
		},
	}))
	assert.Empty(t, got)
}

func TestSelect_LowTokensPenalty(t *testing.T) {
	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{staleGitRepo(1, "a", "gitlab.example.com")},
		Config: testConfig(),
		Now:    testNow,
		BucketStatuses: map[string]ratelimit.InstanceBucketStatus{
			"gitlab.example.com": {InstanceKey: "gitlab.example.com", CurrentTokens: 5, Burst: 60},
		},
	}))
	require.Len(t, got, 1)
	assert.Equal(t, ReasonLowTokens, got[0].BucketPenaltyReason)
	assert.Equal(t, lowTokensPenalty, got[0].BucketPenaltyValue)
	assert.False(t, got[0].BucketPaused)
}

func TestSelect_BreakerDeniesScope(t *testing.T) {
	cfg := testConfig()
	key := keys.BuildCircuitBreakerKey(cfg.BreakerProjectKey, keys.InstanceScope("down.example.com"))

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{
			staleGitRepo(1, "a", "down.example.com"),
			staleGitRepo(2, "a", "up.example.com"),
		},
		Config: cfg,
		Now:    testNow,
		BreakerDecisions: map[string]breaker.Decision{
			key: {Key: key, State: breaker.StateOpen, AllowSync: false},
		},
	}))
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].RepoID)
}

func TestSelect_BreakerBackfillOnlyForcesMode(t *testing.T) {
	cfg := testConfig()
	key := keys.BuildCircuitBreakerKey(cfg.BreakerProjectKey, keys.InstanceScope("slow.example.com"))

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: []RepoState{staleGitRepo(1, "a", "slow.example.com")},
		Config: cfg,
		Now:    testNow,
		BreakerDecisions: map[string]breaker.Decision{
			key: {
				Key:                key,
				State:              breaker.StateOpen,
				AllowSync:          true,
				IsBackfillOnly:     true,
				SuggestedBatchSize: 25,
				SuggestedDiffMode:  "none",
			},
		},
	}))
	require.Len(t, got, 1)
	assert.Equal(t, domain.ModeBackfill, got[0].Mode)
	assert.Equal(t, 25, got[0].SuggestedBatchSize)
	assert.Equal(t, "none", got[0].SuggestedDiffMode)
}

func TestSelect_ProbeBudgetLimitsAdmissions(t *testing.T) {
	cfg := testConfig()
	key := keys.BuildCircuitBreakerKey(cfg.BreakerProjectKey, keys.InstanceScope("probing.example.com"))

	states := make([]RepoState, 0, 4)
	for i := int64(1); i <= 4; i++ {
		states = append(states, staleGitRepo(i, "a", "probing.example.com"))
	}

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: states,
		Config: cfg,
		Now:    testNow,
		BreakerDecisions: map[string]breaker.Decision{
			key: {
				Key:                    key,
				State:                  breaker.StateHalfOpen,
				AllowSync:              true,
				IsProbeMode:            true,
				ProbeBudget:            2,
				ProbeJobTypesAllowlist: []domain.JobType{domain.JobTypeCommits},
			},
		},
	}))
	assert.Len(t, got, 2)
}

func TestSelect_ProbeAllowlistFiltersJobTypes(t *testing.T) {
	cfg := testConfig()
	key := keys.BuildCircuitBreakerKey(cfg.BreakerProjectKey, keys.InstanceScope("probing.example.com"))

	stale := testNow.Add(-2 * time.Hour)
	state := RepoState{
		RepoID:         1,
		RepoType:       domain.RepoTypeGit,
		TenantID:       "a",
		GitLabInstance: "probing.example.com",
		Pairs: map[domain.JobType]PairState{
			domain.JobTypeCommits: {CursorUpdatedAt: &stale},
			domain.JobTypeMRs:     {CursorUpdatedAt: &stale},
		},
	}

	got := SelectJobsToEnqueue(PolicyInput{
		States:   []RepoState{state},
		JobTypes: []domain.JobType{domain.JobTypeCommits, domain.JobTypeMRs},
		Config:   cfg,
		Now:      testNow,
		BreakerDecisions: map[string]breaker.Decision{
			key: {
				Key:                    key,
				State:                  breaker.StateHalfOpen,
				AllowSync:              true,
				IsProbeMode:            true,
				ProbeBudget:            10,
				ProbeJobTypesAllowlist: []domain.JobType{domain.JobTypeCommits},
			},
		},
	})
	require.Len(t, got, 1)
	assert.Equal(t, domain.JobTypeCommits, got[0].JobType)
}

func TestSelect_MVPModeFiltersJobTypes(t *testing.T) {
	cfg := testConfig()
	cfg.MVPModeEnabled = true
	cfg.MVPJobTypeAllowlist = []domain.JobType{domain.JobTypeCommits}

	stale := testNow.Add(-2 * time.Hour)
	state := RepoState{
		RepoID:   1,
		RepoType: domain.RepoTypeGit,
		Pairs: map[domain.JobType]PairState{
			domain.JobTypeCommits: {CursorUpdatedAt: &stale},
			domain.JobTypeMRs:     {CursorUpdatedAt: &stale},
			domain.JobTypeReviews: {CursorUpdatedAt: &stale},
		},
	}

	got := SelectJobsToEnqueue(PolicyInput{
		States:   []RepoState{state},
		JobTypes: allJobTypes(),
		Config:   cfg,
		Now:      testNow,
	})
	require.Len(t, got, 1)
	assert.Equal(t, domain.JobTypeCommits, got[0].JobType)
}

func TestSelect_RateLimitedAdjustment(t *testing.T) {
	stale := testNow.Add(-2 * time.Hour)
	in := commitsOnly(PolicyInput{
		States: []RepoState{
			{RepoID: 1, RepoType: domain.RepoTypeGit,
				Pairs: map[domain.JobType]PairState{domain.JobTypeCommits: {
					CursorUpdatedAt: &stale, RateLimitRate: 0.5}}},
			{RepoID: 2, RepoType: domain.RepoTypeGit,
				Pairs: map[domain.JobType]PairState{domain.JobTypeCommits: {CursorUpdatedAt: &stale}}},
		},
		Config: testConfig(),
		Now:    testNow,
	})

	got := SelectJobsToEnqueue(in)
	require.Len(t, got, 2)
	// The rate-limited pair sorts after the clean one.
	assert.Equal(t, int64(2), got[0].RepoID)
	assert.Equal(t, int64(1), got[1].RepoID)
	assert.Equal(t, ReasonRateLimited, got[1].Reason)
}

func TestSelect_JobTypePriorityOrdersStreams(t *testing.T) {
	stale := testNow.Add(-2 * time.Hour)
	state := RepoState{
		RepoID:   1,
		RepoType: domain.RepoTypeGit,
		Pairs: map[domain.JobType]PairState{
			domain.JobTypeCommits: {CursorUpdatedAt: &stale},
			domain.JobTypeMRs:     {CursorUpdatedAt: &stale},
			domain.JobTypeReviews: {CursorUpdatedAt: &stale},
		},
	}

	got := SelectJobsToEnqueue(PolicyInput{
		States:   []RepoState{state},
		JobTypes: allJobTypes(),
		Config:   testConfig(),
		Now:      testNow,
	})
	require.Len(t, got, 3)
	assert.Equal(t, domain.JobTypeCommits, got[0].JobType)
	assert.Equal(t, domain.JobTypeMRs, got[1].JobType)
	assert.Equal(t, domain.JobTypeReviews, got[2].JobType)
}

func TestSelect_MaxEnqueuePerScan(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEnqueuePerScan = 3

	states := make([]RepoState, 0, 10)
	for i := int64(1); i <= 10; i++ {
		states = append(states, staleGitRepo(i, "a", ""))
	}

	got := SelectJobsToEnqueue(commitsOnly(PolicyInput{
		States: states,
		Config: cfg,
		Now:    testNow,
	}))
	assert.Len(t, got, 3)
}
