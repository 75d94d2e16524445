package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logbook/scmsync/internal/breaker"
	"github.com/logbook/scmsync/internal/ratelimit"
)

type mockStore struct {
	listRepoStatesFunc  func(ctx context.Context, window time.Duration) ([]RepoState, error)
	listQueuedPairsFunc func(ctx context.Context) (map[PairKey]struct{}, error)
	listPausedPairsFunc func(ctx context.Context, now time.Time) (map[PairKey]struct{}, error)
	loadBudgetFunc      func(ctx context.Context) (BudgetSnapshot, error)
	enqueueFunc         func(ctx context.Context, cands []SyncJobCandidate, maxAttempts, leaseSeconds int) (int, error)
}

func (m *mockStore) ListRepoStates(ctx context.Context, window time.Duration) ([]RepoState, error) {
	return m.listRepoStatesFunc(ctx, window)
}

func (m *mockStore) ListQueuedPairs(ctx context.Context) (map[PairKey]struct{}, error) {
	if m.listQueuedPairsFunc != nil {
		return m.listQueuedPairsFunc(ctx)
	}
	return nil, nil
}

func (m *mockStore) ListPausedPairs(ctx context.Context, now time.Time) (map[PairKey]struct{}, error) {
	if m.listPausedPairsFunc != nil {
		return m.listPausedPairsFunc(ctx, now)
	}
	return nil, nil
}

func (m *mockStore) LoadBudgetSnapshot(ctx context.Context) (BudgetSnapshot, error) {
	if m.loadBudgetFunc != nil {
		return m.loadBudgetFunc(ctx)
	}
	return BudgetSnapshot{}, nil
}

func (m *mockStore) EnqueueSyncJobs(ctx context.Context, cands []SyncJobCandidate, maxAttempts, leaseSeconds int) (int, error) {
	if m.enqueueFunc != nil {
		return m.enqueueFunc(ctx, cands, maxAttempts, leaseSeconds)
	}
	return len(cands), nil
}

type mockBuckets struct {
	statuses map[string]ratelimit.InstanceBucketStatus
}

func (m *mockBuckets) Statuses(ctx context.Context) (map[string]ratelimit.InstanceBucketStatus, error) {
	return m.statuses, nil
}

type mockBreakers struct {
	seenKeys  []string
	decisions map[string]breaker.Decision
}

func (m *mockBreakers) Decisions(ctx context.Context, breakerKeys []string) (map[string]breaker.Decision, error) {
	m.seenKeys = breakerKeys
	return m.decisions, nil
}

func TestScanOnce_EnqueuesSelection(t *testing.T) {
	var enqueued []SyncJobCandidate
	store := &mockStore{
		listRepoStatesFunc: func(ctx context.Context, window time.Duration) ([]RepoState, error) {
			return []RepoState{
				staleGitRepo(1, "acme", "gitlab.example.com"),
				staleGitRepo(2, "acme", "gitlab.example.com"),
			}, nil
		},
		enqueueFunc: func(ctx context.Context, cands []SyncJobCandidate, maxAttempts, leaseSeconds int) (int, error) {
			enqueued = cands
			assert.Equal(t, 3, maxAttempts)
			assert.Equal(t, 300, leaseSeconds)
			return len(cands), nil
		},
	}

	cfg := testConfig()
	s := NewScanner(store, &mockBuckets{}, &mockBreakers{}, cfg,
		WithClock(func() time.Time { return testNow }))

	result, err := s.ScanOnce(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ReposSeen)
	assert.Equal(t, 2, result.Selected)
	assert.Equal(t, 2, result.Enqueued)
	assert.Len(t, enqueued, 2)
}

func TestScanOnce_DryRunSkipsEnqueue(t *testing.T) {
	store := &mockStore{
		listRepoStatesFunc: func(ctx context.Context, window time.Duration) ([]RepoState, error) {
			return []RepoState{staleGitRepo(1, "acme", "")}, nil
		},
		enqueueFunc: func(ctx context.Context, cands []SyncJobCandidate, maxAttempts, leaseSeconds int) (int, error) {
			t.Fatal("dry run must not enqueue")
			return 0, nil
		},
	}

	s := NewScanner(store, &mockBuckets{}, &mockBreakers{}, testConfig(),
		WithClock(func() time.Time { return testNow }))

	result, err := s.ScanOnce(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Selected)
	assert.Equal(t, 0, result.Enqueued)
	require.Len(t, result.Candidates, 1)
}

func TestScanOnce_BreakerKeysCoverScopes(t *testing.T) {
	store := &mockStore{
		listRepoStatesFunc: func(ctx context.Context, window time.Duration) ([]RepoState, error) {
			repo := staleGitRepo(1, "acme", "gitlab.example.com")
			repo.Pool = "batch"
			return []RepoState{repo}, nil
		},
	}
	breakers := &mockBreakers{}

	s := NewScanner(store, &mockBuckets{}, breakers, testConfig(),
		WithClock(func() time.Time { return testNow }))

	_, err := s.ScanOnce(context.Background(), true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"scm:global",
		"scm:pool:batch",
		"scm:instance:gitlab.example.com",
		"scm:tenant:acme",
	}, breakers.seenKeys)
}
