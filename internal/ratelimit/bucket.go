// Package ratelimit implements per-GitLab-instance token buckets backed
// by the scm.sync_rate_limits table. Workers acquire tokens before each
// API call; the scheduler reads status snapshots without deducting.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/logbook/scmsync/internal/domain"
)

// Buckets is the Postgres-backed token bucket store.
type Buckets struct {
	pool *pgxpool.Pool
	now  func() time.Time

	defaultRate  float64
	defaultBurst float64
}

// Option configures Buckets.
type Option func(*Buckets)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Buckets) { b.now = now }
}

// WithDefaults sets the rate and burst used when a bucket is created on
// first observation of an instance.
func WithDefaults(rate, burst float64) Option {
	return func(b *Buckets) {
		b.defaultRate = rate
		b.defaultBurst = burst
	}
}

// New creates a bucket store over the shared pool.
func New(pool *pgxpool.Pool, opts ...Option) *Buckets {
	b := &Buckets{
		pool:         pool,
		now:          time.Now,
		defaultRate:  2.0,
		defaultBurst: 60,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnsureBucket creates the bucket row for an instance if it does not
// exist yet, starting full.
func (b *Buckets) EnsureBucket(ctx context.Context, instanceKey string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO scm.sync_rate_limits (instance_key, tokens, rate, burst, created_at, updated_at)
		VALUES ($1, $2, $3, $2, now(), now())
		ON CONFLICT (instance_key) DO NOTHING`,
		instanceKey, b.defaultBurst, b.defaultRate)
	if err != nil {
		return fmt.Errorf("failed to ensure bucket %s: %w", instanceKey, err)
	}
	return nil
}

// Acquire takes n tokens from the instance bucket, blocking while the
// bucket is paused and sleeping for the refill when tokens run short.
// Each wait happens outside any transaction; the row lock is held only
// for the read-modify-write itself.
func (b *Buckets) Acquire(ctx context.Context, instanceKey string, n float64) error {
	if err := b.EnsureBucket(ctx, instanceKey); err != nil {
		return err
	}

	for {
		wait, err := b.tryAcquire(ctx, instanceKey, n)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		slog.DebugContext(ctx, "rate limit wait",
			"instance_key", instanceKey,
			"wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire attempts one token deduction. A positive wait means the
// caller should sleep that long and retry.
func (b *Buckets) tryAcquire(ctx context.Context, instanceKey string, n float64) (time.Duration, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tokens, rate, burst float64
	var pausedUntil *time.Time
	var updatedAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT tokens, rate, burst, paused_until, updated_at
		  FROM scm.sync_rate_limits
		 WHERE instance_key = $1
		 FOR UPDATE`,
		instanceKey).Scan(&tokens, &rate, &burst, &pausedUntil, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", domain.ErrBucketNotFound, instanceKey)
		}
		return 0, fmt.Errorf("failed to read bucket: %w", err)
	}

	now := b.now().UTC()

	// Paused: release the row and wait out the pause.
	if pausedUntil != nil && pausedUntil.After(now) {
		return pausedUntil.Sub(now), nil
	}

	// Continuous refill since the last write, capped at burst.
	tokens += rate * now.Sub(updatedAt).Seconds()
	if tokens > burst {
		tokens = burst
	}

	if tokens < n {
		if rate <= 0 {
			return 0, fmt.Errorf("bucket %s has zero rate and insufficient tokens", instanceKey)
		}
		// Not enough yet: persist the refill, then wait for the deficit.
		deficit := n - tokens
		if _, err := tx.Exec(ctx, `
			UPDATE scm.sync_rate_limits
			   SET tokens = $2, paused_until = NULL, updated_at = $3
			 WHERE instance_key = $1`,
			instanceKey, tokens, now); err != nil {
			return 0, fmt.Errorf("failed to update bucket: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("failed to commit bucket update: %w", err)
		}
		return time.Duration(deficit / rate * float64(time.Second)), nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE scm.sync_rate_limits
		   SET tokens = $2, paused_until = NULL, updated_at = $3
		 WHERE instance_key = $1`,
		instanceKey, tokens-n, now); err != nil {
		return 0, fmt.Errorf("failed to deduct tokens: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit token deduction: %w", err)
	}
	return 0, nil
}

// PauseFor pauses the bucket until now+d, recording the pause source in
// meta. Used on HTTP 429 with the Retry-After duration, and by admins.
func (b *Buckets) PauseFor(ctx context.Context, instanceKey string, d time.Duration, source string) error {
	if err := b.EnsureBucket(ctx, instanceKey); err != nil {
		return err
	}

	until := b.now().UTC().Add(d)
	tag, err := b.pool.Exec(ctx, `
		UPDATE scm.sync_rate_limits
		   SET paused_until = $2,
		       meta_json = jsonb_set(COALESCE(meta_json, '{}'::jsonb), '{pause_source}', to_jsonb($3::text)),
		       updated_at = now()
		 WHERE instance_key = $1`,
		instanceKey, until, source)
	if err != nil {
		return fmt.Errorf("failed to pause bucket %s: %w", instanceKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrBucketNotFound, instanceKey)
	}
	return nil
}

// Unpause clears the pause on a bucket.
func (b *Buckets) Unpause(ctx context.Context, instanceKey string) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE scm.sync_rate_limits
		   SET paused_until = NULL, updated_at = now()
		 WHERE instance_key = $1`,
		instanceKey)
	if err != nil {
		return fmt.Errorf("failed to unpause bucket %s: %w", instanceKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrBucketNotFound, instanceKey)
	}
	return nil
}

// Statuses returns read-only snapshots for all buckets, keyed by
// instance. Token counts include the refill up to now without writing.
func (b *Buckets) Statuses(ctx context.Context) (map[string]InstanceBucketStatus, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT instance_key, tokens, rate, burst, paused_until, updated_at
		  FROM scm.sync_rate_limits`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	now := b.now().UTC()
	out := make(map[string]InstanceBucketStatus)
	for rows.Next() {
		var key string
		var tokens, rate, burst float64
		var pausedUntil *time.Time
		var updatedAt time.Time
		if err := rows.Scan(&key, &tokens, &rate, &burst, &pausedUntil, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}

		tokens += rate * now.Sub(updatedAt).Seconds()
		if tokens > burst {
			tokens = burst
		}

		st := InstanceBucketStatus{
			InstanceKey:   key,
			CurrentTokens: tokens,
			Rate:          rate,
			Burst:         burst,
		}
		if pausedUntil != nil && pausedUntil.After(now) {
			st.IsPaused = true
			st.PauseRemaining = pausedUntil.Sub(now)
		}
		out[key] = st
	}
	return out, rows.Err()
}

// List returns the raw bucket rows for the admin CLI.
func (b *Buckets) List(ctx context.Context) ([]domain.RateLimitBucket, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT instance_key, tokens, rate, burst, paused_until, meta_json, created_at, updated_at
		  FROM scm.sync_rate_limits
		 ORDER BY instance_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	defer rows.Close()

	var out []domain.RateLimitBucket
	for rows.Next() {
		var bucket domain.RateLimitBucket
		if err := rows.Scan(&bucket.InstanceKey, &bucket.Tokens, &bucket.Rate, &bucket.Burst,
			&bucket.PausedUntil, &bucket.Meta, &bucket.CreatedAt, &bucket.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		out = append(out, bucket)
	}
	return out, rows.Err()
}
