// Package postgres implements the persistence layer: the sync job queue,
// run ledger, locks, rate-limit buckets and the logbook KV, all over a
// single pgx pool with embedded goose migrations.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbConn is satisfied by both *pgxpool.Pool and pgx.Tx so store methods
// run identically inside and outside a transaction.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides the PostgreSQL implementation of every repository
// surface the sync core needs: scheduler state hydration and enqueue,
// worker claim/heartbeat/finalize, reaper sweeps, KV (cursors, breaker
// state, pauses) and the admin operations behind the CLI.
type Store struct {
	pool *pgxpool.Pool
	db   dbConn

	namespace  string // logbook namespace prefix, default "scm"
	workerPool string // pool label attached to run metadata
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNamespace overrides the logbook namespace prefix.
func WithNamespace(ns string) StoreOption {
	return func(s *Store) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithWorkerPool sets the pool label recorded on runs and used for
// pool-scoped breaker aggregation.
func WithWorkerPool(pool string) StoreOption {
	return func(s *Store) { s.workerPool = pool }
}

// NewStore creates a store over an existing connection pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{
		pool:      pool,
		db:        pool,
		namespace: "scm",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Namespaces for the three logbook KV families.
func (s *Store) cursorNamespace() string { return s.namespace + ".sync" }
func (s *Store) healthNamespace() string { return s.namespace + ".sync_health" }
func (s *Store) pauseNamespace() string  { return s.namespace + ".sync_pauses" }

// withTx returns a Store view bound to the transaction.
func (s *Store) withTx(tx pgx.Tx) *Store {
	clone := *s
	clone.db = tx
	return &clone
}

// finalizeTx rolls back on error and commits on success.
func finalizeTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed",
				"original_error", *err,
				"rollback_error", rbErr)
			*err = fmt.Errorf("transaction failed: %w (rollback error: %v)", *err, rbErr)
		}
		return
	}
	*err = tx.Commit(ctx)
}

// executeInTransaction runs fn inside a transaction with panic-safe
// rollback.
func (s *Store) executeInTransaction(ctx context.Context, operationName string, fn func(txStore *Store) error) (err error) {
	start := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback after panic failed",
					"operation", operationName,
					"panic", p,
					"rollback_error", rbErr)
			}
			panic(p)
		}

		finalizeTx(ctx, tx, &err)
		if err == nil {
			slog.DebugContext(ctx, "transaction completed",
				"operation", operationName,
				"duration_ms", time.Since(start).Milliseconds())
		}
	}()

	err = fn(s.withTx(tx))
	return
}
