package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/logbook/scmsync/internal/cursor"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/keys"
	"github.com/logbook/scmsync/internal/scheduler"
)

// KVEntry is one logbook.kv row.
type KVEntry struct {
	Namespace string
	Key       string
	Value     map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// KVGet reads one value. found is false when the key does not exist.
func (s *Store) KVGet(ctx context.Context, namespace, key string) (map[string]any, bool, error) {
	var value map[string]any
	err := s.db.QueryRow(ctx, `
		SELECT value_json FROM logbook.kv
		 WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read kv %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// KVSet upserts one value, last writer wins.
func (s *Store) KVSet(ctx context.Context, namespace, key string, value map[string]any) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO logbook.kv (namespace, key, value_json, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = now()`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("failed to write kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

// KVDelete removes one key. Deleting a missing key is not an error.
func (s *Store) KVDelete(ctx context.Context, namespace, key string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM logbook.kv WHERE namespace = $1 AND key = $2`,
		namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete kv %s/%s: %w", namespace, key, err)
	}
	return nil
}

// KVList returns every entry in a namespace ordered by key.
func (s *Store) KVList(ctx context.Context, namespace string) ([]KVEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT namespace, key, value_json, created_at, updated_at
		  FROM logbook.kv
		 WHERE namespace = $1
		 ORDER BY key`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list kv namespace %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []KVEntry
	for rows.Next() {
		var e KVEntry
		if err := rows.Scan(&e.Namespace, &e.Key, &e.Value, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan kv entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// === Cursors (namespace <prefix>.sync) ===

// LoadCursor reads and upgrades the cursor for a pair. A missing cursor
// returns an empty v2 cursor, not an error.
func (s *Store) LoadCursor(ctx context.Context, repoID int64, jobType domain.JobType) (cursor.Cursor, error) {
	value, found, err := s.KVGet(ctx, s.cursorNamespace(), keys.BuildCursorKey(repoID, jobType))
	if err != nil {
		return cursor.New(), err
	}
	if !found {
		return cursor.New(), nil
	}
	return cursor.FromDict(value), nil
}

// SaveCursor writes the cursor back in v2 form.
func (s *Store) SaveCursor(ctx context.Context, repoID int64, jobType domain.JobType, c cursor.Cursor) error {
	return s.KVSet(ctx, s.cursorNamespace(), keys.BuildCursorKey(repoID, jobType), c.ToDict())
}

// DeleteCursor removes a pair's cursor. The next sync starts from zero.
func (s *Store) DeleteCursor(ctx context.Context, repoID int64, jobType domain.JobType) error {
	return s.KVDelete(ctx, s.cursorNamespace(), keys.BuildCursorKey(repoID, jobType))
}

// CursorEntry is one cursor with its pair identity, for the status CLI.
type CursorEntry struct {
	RepoID    int64
	JobType   domain.JobType
	Cursor    cursor.Cursor
	UpdatedAt time.Time
}

// ListCursors returns all cursors, upgraded to v2. Entries under foreign
// key formats are skipped.
func (s *Store) ListCursors(ctx context.Context) ([]CursorEntry, error) {
	entries, err := s.KVList(ctx, s.cursorNamespace())
	if err != nil {
		return nil, err
	}

	out := make([]CursorEntry, 0, len(entries))
	for _, e := range entries {
		repoID, jobType, ok := keys.ParseCursorKey(e.Key)
		if !ok {
			continue
		}
		out = append(out, CursorEntry{
			RepoID:    repoID,
			JobType:   jobType,
			Cursor:    cursor.FromDict(e.Value),
			UpdatedAt: e.UpdatedAt,
		})
	}
	return out, nil
}

// cursorUpdatedAts returns the KV write time per pair, the scheduler's
// cursor-age signal.
func (s *Store) cursorUpdatedAts(ctx context.Context) (map[scheduler.PairKey]time.Time, error) {
	entries, err := s.KVList(ctx, s.cursorNamespace())
	if err != nil {
		return nil, err
	}

	out := make(map[scheduler.PairKey]time.Time, len(entries))
	for _, e := range entries {
		repoID, jobType, ok := keys.ParseCursorKey(e.Key)
		if !ok {
			continue
		}
		out[scheduler.PairKey{RepoID: repoID, JobType: jobType}] = e.UpdatedAt
	}
	return out, nil
}

// === Pauses (namespace <prefix>.sync_pauses) ===

// SetPause writes a pause record for a pair.
func (s *Store) SetPause(ctx context.Context, repoID int64, jobType domain.JobType, rec domain.PauseRecord) error {
	return s.KVSet(ctx, s.pauseNamespace(), keys.BuildPauseKey(repoID, jobType), rec.ToDict())
}

// Unpause removes a pair's pause record.
func (s *Store) Unpause(ctx context.Context, repoID int64, jobType domain.JobType) error {
	return s.KVDelete(ctx, s.pauseNamespace(), keys.BuildPauseKey(repoID, jobType))
}

// PauseEntry is one pause record with its pair identity.
type PauseEntry struct {
	RepoID  int64
	JobType domain.JobType
	Record  domain.PauseRecord
}

// ListPauses returns every pause record, expired ones included.
func (s *Store) ListPauses(ctx context.Context) ([]PauseEntry, error) {
	entries, err := s.KVList(ctx, s.pauseNamespace())
	if err != nil {
		return nil, err
	}

	out := make([]PauseEntry, 0, len(entries))
	for _, e := range entries {
		repoID, jobType, ok := keys.ParsePauseKey(e.Key)
		if !ok {
			continue
		}
		out = append(out, PauseEntry{
			RepoID:  repoID,
			JobType: jobType,
			Record:  domain.PauseRecordFromDict(e.Value),
		})
	}
	return out, nil
}

// ListPausedPairs returns the pairs whose pause is active at now.
func (s *Store) ListPausedPairs(ctx context.Context, now time.Time) (map[scheduler.PairKey]struct{}, error) {
	pauses, err := s.ListPauses(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[scheduler.PairKey]struct{})
	for _, p := range pauses {
		if p.Record.Active(now) {
			out[scheduler.PairKey{RepoID: p.RepoID, JobType: p.JobType}] = struct{}{}
		}
	}
	return out, nil
}

// === Breaker state (namespace <prefix>.sync_health) ===

// LoadBreakerState reads a breaker state dict, trying the canonical key
// first and then the legacy fallbacks.
func (s *Store) LoadBreakerState(ctx context.Context, canonical string, legacy []string) (map[string]any, bool, error) {
	value, found, err := s.KVGet(ctx, s.healthNamespace(), canonical)
	if err != nil || found {
		return value, found, err
	}
	for _, key := range legacy {
		value, found, err = s.KVGet(ctx, s.healthNamespace(), key)
		if err != nil || found {
			return value, found, err
		}
	}
	return nil, false, nil
}

// SaveBreakerState writes a breaker state dict under the canonical key.
func (s *Store) SaveBreakerState(ctx context.Context, canonical string, state map[string]any) error {
	return s.KVSet(ctx, s.healthNamespace(), canonical, state)
}

// ListBreakerStates returns every persisted breaker state dict by key.
func (s *Store) ListBreakerStates(ctx context.Context) (map[string]map[string]any, error) {
	entries, err := s.KVList(ctx, s.healthNamespace())
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string]any, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Value
	}
	return out, nil
}
