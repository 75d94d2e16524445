// Package cursor implements the versioned sync cursor stored in the
// scm.sync KV namespace: a per-(repo, job_type) watermark plus sync
// stats, with monotonic advancement predicates per job type.
package cursor

import (
	"fmt"
	"time"

	"github.com/logbook/scmsync/internal/domain"
)

// CurrentVersion is the cursor format written back to KV. Version-1 flat
// documents are upgraded on read and never written back unchanged.
const CurrentVersion = 2

// Stats tracks when the pair last synced and how much it moved.
type Stats struct {
	LastSyncAt    string `json:"last_sync_at"`
	LastSyncCount int64  `json:"last_sync_count"`
}

// Cursor is the v2 cursor document.
type Cursor struct {
	Version   int            `json:"version"`
	Watermark map[string]any `json:"watermark"`
	Stats     Stats          `json:"stats"`
}

// watermarkKeys are the fields that lived at the top level in v1 flat
// cursors and belong under "watermark" in v2.
var watermarkKeys = []string{
	"last_commit_sha", "last_commit_ts",
	"last_mr_updated_at", "last_mr_iid", "last_event_ts",
	"last_rev",
}

// New returns an empty v2 cursor.
func New() Cursor {
	return Cursor{Version: CurrentVersion, Watermark: map[string]any{}}
}

// FromDict decodes a KV value into a Cursor, upgrading v1 flat documents.
// A v1 document has no "version" field (or version 1) and carries
// watermark fields at the top level.
func FromDict(d map[string]any) Cursor {
	if d == nil {
		return New()
	}

	version := 0
	switch v := d["version"].(type) {
	case float64:
		version = int(v)
	case int:
		version = v
	}

	if version >= CurrentVersion {
		c := Cursor{Version: CurrentVersion, Watermark: map[string]any{}}
		if wm, ok := d["watermark"].(map[string]any); ok {
			for k, v := range wm {
				c.Watermark[k] = v
			}
		}
		if st, ok := d["stats"].(map[string]any); ok {
			if s, ok := st["last_sync_at"].(string); ok {
				c.Stats.LastSyncAt = s
			}
			c.Stats.LastSyncCount = asInt64(st["last_sync_count"])
		}
		return c
	}

	// v1 upgrade: hoist known flat keys into the watermark, map flat
	// stats fields. Every v1 value survives under its v2 key.
	c := New()
	for _, k := range watermarkKeys {
		if v, ok := d[k]; ok {
			c.Watermark[k] = v
		}
	}
	if s, ok := d["last_sync_at"].(string); ok {
		c.Stats.LastSyncAt = s
	}
	c.Stats.LastSyncCount = asInt64(d["last_sync_count"])
	return c
}

// ToDict encodes the cursor for KV storage, always in v2 form.
func (c Cursor) ToDict() map[string]any {
	wm := make(map[string]any, len(c.Watermark))
	for k, v := range c.Watermark {
		wm[k] = v
	}
	return map[string]any{
		"version":   CurrentVersion,
		"watermark": wm,
		"stats": map[string]any{
			"last_sync_at":    c.Stats.LastSyncAt,
			"last_sync_count": c.Stats.LastSyncCount,
		},
	}
}

// Empty reports whether the cursor has no watermark, i.e. first sync.
func (c Cursor) Empty() bool {
	return len(c.Watermark) == 0
}

// ParseTime parses an ISO-8601 instant. "Z" and "+00:00" suffixed forms
// of the same instant compare equal after parsing.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// FormatTime renders an instant in the canonical ISO-Z form.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z07:00")
}

// AdvanceMR reports whether the (updated_at, iid) composite watermark
// moves forward: newer timestamp, or same timestamp with a higher IID.
func AdvanceMR(newTS time.Time, newIID int64, curTS time.Time, curIID int64) bool {
	if newTS.After(curTS) {
		return true
	}
	return newTS.Equal(curTS) && newIID > curIID
}

// AdvanceCommit reports whether the (committed_ts, sha) composite
// watermark moves forward; the sha breaks ties lexicographically.
func AdvanceCommit(newTS time.Time, newSHA string, curTS time.Time, curSHA string) bool {
	if newTS.After(curTS) {
		return true
	}
	return newTS.Equal(curTS) && newSHA > curSHA
}

// AdvanceSVN reports whether the revision watermark strictly increases.
func AdvanceSVN(newRev, curRev int64) bool {
	return newRev > curRev
}

// Advance applies the job-type predicate to a candidate watermark against
// the cursor. An empty cursor always advances (first sync).
func (c Cursor) Advance(jobType domain.JobType, candidate map[string]any) (bool, error) {
	if c.Empty() {
		return true, nil
	}

	switch jobType {
	case domain.JobTypeCommits:
		curTS, err := watermarkTime(c.Watermark, "last_commit_ts")
		if err != nil {
			return false, err
		}
		newTS, err := watermarkTime(candidate, "last_commit_ts")
		if err != nil {
			return false, err
		}
		return AdvanceCommit(newTS, asString(candidate["last_commit_sha"]), curTS, asString(c.Watermark["last_commit_sha"])), nil

	case domain.JobTypeMRs, domain.JobTypeReviews:
		curTS, err := watermarkTime(c.Watermark, "last_mr_updated_at")
		if err != nil {
			return false, err
		}
		newTS, err := watermarkTime(candidate, "last_mr_updated_at")
		if err != nil {
			return false, err
		}
		return AdvanceMR(newTS, asInt64(candidate["last_mr_iid"]), curTS, asInt64(c.Watermark["last_mr_iid"])), nil

	case domain.JobTypeSVN:
		return AdvanceSVN(asInt64(candidate["last_rev"]), asInt64(c.Watermark["last_rev"])), nil
	}

	return false, fmt.Errorf("no advancement predicate for job type %q", jobType)
}

// StartBound returns the watermark timestamp minus the overlap, the
// lower bound an incremental read should scan from. Overlap re-reads are
// safe: ingest is upsert-based and the advancement predicate suppresses
// cursor regression. Zero time on an empty cursor.
func (c Cursor) StartBound(jobType domain.JobType, overlap time.Duration) (time.Time, error) {
	if c.Empty() {
		return time.Time{}, nil
	}

	var key string
	switch jobType {
	case domain.JobTypeCommits:
		key = "last_commit_ts"
	case domain.JobTypeMRs, domain.JobTypeReviews:
		key = "last_mr_updated_at"
	default:
		return time.Time{}, fmt.Errorf("no time bound for job type %q", jobType)
	}

	ts, err := watermarkTime(c.Watermark, key)
	if err != nil {
		return time.Time{}, err
	}
	return ts.Add(-overlap), nil
}

// StartRev returns the revision an SVN read should scan from, minus the
// overlap and never below zero.
func (c Cursor) StartRev(overlapRevisions int64) int64 {
	rev := asInt64(c.Watermark["last_rev"]) - overlapRevisions
	if rev < 0 {
		return 0
	}
	return rev
}

func watermarkTime(wm map[string]any, key string) (time.Time, error) {
	s := asString(wm[key])
	if s == "" {
		return time.Time{}, fmt.Errorf("watermark field %q missing", key)
	}
	return ParseTime(s)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
