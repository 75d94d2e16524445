package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logbook/scmsync/internal/domain"
)

func TestParseTime_ZoneEquivalence(t *testing.T) {
	z, err := ParseTime("2024-01-15T12:00:00Z")
	require.NoError(t, err)
	offset, err := ParseTime("2024-01-15T12:00:00+00:00")
	require.NoError(t, err)
	assert.True(t, z.Equal(offset))

	plusTwo, err := ParseTime("2024-01-15T14:00:00+02:00")
	require.NoError(t, err)
	assert.True(t, z.Equal(plusTwo))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}

func TestFormatTime(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-15T12:00:00Z", FormatTime(ts))
}

func TestFromDict_V1Upgrade(t *testing.T) {
	v1 := map[string]any{
		"last_mr_updated_at": "2024-01-15T12:00:00Z",
		"last_mr_iid":        float64(100),
		"last_sync_at":       "2024-01-15T12:05:00Z",
		"last_sync_count":    float64(25),
	}

	c := FromDict(v1)
	assert.Equal(t, CurrentVersion, c.Version)
	assert.Equal(t, "2024-01-15T12:00:00Z", c.Watermark["last_mr_updated_at"])
	assert.Equal(t, float64(100), c.Watermark["last_mr_iid"])
	assert.Equal(t, "2024-01-15T12:05:00Z", c.Stats.LastSyncAt)
	assert.Equal(t, int64(25), c.Stats.LastSyncCount)

	// Round-trip is a v2 dict carrying every v1 value under its v2 key.
	d := c.ToDict()
	assert.Equal(t, CurrentVersion, d["version"])
	wm := d["watermark"].(map[string]any)
	assert.Equal(t, "2024-01-15T12:00:00Z", wm["last_mr_updated_at"])
	st := d["stats"].(map[string]any)
	assert.Equal(t, "2024-01-15T12:05:00Z", st["last_sync_at"])
	assert.Equal(t, int64(25), st["last_sync_count"])
}

func TestFromDict_V2Passthrough(t *testing.T) {
	d := map[string]any{
		"version": float64(2),
		"watermark": map[string]any{
			"last_rev": float64(1234),
		},
		"stats": map[string]any{
			"last_sync_at":    "2024-02-01T00:00:00Z",
			"last_sync_count": float64(3),
		},
	}
	c := FromDict(d)
	assert.Equal(t, float64(1234), c.Watermark["last_rev"])
	assert.Equal(t, int64(3), c.Stats.LastSyncCount)
}

func TestFromDict_Nil(t *testing.T) {
	c := FromDict(nil)
	assert.True(t, c.Empty())
	assert.Equal(t, CurrentVersion, c.Version)
}

func TestAdvanceMR(t *testing.T) {
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	assert.True(t, AdvanceMR(base.Add(time.Second), 1, base, 100))
	assert.True(t, AdvanceMR(base, 101, base, 100))
	assert.False(t, AdvanceMR(base, 100, base, 100))
	assert.False(t, AdvanceMR(base, 99, base, 100))
	assert.False(t, AdvanceMR(base.Add(-time.Second), 200, base, 100))
}

func TestAdvanceCommit(t *testing.T) {
	base := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	assert.True(t, AdvanceCommit(base.Add(time.Minute), "aaa", base, "zzz"))
	assert.True(t, AdvanceCommit(base, "bbb", base, "aaa"))
	assert.False(t, AdvanceCommit(base, "aaa", base, "aaa"))
	assert.False(t, AdvanceCommit(base, "aaa", base, "bbb"))
}

func TestAdvanceSVN(t *testing.T) {
	assert.True(t, AdvanceSVN(101, 100))
	assert.False(t, AdvanceSVN(100, 100))
	assert.False(t, AdvanceSVN(99, 100))
}

func TestCursorAdvance_FirstSyncAlwaysAdvances(t *testing.T) {
	c := New()
	ok, err := c.Advance(domain.JobTypeMRs, map[string]any{
		"last_mr_updated_at": "2024-01-15T12:00:00Z",
		"last_mr_iid":        int64(1),
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCursorAdvance_MRTieBreak(t *testing.T) {
	// Cursor at (2024-01-15T12:00:00Z, 100); a batch at the same instant
	// advances only through higher IIDs.
	c := Cursor{
		Version: CurrentVersion,
		Watermark: map[string]any{
			"last_mr_updated_at": "2024-01-15T12:00:00Z",
			"last_mr_iid":        int64(100),
		},
	}

	same, err := c.Advance(domain.JobTypeMRs, map[string]any{
		"last_mr_updated_at": "2024-01-15T12:00:00+00:00",
		"last_mr_iid":        int64(100),
	})
	require.NoError(t, err)
	assert.False(t, same, "overlap re-scan of the cursor position is a no-op")

	higher, err := c.Advance(domain.JobTypeMRs, map[string]any{
		"last_mr_updated_at": "2024-01-15T12:00:00Z",
		"last_mr_iid":        int64(102),
	})
	require.NoError(t, err)
	assert.True(t, higher)
}

func TestCursorAdvance_SVN(t *testing.T) {
	c := Cursor{Version: CurrentVersion, Watermark: map[string]any{"last_rev": int64(500)}}

	ok, err := c.Advance(domain.JobTypeSVN, map[string]any{"last_rev": int64(501)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Advance(domain.JobTypeSVN, map[string]any{"last_rev": int64(500)})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartBound_Overlap(t *testing.T) {
	c := Cursor{
		Version: CurrentVersion,
		Watermark: map[string]any{
			"last_commit_ts":  "2024-01-15T12:00:00Z",
			"last_commit_sha": "abc",
		},
	}

	bound, err := c.StartBound(domain.JobTypeCommits, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 11, 55, 0, 0, time.UTC), bound)

	empty, err := New().StartBound(domain.JobTypeCommits, time.Hour)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}

func TestStartRev_Overlap(t *testing.T) {
	c := Cursor{Version: CurrentVersion, Watermark: map[string]any{"last_rev": int64(100)}}
	assert.Equal(t, int64(90), c.StartRev(10))
	assert.Equal(t, int64(0), c.StartRev(500))
}
