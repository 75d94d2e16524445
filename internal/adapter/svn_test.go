package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logbook/scmsync/internal/cursor"
	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/worker"
)

const svnLogFixture = `<?xml version="1.0" encoding="UTF-8"?>
<log>
<logentry revision="101">
<author>alice</author>
<date>2026-08-26T09:00:00.000000Z</date>
<msg>fix build</msg>
</logentry>
<logentry revision="102">
<author>bob</author>
<date>2026-08-26T10:00:00.000000Z</date>
<msg>add feature</msg>
</logentry>
</log>`

func svnRequest(cur cursor.Cursor, mode domain.JobMode) worker.SyncRequest {
	return worker.SyncRequest{
		Job: &domain.SyncJob{
			ID:      "j1",
			RepoID:  9,
			JobType: domain.JobTypeSVN,
			Mode:    mode,
		},
		Repo: &domain.Repo{
			ID:       9,
			RepoType: domain.RepoTypeSVN,
			URL:      "https://svn.example.com/repo/trunk",
		},
		Cursor: cur,
	}
}

type recordingSink struct {
	published []map[string]any
}

func (s *recordingSink) Publish(ctx context.Context, stream string, payload map[string]any) error {
	s.published = append(s.published, payload)
	return nil
}

func TestSVNSync_ParsesLogAndAdvancesRevision(t *testing.T) {
	sink := &recordingSink{}
	var gotArgs []string
	a := &SVNAdapter{
		cfg:  DefaultConfig(),
		sink: sink,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			gotArgs = args
			return []byte(svnLogFixture), nil
		},
	}

	cur := cursor.New()
	cur.Watermark["last_rev"] = int64(95)

	result := a.Sync(context.Background(), svnRequest(cur, domain.ModeIncremental))
	assert.Equal(t, domain.RunCompleted, result.Status)
	assert.Equal(t, int64(2), result.Counts["synced_count"])
	assert.Equal(t, int64(102), result.CursorAfter["last_rev"])
	assert.Len(t, sink.published, 2)

	// Overlap of 10 revisions below the watermark.
	require.Contains(t, gotArgs, "-r")
	assert.Contains(t, gotArgs, "85:HEAD")
}

func TestSVNSync_BackfillScansFromZero(t *testing.T) {
	var gotArgs []string
	a := &SVNAdapter{
		cfg:  DefaultConfig(),
		sink: NopSink{},
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			gotArgs = args
			return []byte(`<log></log>`), nil
		},
	}

	cur := cursor.New()
	cur.Watermark["last_rev"] = int64(500)

	result := a.Sync(context.Background(), svnRequest(cur, domain.ModeBackfill))
	assert.Equal(t, domain.RunNoData, result.Status)
	assert.Nil(t, result.CursorAfter)
	assert.Contains(t, gotArgs, "0:HEAD")
}

func TestSVNSync_CommandFailureClassified(t *testing.T) {
	a := &SVNAdapter{
		cfg:  DefaultConfig(),
		sink: NopSink{},
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("svn: E170013: connection refused")
		},
	}

	result := a.Sync(context.Background(), svnRequest(cursor.New(), domain.ModeIncremental))
	assert.Equal(t, domain.RunFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.CategoryNetwork, result.Error.Category)
}

func TestSVNSync_MalformedOutputIsValidationError(t *testing.T) {
	a := &SVNAdapter{
		cfg:  DefaultConfig(),
		sink: NopSink{},
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("not xml at <<<"), nil
		},
	}

	result := a.Sync(context.Background(), svnRequest(cursor.New(), domain.ModeIncremental))
	assert.Equal(t, domain.RunFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, domain.CategoryValidation, result.Error.Category)
}
