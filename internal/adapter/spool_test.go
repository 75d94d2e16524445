package adapter

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpoolSink_AppendsOneLinePerItem(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSpoolSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	require.NoError(t, sink.Publish(ctx, "commits", map[string]any{"sha": "abc"}))
	require.NoError(t, sink.Publish(ctx, "commits", map[string]any{"sha": "def"}))
	require.NoError(t, sink.Publish(ctx, "merge_requests", map[string]any{"iid": 1}))

	data, err := os.ReadFile(filepath.Join(dir, "commits.ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"sha":"abc"}`, lines[0])

	data, err = os.ReadFile(filepath.Join(dir, "merge_requests.ndjson"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"iid":1}`, strings.TrimSpace(string(data)))
}

func TestSpoolSink_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "spool")
	sink, err := NewSpoolSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Publish(context.Background(), "svn_revisions", map[string]any{"rev": 7}))
	_, err = os.Stat(filepath.Join(dir, "svn_revisions.ndjson"))
	assert.NoError(t, err)
}
