package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logbook/scmsync/internal/ptr"
)

func TestJobFilter_WhereNumbersPlaceholdersInOrder(t *testing.T) {
	f := JobFilter{
		RepoID:  ptr.To(int64(7)),
		JobType: ptr.To("commits"),
		Status:  ptr.To("dead"),
	}

	conds, args := f.where(nil, nil)

	require.Equal(t, []string{"repo_id = $1", "job_type = $2", "status = $3"}, conds)
	require.Equal(t, []any{int64(7), "commits", "dead"}, args)
}

func TestJobFilter_WhereAppendsAfterExistingConds(t *testing.T) {
	conds := []string{"status = $1"}
	args := []any{"pending"}

	f := JobFilter{JobID: ptr.To("j1")}
	conds, args = f.where(conds, args)

	assert.Equal(t, []string{"status = $1", "job_id = $2"}, conds)
	assert.Equal(t, []any{"pending", "j1"}, args)
}

func TestJobFilter_EmptyProducesNoConds(t *testing.T) {
	conds, args := JobFilter{}.where(nil, nil)
	assert.Empty(t, conds)
	assert.Empty(t, args)
}

func TestUTCOrNil(t *testing.T) {
	assert.Nil(t, utcOrNil(nil))

	loc := time.FixedZone("CET", 3600)
	in := time.Date(2026, 8, 26, 13, 0, 0, 0, loc)
	out := utcOrNil(&in)
	require.NotNil(t, out)
	assert.Equal(t, time.UTC, out.Location())
	assert.True(t, out.Equal(in))
}
