package adapter

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/logbook/scmsync/internal/domain"
	"github.com/logbook/scmsync/internal/worker"
)

// SVNAdapter syncs revisions via the svn command line client. No Go SVN
// library covers the server dialects our mirrors speak; `svn log --xml`
// output is stable and trivially parseable.
type SVNAdapter struct {
	cfg  Config
	sink Sink

	// runCommand is injectable for tests; nil uses os/exec.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

type svnLog struct {
	Entries []svnLogEntry `xml:"logentry"`
}

type svnLogEntry struct {
	Revision int64  `xml:"revision,attr"`
	Author   string `xml:"author"`
	Date     string `xml:"date"`
	Msg      string `xml:"msg"`
}

// Sync pulls the revision log from the cursor's start revision to HEAD.
func (a *SVNAdapter) Sync(ctx context.Context, req worker.SyncRequest) worker.RunResult {
	startRev := int64(0)
	if req.Job.Mode != domain.ModeBackfill {
		startRev = req.Cursor.StartRev(a.cfg.OverlapRevisions)
	}

	limit := a.cfg.PerPage * pageBudget(a.cfg, req.Job)
	args := []string{
		"log", "--xml", "--non-interactive",
		"-r", fmt.Sprintf("%d:HEAD", startRev),
		"--limit", fmt.Sprintf("%d", limit),
		req.Repo.URL,
	}

	counts := domain.Counts{"synced_count": 0, "total_requests": 1}
	out, err := a.exec(ctx, args)
	if err != nil {
		return failedResult(counts, &degradation{}, classifySVNError(err))
	}

	var log svnLog
	if err := xml.Unmarshal(out, &log); err != nil {
		return failedResult(counts, &degradation{}, worker.RunError{
			Category: domain.CategoryValidation,
			Message:  fmt.Sprintf("unparseable svn log output: %v", err),
		})
	}

	var deg degradation
	var maxRev int64
	for _, entry := range log.Entries {
		payload := map[string]any{
			"repo_id":  req.Repo.ID,
			"revision": entry.Revision,
			"author":   entry.Author,
			"date":     entry.Date,
			"message":  entry.Msg,
		}
		if publishItem(ctx, a.sink, &deg, "svn_revisions", payload) {
			counts["synced_count"]++
		}
		if entry.Revision > maxRev {
			maxRev = entry.Revision
		}
	}

	result := worker.RunResult{
		Status:      runStatus(counts),
		Counts:      counts,
		Degradation: deg.dict(),
	}
	if maxRev > 0 {
		result.CursorAfter = map[string]any{"last_rev": maxRev}
	}
	return result
}

func (a *SVNAdapter) exec(ctx context.Context, args []string) ([]byte, error) {
	if a.runCommand != nil {
		return a.runCommand(ctx, a.cfg.SVNCommand, args...)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	return exec.CommandContext(runCtx, a.cfg.SVNCommand, args...).Output()
}

// classifySVNError maps a subprocess failure onto the error taxonomy
// using the stderr text.
func classifySVNError(err error) worker.RunError {
	msg := err.Error()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		msg = strings.TrimSpace(string(exitErr.Stderr))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return worker.RunError{Category: domain.CategoryTimeout, Message: msg}
	}
	return worker.RunError{Category: domain.ClassifyMessage(msg), Message: msg}
}
