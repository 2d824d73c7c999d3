package report_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mind-engage/vespa-sync/internal/loader"
	"github.com/mind-engage/vespa-sync/internal/report"
)

func TestRender_IncludesEntityCountsAndRunMetadata(t *testing.T) {
	started := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)

	r := report.Run{
		SyncRunID: "run-123",
		Type:      "full",
		Started:   started,
		Finished:  finished,
		Entities: []report.EntitySummary{
			{Entity: "student", Result: loader.Result{Inserted: 10, Updated: 2, Skipped: 1}},
		},
	}

	text := report.Render(r)
	assert.Contains(t, text, "run-123")
	assert.Contains(t, text, "full")
	assert.Contains(t, text, "student")
	assert.Contains(t, text, "inserted=10")
	assert.Contains(t, text, "updated=2")
	assert.Contains(t, text, "skipped=1")
}

func TestRender_CapsErrorsPerEntity(t *testing.T) {
	var errs []loader.RowError
	for i := 0; i < 30; i++ {
		errs = append(errs, loader.RowError{Key: "k", Err: errors.New("boom")})
	}
	r := report.Run{
		SyncRunID: "run-1",
		Entities: []report.EntitySummary{
			{Entity: "vespa_score", Result: loader.Result{Errors: errs}},
		},
	}
	text := report.Render(r)
	assert.Contains(t, text, "5 more errors omitted")
}

func TestRender_ListsSkippedResponsesSortedByStudent(t *testing.T) {
	r := report.Run{
		SyncRunID: "run-1",
		Skipped: []report.SkippedResponse{
			{StudentID: 3, Cycle: 1, QuestionID: "q1"},
			{StudentID: 1, Cycle: 2, QuestionID: "q2"},
		},
	}
	text := report.Render(r)
	assert.Contains(t, text, "skipped (no matching score): 2")
	idx1 := indexOf(text, "student=1")
	idx3 := indexOf(text, "student=3")
	assert.Less(t, idx1, idx3)
}

func TestWrite_WritesReportFileNamedByRunID(t *testing.T) {
	dir := t.TempDir()
	r := report.Run{SyncRunID: "run-abc"}
	path, err := report.Write(dir, r)
	assert := assert.New(t)
	assert.NoError(err)
	assert.Contains(path, "run-abc.txt")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
