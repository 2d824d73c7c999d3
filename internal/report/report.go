// Package report renders a human-readable summary of a completed sync run
// (spec §6.5, §7). Reports are plain text, written to REPORT_OUTPUT_DIR,
// one file per run, named by the run's id.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mind-engage/vespa-sync/internal/loader"
)

const maxErrorsPerEntity = 25

// EntitySummary holds one entity kind's upsert result for the report.
type EntitySummary struct {
	Entity string
	Result loader.Result
}

// Run is everything the report needs about a completed sync.
type Run struct {
	SyncRunID string
	Type      string
	Started   time.Time
	Finished  time.Time
	Entities  []EntitySummary
	Skipped   []SkippedResponse
}

// SkippedResponse records a question response that had no matching score
// and so was dropped rather than loaded (spec §3 cycle-1 invariant).
type SkippedResponse struct {
	StudentID  int64
	Cycle      int
	QuestionID string
}

// Render builds the report text.
func Render(r Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sync run %s (%s)\n", r.SyncRunID, r.Type)
	fmt.Fprintf(&b, "started  %s\n", r.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "finished %s\n", r.Finished.Format(time.RFC3339))
	fmt.Fprintf(&b, "duration %s\n\n", r.Finished.Sub(r.Started).Round(time.Second))

	for _, es := range r.Entities {
		res := es.Result
		fmt.Fprintf(&b, "%-20s inserted=%-6d updated=%-6d skipped=%-6d errored=%-6d duplicates_dropped=%d\n",
			es.Entity, res.Inserted, res.Updated, res.Skipped, len(res.Errors), res.DuplicatesDropped)
		if len(res.Errors) > 0 {
			n := len(res.Errors)
			shown := res.Errors
			if n > maxErrorsPerEntity {
				shown = res.Errors[:maxErrorsPerEntity]
			}
			for _, e := range shown {
				fmt.Fprintf(&b, "    error key=%s: %v\n", e.Key, e.Err)
			}
			if n > maxErrorsPerEntity {
				fmt.Fprintf(&b, "    ... %d more errors omitted\n", n-maxErrorsPerEntity)
			}
		}
	}

	if len(r.Skipped) > 0 {
		fmt.Fprintf(&b, "\nquestion responses skipped (no matching score): %d\n", len(r.Skipped))
		sort.Slice(r.Skipped, func(i, j int) bool { return r.Skipped[i].StudentID < r.Skipped[j].StudentID })
		limit := len(r.Skipped)
		if limit > maxErrorsPerEntity {
			limit = maxErrorsPerEntity
		}
		for _, s := range r.Skipped[:limit] {
			fmt.Fprintf(&b, "    student=%d cycle=%d question=%s\n", s.StudentID, s.Cycle, s.QuestionID)
		}
		if len(r.Skipped) > limit {
			fmt.Fprintf(&b, "    ... %d more omitted\n", len(r.Skipped)-limit)
		}
	}

	return b.String()
}

// Write renders the report and writes it to <dir>/<runID>.txt.
func Write(dir string, r Run) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, r.SyncRunID+".txt")
	if err := os.WriteFile(path, []byte(Render(r)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
