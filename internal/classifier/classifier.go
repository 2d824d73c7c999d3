// Package classifier assigns every VespaScore and QuestionResponse to
// exactly one academic-year bucket (spec §4.2). ClassifyScore is a pure
// function of its inputs; ClassifyResponse inherits the year of the paired
// VespaScore rather than computing one (the Cycle-1-determines-cohort
// invariant, spec §3 invariant 2 and §9).
package classifier

import (
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// ErrNoMatchingScore is returned by ClassifyResponse when no VespaScore
// exists for the (student, cycle) tuple; the caller must skip the response
// rather than fabricate a year (spec §4.2 edge case, §9 open question).
var ErrNoMatchingScore = errors.New("classifier: no matching vespa score for student/cycle")

// dateLayouts are tried in this order per spec §4.2 edge case: ISO first,
// then DD/MM/YYYY, then MM/DD/YYYY.
var dateLayouts = []string{"2006-01-02", "02/01/2006", "01/02/2006"}

// ParseSourceDate tries each accepted layout in order and returns the first
// one that parses. Returns the zero time and false if none match or the
// input is empty.
func ParseSourceDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Now is overridable in tests so ClassifyScore stays pure and deterministic
// without depending on wall-clock time in assertions.
var Now = time.Now

// ClassifyScore implements spec §4.2 steps 1-2: pick the first non-empty of
// completion_date/created_date/now(), then apply the establishment's
// locale rule. Pure: identical inputs always produce the identical output
// (spec §8 property 1).
func ClassifyScore(completionDate, createdDate string, est model.Establishment) (string, error) {
	var t time.Time
	switch {
	case completionDate != "":
		parsed, ok := ParseSourceDate(completionDate)
		if !ok {
			return "", fmt.Errorf("classifier: unparseable completion_date %q", completionDate)
		}
		t = parsed
	case createdDate != "":
		parsed, ok := ParseSourceDate(createdDate)
		if !ok {
			return "", fmt.Errorf("classifier: unparseable created_date %q", createdDate)
		}
		t = parsed
	default:
		t = Now()
	}

	if est.IsAustralian && est.UseStandardYear == model.YearFlagNo {
		return calendarYear(t), nil
	}
	// use_standard_year in {yes, unset}: UK-style academic year (default
	// policy; unset treated as yes per spec §9 open question).
	return ukAcademicYear(t), nil
}

func ukAcademicYear(t time.Time) string {
	y := t.Year()
	if t.Month() >= time.August {
		return fmt.Sprintf("%d/%d", y, y+1)
	}
	return fmt.Sprintf("%d/%d", y-1, y)
}

func calendarYear(t time.Time) string {
	y := t.Year()
	return fmt.Sprintf("%d/%d", y, y)
}

// ScoreYearLookup resolves the academic_year of the VespaScore for a given
// (student, cycle) tuple. Implementations are backed by the in-memory map
// built at orchestration step 6 (spec §4.7).
type ScoreYearLookup interface {
	AcademicYearFor(studentID int64, cycle int) (string, bool)
}

// MapLookup is the simplest ScoreYearLookup: a plain map keyed by
// (studentID, cycle), built once per sync run from just-written VespaScores.
type MapLookup map[MapKey]string

type MapKey struct {
	StudentID int64
	Cycle     int
}

func (m MapLookup) AcademicYearFor(studentID int64, cycle int) (string, bool) {
	y, ok := m[MapKey{StudentID: studentID, Cycle: cycle}]
	return y, ok
}

// ClassifyResponse implements spec §4.2 step 3: do not compute from the
// response's own date; inherit the paired VespaScore's academic_year. If no
// paired score exists, ErrNoMatchingScore is returned and the caller must
// skip the response (step 4) and count a diagnostic (spec §9 open
// question — duplicated/empty connections are reported, not guessed).
func ClassifyResponse(studentID int64, cycle int, lookup ScoreYearLookup) (string, error) {
	year, ok := lookup.AcademicYearFor(studentID, cycle)
	if !ok {
		return "", ErrNoMatchingScore
	}
	return year, nil
}
