package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/vespa-sync/internal/model"
)

func TestParseSourceDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-09-01", time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), true},
		{"01/09/2024", time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"not-a-date", time.Time{}, false},
	}
	for _, c := range cases {
		got, ok := ParseSourceDate(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.True(t, c.want.Equal(got), "%s: got %v", c.in, got)
		}
	}
}

func TestClassifyScore_UKAcademicYear(t *testing.T) {
	est := model.Establishment{UseStandardYear: model.YearFlagYes}

	year, err := ClassifyScore("2024-09-15", "", est)
	require.NoError(t, err)
	assert.Equal(t, "2024/2025", year)

	year, err = ClassifyScore("2024-03-15", "", est)
	require.NoError(t, err)
	assert.Equal(t, "2023/2024", year)
}

func TestClassifyScore_AustralianCalendarYear(t *testing.T) {
	est := model.Establishment{IsAustralian: true, UseStandardYear: model.YearFlagNo}

	year, err := ClassifyScore("2024-09-15", "", est)
	require.NoError(t, err)
	assert.Equal(t, "2024/2024", year)
}

func TestClassifyScore_AustralianButStandardYearYes_StillUK(t *testing.T) {
	// An Australian establishment that explicitly opted into UK-style years
	// should get UK rules, not calendar rules (IsAustralian alone doesn't
	// decide locale; the flag does).
	est := model.Establishment{IsAustralian: true, UseStandardYear: model.YearFlagYes}

	year, err := ClassifyScore("2024-09-15", "", est)
	require.NoError(t, err)
	assert.Equal(t, "2024/2025", year)
}

func TestClassifyScore_UnsetFlagDefaultsToUK(t *testing.T) {
	est := model.Establishment{UseStandardYear: model.YearFlagUnset}

	year, err := ClassifyScore("2024-09-15", "", est)
	require.NoError(t, err)
	assert.Equal(t, "2024/2025", year)
}

func TestClassifyScore_FallsBackToCreatedDateThenNow(t *testing.T) {
	est := model.Establishment{UseStandardYear: model.YearFlagYes}

	year, err := ClassifyScore("", "2023-10-01", est)
	require.NoError(t, err)
	assert.Equal(t, "2023/2024", year)

	orig := Now
	defer func() { Now = orig }()
	Now = func() time.Time { return time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC) }

	year, err = ClassifyScore("", "", est)
	require.NoError(t, err)
	assert.Equal(t, "2024/2025", year)
}

func TestClassifyScore_UnparseableDateErrors(t *testing.T) {
	est := model.Establishment{}
	_, err := ClassifyScore("garbage", "", est)
	assert.Error(t, err)
}

func TestClassifyScore_IsPure(t *testing.T) {
	est := model.Establishment{IsAustralian: true, UseStandardYear: model.YearFlagNo}
	a, err := ClassifyScore("2022-05-01", "2022-01-01", est)
	require.NoError(t, err)
	b, err := ClassifyScore("2022-05-01", "2022-01-01", est)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestClassifyResponse_InheritsScoreYear(t *testing.T) {
	lookup := MapLookup{
		{StudentID: 42, Cycle: 1}: "2024/2025",
	}

	year, err := ClassifyResponse(42, 1, lookup)
	require.NoError(t, err)
	assert.Equal(t, "2024/2025", year)
}

func TestClassifyResponse_NoMatchingScore(t *testing.T) {
	lookup := MapLookup{}
	_, err := ClassifyResponse(99, 1, lookup)
	assert.ErrorIs(t, err, ErrNoMatchingScore)
}

func TestClassifyResponse_DoesNotComputeItsOwnYear(t *testing.T) {
	// Even if a response's cycle matches a different cycle's year in the
	// lookup, it must not borrow it — only an exact (student, cycle) match
	// counts (the cycle-1-determines-cohort invariant binds per cycle).
	lookup := MapLookup{
		{StudentID: 1, Cycle: 1}: "2024/2025",
	}
	_, err := ClassifyResponse(1, 2, lookup)
	assert.ErrorIs(t, err, ErrNoMatchingScore)
}
