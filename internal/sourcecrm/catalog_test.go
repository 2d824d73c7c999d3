package sourcecrm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
)

func TestCatalog_Has32QuestionsAcrossFiveCategories(t *testing.T) {
	cat := sourcecrm.Catalog()
	require.Len(t, cat, 32)

	seen := map[string]bool{}
	categories := map[string]bool{}
	for _, q := range cat {
		assert.False(t, seen[q.ID], "duplicate question id %s", q.ID)
		seen[q.ID] = true
		assert.NotEmpty(t, q.Category)
		categories[string(q.Category)] = true
		for cycle := 1; cycle <= 3; cycle++ {
			field, ok := q.SourceFields[cycle]
			assert.True(t, ok)
			assert.Equal(t, sourcecrm.QuestionResponseField(q.ID, cycle), field)
		}
	}
	assert.Len(t, categories, 5)
}

func TestCatalog_ReturnsDefensiveCopy(t *testing.T) {
	cat := sourcecrm.Catalog()
	cat[0].ID = "mutated"
	fresh := sourcecrm.Catalog()
	assert.NotEqual(t, "mutated", fresh[0].ID)
}

func TestResponseValues_ExtractsOnlyAnsweredQuestionsForGivenCycle(t *testing.T) {
	rec := sourcecrm.RawRecord{Fields: map[string]any{
		"field_q1_c1": float64(4),
		"field_q2_c1": float64(2),
		"field_q1_c2": float64(5), // different cycle, must be ignored
	}}

	values := sourcecrm.ResponseValues(rec, 1)
	assert.Equal(t, 4.0, values["q1"])
	assert.Equal(t, 2.0, values["q2"])
	_, ok := values["q3"]
	assert.False(t, ok)

	cycle2 := sourcecrm.ResponseValues(rec, 2)
	assert.Equal(t, 5.0, cycle2["q1"])
	_, ok = cycle2["q2"]
	assert.False(t, ok)
}
