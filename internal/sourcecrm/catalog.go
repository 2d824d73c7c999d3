package sourcecrm

import (
	"fmt"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// catalogSpec is the seed data for one psychometric item: its VESPA
// category and the per-cycle field keys it occupies (spec §3 Question,
// §6.1). Seeded once; the pipeline treats Question rows as read-only.
var catalogSpec = buildCatalog()

func buildCatalog() []model.Question {
	// 32 questions distributed roughly evenly across the five measured
	// constructs (spec GLOSSARY); ids are stable across cycles.
	categories := []model.Element{
		model.ElementVision, model.ElementEffort, model.ElementSystems,
		model.ElementPractice, model.ElementAttitude,
	}
	var out []model.Question
	for i := 1; i <= 32; i++ {
		cat := categories[(i-1)%len(categories)]
		id := fmt.Sprintf("q%d", i)
		q := model.Question{
			ID:           id,
			Text:         fmt.Sprintf("Psychometric item %d (%s)", i, cat),
			Category:     cat,
			SourceFields: map[int]string{},
		}
		for cycle := 1; cycle <= 3; cycle++ {
			q.SourceFields[cycle] = QuestionResponseField(id, cycle)
		}
		out = append(out, q)
	}
	return out
}

// Catalog returns the seeded question catalog.
func Catalog() []model.Question {
	out := make([]model.Question, len(catalogSpec))
	copy(out, catalogSpec)
	return out
}

// ResponseValues extracts every question value present in a single
// question-response source record for one cycle, keyed by question id. A
// response record carries one field per question (spec §6.1); questions the
// student didn't answer are simply absent and are skipped, not zeroed.
func ResponseValues(rec RawRecord, cycle int) map[string]float64 {
	out := map[string]float64{}
	for _, q := range catalogSpec {
		field, ok := q.SourceFields[cycle]
		if !ok {
			continue
		}
		if v, ok := rec.Float(field); ok {
			out[q.ID] = v
		}
	}
	return out
}
