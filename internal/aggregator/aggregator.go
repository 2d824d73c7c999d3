package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mind-engage/vespa-sync/internal/model"
	"github.com/mind-engage/vespa-sync/internal/obs"
	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
)

// ScopeKind distinguishes the three recompute scopes from spec §4.5.
type ScopeKind int

const (
	ScopeAll ScopeKind = iota
	ScopeEstablishment
	ScopeYear
)

// Scope narrows which rows Recompute truncates and rebuilds.
type Scope struct {
	Kind           ScopeKind
	EstablishID    int64  // set when Kind == ScopeEstablishment
	AcademicYear   string // set when Kind == ScopeYear
}

// Counts is Recompute's result.
type Counts struct {
	SchoolStatRows           int
	QuestionStatRows         int
	NationalStatRows         int
	NationalQuestionStatRows int
}

// Aggregator recomputes and persists all derived statistics (spec §4.5).
// CRM is optional: when nil, the write-back step (step 5) is skipped —
// used by tests. The refresh path never builds an Aggregator (spec §4.6).
type Aggregator struct {
	DB  *sql.DB
	CRM *sourcecrm.Client
}

func New(db *sql.DB, crm *sourcecrm.Client) *Aggregator {
	return &Aggregator{DB: db, CRM: crm}
}

// Recompute implements spec §4.5: truncate-then-rebuild within scope,
// rolled back entirely on any failure so a dashboard always sees some
// consistent snapshot (spec §4.5 "Failure semantics").
func (a *Aggregator) Recompute(ctx context.Context, scope Scope) (Counts, error) {
	log := obs.FromContext(ctx).With("component", "aggregator")
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return Counts{}, err
	}
	defer func() { _ = tx.Rollback() }()

	scoreRows, err := loadScoreRows(ctx, tx, scope)
	if err != nil {
		return Counts{}, err
	}
	responseRows, err := loadResponseRows(ctx, tx, scope)
	if err != nil {
		return Counts{}, err
	}

	if err := truncateScope(ctx, tx, scope); err != nil {
		return Counts{}, err
	}

	var counts Counts
	schoolGroups, nationalGroups := groupScoreRows(scoreRows)
	for key, vals := range schoolGroups {
		if err := insertSchoolStat(ctx, tx, key, vals); err != nil {
			return Counts{}, err
		}
		counts.SchoolStatRows++
	}
	// National rows are establishment-independent; an establishment-scoped
	// recompute only ever sees one establishment's rows, so rebuilding
	// national_statistics from them here would corrupt the true
	// cross-establishment aggregate. truncateScope already skips deleting
	// these tables for ScopeEstablishment — match that on the insert side.
	nationalAverages := map[string]map[int]map[model.Element]float64{}
	if scope.Kind != ScopeEstablishment {
		for key, vals := range nationalGroups {
			mean := insertNationalStat(ctx, tx, key, vals)
			if mean.err != nil {
				return Counts{}, mean.err
			}
			counts.NationalStatRows++
			if nationalAverages[key.AcademicYear] == nil {
				nationalAverages[key.AcademicYear] = map[int]map[model.Element]float64{}
			}
			if nationalAverages[key.AcademicYear][key.Cycle] == nil {
				nationalAverages[key.AcademicYear][key.Cycle] = map[model.Element]float64{}
			}
			nationalAverages[key.AcademicYear][key.Cycle][key.Element] = mean.value
		}
	}

	qSchoolGroups, qNationalGroups := groupResponseRows(responseRows)
	for key, vals := range qSchoolGroups {
		if err := insertQuestionStat(ctx, tx, key, vals); err != nil {
			return Counts{}, err
		}
		counts.QuestionStatRows++
	}
	if scope.Kind != ScopeEstablishment {
		for key, vals := range qNationalGroups {
			if err := insertNationalQuestionStat(ctx, tx, key, vals); err != nil {
				return Counts{}, err
			}
			counts.NationalQuestionStatRows++
		}
	}

	if err := verifyInvariants(ctx, tx, scope); err != nil {
		return Counts{}, err
	}

	if err := tx.Commit(); err != nil {
		return Counts{}, err
	}

	if a.CRM != nil {
		for year, means := range nationalAverages {
			if err := a.CRM.WriteNationalAverages(ctx, sourcecrm.NationalAverages{AcademicYear: year, Means: means}); err != nil {
				log.Warn("national averages write-back failed", "academic_year", year, "error", err)
			}
		}
	}

	log.Info("aggregation complete", "school_rows", counts.SchoolStatRows, "question_rows", counts.QuestionStatRows,
		"national_rows", counts.NationalStatRows, "national_question_rows", counts.NationalQuestionStatRows)
	return counts, nil
}

func truncateScope(ctx context.Context, tx *sql.Tx, scope Scope) error {
	tables := []string{"school_statistics", "question_statistics", "national_statistics", "national_question_statistics"}
	for _, t := range tables {
		var where string
		var args []any
		switch scope.Kind {
		case ScopeEstablishment:
			if t == "national_statistics" || t == "national_question_statistics" {
				continue // national rows are establishment-independent
			}
			where, args = "establishment_id=$1", []any{scope.EstablishID}
		case ScopeYear:
			where, args = "academic_year=$1", []any{scope.AcademicYear}
		default:
			where = "1=1"
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", t, where), args...); err != nil {
			return err
		}
	}
	return nil
}

func marshalHistogram(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
