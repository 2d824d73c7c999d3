package loader

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// UpsertQuestionResponses' conflict key is (student_id, cycle,
// academic_year, question_id) — spec §3 QuestionResponse identity rule.
func (l *Loader) UpsertQuestionResponses(ctx context.Context, rows []model.QuestionResponse) Result {
	keyFn := func(r model.QuestionResponse) string {
		return ResponseKey(r.StudentID, r.Cycle, r.AcademicYear, r.QuestionID)
	}
	exec := func(ctx context.Context, tx *sql.Tx, r model.QuestionResponse) (bool, error) {
		if err := model.ValidateResponseValue(r.Value); err != nil {
			return false, err
		}
		existed, err := rowExists(ctx, tx,
			`SELECT 1 FROM question_responses WHERE student_id=$1 AND cycle=$2 AND academic_year=$3 AND question_id=$4`,
			r.StudentID, r.Cycle, r.AcademicYear, r.QuestionID)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO question_responses (student_id, establishment_id, cycle, question_id, value, academic_year)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (student_id, cycle, academic_year, question_id) DO UPDATE SET
				establishment_id=EXCLUDED.establishment_id, value=EXCLUDED.value
		`, r.StudentID, r.EstablishID, r.Cycle, r.QuestionID, r.Value, r.AcademicYear)
		if err != nil {
			return false, err
		}
		return !existed, nil
	}
	return upsertBatch(ctx, l, "question_response", rows, keyFn, exec)
}

func ResponseKey(studentID int64, cycle int, academicYear, questionID string) string {
	return fmt.Sprintf("%d|%d|%s|%s", studentID, cycle, academicYear, questionID)
}
