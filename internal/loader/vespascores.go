package loader

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// UpsertVespaScores' conflict key is (student_id, cycle, academic_year) —
// spec §3 VespaScore identity rule.
func (l *Loader) UpsertVespaScores(ctx context.Context, rows []model.VespaScore) Result {
	keyFn := func(s model.VespaScore) string { return VespaScoreKey(s.StudentID, s.Cycle, s.AcademicYear) }
	exec := func(ctx context.Context, tx *sql.Tx, s model.VespaScore) (bool, error) {
		if err := model.ValidateVespaComponents(s.Components); err != nil {
			return false, err
		}
		existed, err := rowExists(ctx, tx,
			`SELECT 1 FROM vespa_scores WHERE student_id=$1 AND cycle=$2 AND academic_year=$3`,
			s.StudentID, s.Cycle, s.AcademicYear)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vespa_scores (student_id, establishment_id, cycle, vision, effort, systems, practice, attitude, overall, completion_date, created_date, academic_year)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (student_id, cycle, academic_year) DO UPDATE SET
				establishment_id=EXCLUDED.establishment_id,
				vision=EXCLUDED.vision, effort=EXCLUDED.effort, systems=EXCLUDED.systems,
				practice=EXCLUDED.practice, attitude=EXCLUDED.attitude, overall=EXCLUDED.overall,
				completion_date=EXCLUDED.completion_date, created_date=EXCLUDED.created_date
		`, s.StudentID, s.EstablishID, s.Cycle, s.Components.Vision, s.Components.Effort, s.Components.Systems,
			s.Components.Practice, s.Components.Attitude, s.Components.Overall, s.CompletionDate, s.CreatedDate, s.AcademicYear)
		if err != nil {
			return false, err
		}
		return !existed, nil
	}
	return upsertBatch(ctx, l, "vespa_score", rows, keyFn, exec)
}

func VespaScoreKey(studentID int64, cycle int, academicYear string) string {
	return fmt.Sprintf("%d|%d|%s", studentID, cycle, academicYear)
}
