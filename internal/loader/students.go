package loader

import (
	"context"
	"database/sql"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// UpsertStudents' conflict key is (email, academic_year) — spec §3 Student
// identity rule: "the same email may appear in multiple years as distinct
// rows". Never overwrite across years (spec §4.4): the conflict target
// includes academic_year, so a 2025/2026 row can never match a 2024/2025
// row for the same email.
func (l *Loader) UpsertStudents(ctx context.Context, rows []model.Student) Result {
	keyFn := func(s model.Student) string { return s.Email + "|" + s.AcademicYear }
	exec := func(ctx context.Context, tx *sql.Tx, s model.Student) (bool, error) {
		existed, err := rowExists(ctx, tx, `SELECT 1 FROM students WHERE email=$1 AND academic_year=$2`, s.Email, s.AcademicYear)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO students (external_id, email, name, establishment_id, year_group, course, faculty, student_group, academic_year)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (email, academic_year) DO UPDATE SET
				external_id=EXCLUDED.external_id, name=EXCLUDED.name, establishment_id=EXCLUDED.establishment_id,
				year_group=EXCLUDED.year_group, course=EXCLUDED.course, faculty=EXCLUDED.faculty, student_group=EXCLUDED.student_group
		`, s.ExternalID, s.Email, s.Name, s.EstablishID, s.YearGroup, s.Course, s.Faculty, s.Group, s.AcademicYear)
		if err != nil {
			return false, err
		}
		return !existed, nil
	}
	return upsertBatch(ctx, l, "student", rows, keyFn, exec)
}

// StudentKey is a small helper other packages (tests, orchestrator) use to
// build the same conflict-key string without reimporting loader internals.
func StudentKey(email, academicYear string) string { return email + "|" + academicYear }
