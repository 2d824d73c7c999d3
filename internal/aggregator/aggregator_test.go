package aggregator_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/vespa-sync/internal/aggregator"
	"github.com/mind-engage/vespa-sync/internal/warehouse"
)

func openWarehouse(t *testing.T) *sql.DB {
	t.Helper()
	db, err := warehouse.Open(context.Background(), warehouse.DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedTwoStudents(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	_, err := db.Exec(`INSERT INTO establishments (external_id, name) VALUES ('est-1', 'Acme')`)
	require.NoError(t, err)
	var establishID int64
	require.NoError(t, db.QueryRow(`SELECT id FROM establishments WHERE external_id='est-1'`).Scan(&establishID))

	_, err = db.Exec(`INSERT INTO students (email, establishment_id, academic_year) VALUES ('a@example.com', $1, '2024/2025')`, establishID)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO students (email, establishment_id, academic_year) VALUES ('b@example.com', $1, '2024/2025')`, establishID)
	require.NoError(t, err)

	var s1, s2 int64
	require.NoError(t, db.QueryRow(`SELECT id FROM students WHERE email='a@example.com'`).Scan(&s1))
	require.NoError(t, db.QueryRow(`SELECT id FROM students WHERE email='b@example.com'`).Scan(&s2))

	_, err = db.Exec(`INSERT INTO vespa_scores (student_id, establishment_id, cycle, vision, effort, systems, practice, attitude, overall, academic_year)
		VALUES ($1,$2,1,6,6,6,6,6,6,'2024/2025')`, s1, establishID)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO vespa_scores (student_id, establishment_id, cycle, vision, effort, systems, practice, attitude, overall, academic_year)
		VALUES ($1,$2,1,8,8,8,8,8,8,'2024/2025')`, s2, establishID)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO question_responses (student_id, establishment_id, cycle, question_id, value, academic_year)
		VALUES ($1,$2,1,'q1',3,'2024/2025')`, s1, establishID)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO question_responses (student_id, establishment_id, cycle, question_id, value, academic_year)
		VALUES ($1,$2,1,'q1',5,'2024/2025')`, s2, establishID)
	require.NoError(t, err)

	return establishID
}

func TestRecompute_ComputesSchoolAndNationalStatistics(t *testing.T) {
	db := openWarehouse(t)
	establishID := seedTwoStudents(t, db)

	a := aggregator.New(db, nil)
	counts, err := a.Recompute(context.Background(), aggregator.Scope{Kind: aggregator.ScopeAll})
	require.NoError(t, err)
	assert.Greater(t, counts.SchoolStatRows, 0)
	assert.Greater(t, counts.NationalStatRows, 0)
	assert.Greater(t, counts.QuestionStatRows, 0)
	assert.Greater(t, counts.NationalQuestionStatRows, 0)

	var mean float64
	var count int
	err = db.QueryRow(`SELECT mean, count FROM school_statistics WHERE establishment_id=$1 AND element='vision' AND cycle=1 AND academic_year='2024/2025'`, establishID).Scan(&mean, &count)
	require.NoError(t, err)
	assert.Equal(t, 7.0, mean) // (6+8)/2
	assert.Equal(t, 2, count)
}

func TestRecompute_IsIdempotent(t *testing.T) {
	db := openWarehouse(t)
	seedTwoStudents(t, db)

	a := aggregator.New(db, nil)
	_, err := a.Recompute(context.Background(), aggregator.Scope{Kind: aggregator.ScopeAll})
	require.NoError(t, err)
	countsTwo, err := a.Recompute(context.Background(), aggregator.Scope{Kind: aggregator.ScopeAll})
	require.NoError(t, err)

	var rowCount int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM school_statistics`).Scan(&rowCount))
	assert.Equal(t, countsTwo.SchoolStatRows, rowCount) // truncate-then-rebuild, not append
}

func TestRecompute_EmptyScopeProducesNoRows(t *testing.T) {
	db := openWarehouse(t)
	a := aggregator.New(db, nil)
	counts, err := a.Recompute(context.Background(), aggregator.Scope{Kind: aggregator.ScopeAll})
	require.NoError(t, err)
	assert.Equal(t, 0, counts.SchoolStatRows)
	assert.Equal(t, 0, counts.NationalStatRows)
}
