// Package warehouse is the relational store the pipeline upserts into: the
// per-table client referenced in spec §6.2, backed by Postgres in
// production and SQLite for local/dev runs (ground: teacher's
// internal/db/connect.go, same driver pair).
package warehouse

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB connection and ensures the schema exists. No migrations:
// entity shapes are fixed (spec §1 Non-goals — "arbitrary schema
// migration" is out of scope).
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "file:vespa_sync.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/vespa_warehouse?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS establishments (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  external_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  trust TEXT NOT NULL DEFAULT '',
  is_australian INTEGER NOT NULL DEFAULT 0,
  use_standard_year TEXT NOT NULL DEFAULT 'unset'
);

CREATE TABLE IF NOT EXISTS students (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  external_id TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  establishment_id INTEGER NOT NULL REFERENCES establishments(id),
  year_group TEXT NOT NULL DEFAULT '',
  course TEXT NOT NULL DEFAULT '',
  faculty TEXT NOT NULL DEFAULT '',
  student_group TEXT NOT NULL DEFAULT '',
  academic_year TEXT NOT NULL,
  UNIQUE (email, academic_year)
);
CREATE INDEX IF NOT EXISTS idx_students_external ON students(external_id, academic_year);
CREATE INDEX IF NOT EXISTS idx_students_establishment ON students(establishment_id, academic_year);

CREATE TABLE IF NOT EXISTS vespa_scores (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  establishment_id INTEGER NOT NULL REFERENCES establishments(id),
  cycle INTEGER NOT NULL,
  vision REAL NOT NULL,
  effort REAL NOT NULL,
  systems REAL NOT NULL,
  practice REAL NOT NULL,
  attitude REAL NOT NULL,
  overall REAL NOT NULL,
  completion_date TEXT NOT NULL DEFAULT '',
  created_date TEXT NOT NULL DEFAULT '',
  academic_year TEXT NOT NULL,
  UNIQUE (student_id, cycle, academic_year)
);
CREATE INDEX IF NOT EXISTS idx_scores_establishment ON vespa_scores(establishment_id, cycle, academic_year);

CREATE TABLE IF NOT EXISTS question_responses (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  student_id INTEGER NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  establishment_id INTEGER NOT NULL REFERENCES establishments(id),
  cycle INTEGER NOT NULL,
  question_id TEXT NOT NULL,
  value INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  UNIQUE (student_id, cycle, academic_year, question_id)
);
CREATE INDEX IF NOT EXISTS idx_responses_establishment ON question_responses(establishment_id, question_id, cycle, academic_year);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT '',
  source_fields_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS school_statistics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  establishment_id INTEGER NOT NULL REFERENCES establishments(id),
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  element TEXT NOT NULL,
  mean REAL NOT NULL,
  stddev REAL NOT NULL,
  count INTEGER NOT NULL,
  p25 REAL NOT NULL,
  p50 REAL NOT NULL,
  p75 REAL NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (establishment_id, cycle, academic_year, element)
);

CREATE TABLE IF NOT EXISTS question_statistics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  establishment_id INTEGER NOT NULL REFERENCES establishments(id),
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  mean REAL NOT NULL,
  stddev REAL NOT NULL,
  count INTEGER NOT NULL,
  mode INTEGER NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (establishment_id, question_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS national_statistics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  element TEXT NOT NULL,
  mean REAL NOT NULL,
  stddev REAL NOT NULL,
  count INTEGER NOT NULL,
  p25 REAL NOT NULL,
  p50 REAL NOT NULL,
  p75 REAL NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (cycle, academic_year, element)
);

CREATE TABLE IF NOT EXISTS national_question_statistics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  mean REAL NOT NULL,
  stddev REAL NOT NULL,
  count INTEGER NOT NULL,
  mode INTEGER NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (question_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS sync_run_records (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  establish_ref TEXT NOT NULL DEFAULT '',
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL DEFAULT 0,
  inserted INTEGER NOT NULL DEFAULT 0,
  updated INTEGER NOT NULL DEFAULT 0,
  skipped INTEGER NOT NULL DEFAULT 0,
  errored INTEGER NOT NULL DEFAULT 0,
  error_summary TEXT NOT NULL DEFAULT ''
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS establishments (
  id BIGSERIAL PRIMARY KEY,
  external_id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  trust TEXT NOT NULL DEFAULT '',
  is_australian BOOLEAN NOT NULL DEFAULT FALSE,
  use_standard_year TEXT NOT NULL DEFAULT 'unset'
);

CREATE TABLE IF NOT EXISTS students (
  id BIGSERIAL PRIMARY KEY,
  external_id TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  establishment_id BIGINT NOT NULL REFERENCES establishments(id),
  year_group TEXT NOT NULL DEFAULT '',
  course TEXT NOT NULL DEFAULT '',
  faculty TEXT NOT NULL DEFAULT '',
  student_group TEXT NOT NULL DEFAULT '',
  academic_year TEXT NOT NULL,
  UNIQUE (email, academic_year)
);
CREATE INDEX IF NOT EXISTS idx_students_external ON students(external_id, academic_year);
CREATE INDEX IF NOT EXISTS idx_students_establishment ON students(establishment_id, academic_year);

CREATE TABLE IF NOT EXISTS vespa_scores (
  id BIGSERIAL PRIMARY KEY,
  student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  establishment_id BIGINT NOT NULL REFERENCES establishments(id),
  cycle INTEGER NOT NULL,
  vision DOUBLE PRECISION NOT NULL,
  effort DOUBLE PRECISION NOT NULL,
  systems DOUBLE PRECISION NOT NULL,
  practice DOUBLE PRECISION NOT NULL,
  attitude DOUBLE PRECISION NOT NULL,
  overall DOUBLE PRECISION NOT NULL,
  completion_date TEXT NOT NULL DEFAULT '',
  created_date TEXT NOT NULL DEFAULT '',
  academic_year TEXT NOT NULL,
  UNIQUE (student_id, cycle, academic_year)
);
CREATE INDEX IF NOT EXISTS idx_scores_establishment ON vespa_scores(establishment_id, cycle, academic_year);

CREATE TABLE IF NOT EXISTS question_responses (
  id BIGSERIAL PRIMARY KEY,
  student_id BIGINT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
  establishment_id BIGINT NOT NULL REFERENCES establishments(id),
  cycle INTEGER NOT NULL,
  question_id TEXT NOT NULL,
  value INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  UNIQUE (student_id, cycle, academic_year, question_id)
);
CREATE INDEX IF NOT EXISTS idx_responses_establishment ON question_responses(establishment_id, question_id, cycle, academic_year);

CREATE TABLE IF NOT EXISTS questions (
  id TEXT PRIMARY KEY,
  text TEXT NOT NULL DEFAULT '',
  category TEXT NOT NULL DEFAULT '',
  source_fields_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS school_statistics (
  id BIGSERIAL PRIMARY KEY,
  establishment_id BIGINT NOT NULL REFERENCES establishments(id),
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  element TEXT NOT NULL,
  mean DOUBLE PRECISION NOT NULL,
  stddev DOUBLE PRECISION NOT NULL,
  count INTEGER NOT NULL,
  p25 DOUBLE PRECISION NOT NULL,
  p50 DOUBLE PRECISION NOT NULL,
  p75 DOUBLE PRECISION NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (establishment_id, cycle, academic_year, element)
);

CREATE TABLE IF NOT EXISTS question_statistics (
  id BIGSERIAL PRIMARY KEY,
  establishment_id BIGINT NOT NULL REFERENCES establishments(id),
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  mean DOUBLE PRECISION NOT NULL,
  stddev DOUBLE PRECISION NOT NULL,
  count INTEGER NOT NULL,
  mode INTEGER NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (establishment_id, question_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS national_statistics (
  id BIGSERIAL PRIMARY KEY,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  element TEXT NOT NULL,
  mean DOUBLE PRECISION NOT NULL,
  stddev DOUBLE PRECISION NOT NULL,
  count INTEGER NOT NULL,
  p25 DOUBLE PRECISION NOT NULL,
  p50 DOUBLE PRECISION NOT NULL,
  p75 DOUBLE PRECISION NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (cycle, academic_year, element)
);

CREATE TABLE IF NOT EXISTS national_question_statistics (
  id BIGSERIAL PRIMARY KEY,
  question_id TEXT NOT NULL,
  cycle INTEGER NOT NULL,
  academic_year TEXT NOT NULL,
  mean DOUBLE PRECISION NOT NULL,
  stddev DOUBLE PRECISION NOT NULL,
  count INTEGER NOT NULL,
  mode INTEGER NOT NULL,
  distribution_json TEXT NOT NULL,
  UNIQUE (question_id, cycle, academic_year)
);

CREATE TABLE IF NOT EXISTS sync_run_records (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  establish_ref TEXT NOT NULL DEFAULT '',
  started_at BIGINT NOT NULL,
  finished_at BIGINT NOT NULL DEFAULT 0,
  inserted INTEGER NOT NULL DEFAULT 0,
  updated INTEGER NOT NULL DEFAULT 0,
  skipped INTEGER NOT NULL DEFAULT 0,
  errored INTEGER NOT NULL DEFAULT 0,
  error_summary TEXT NOT NULL DEFAULT ''
);
`
