package warehouse

import (
	"context"
	"database/sql"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// SyncRunRepo persists the SyncRunRecord ledger (spec §3, §4.7 step 1/9).
type SyncRunRepo struct {
	DB *sql.DB
}

func NewSyncRunRepo(db *sql.DB) *SyncRunRepo { return &SyncRunRepo{DB: db} }

// Open inserts a new SyncRunRecord in the "started" state.
func (r *SyncRunRepo) Open(ctx context.Context, rec model.SyncRunRecord, startedAt int64) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO sync_run_records (id, type, status, establish_ref, started_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rec.ID, string(rec.Type), string(model.StatusStarted), rec.EstablishRef, startedAt)
	return err
}

// Close finalizes a SyncRunRecord with the final status and counts (spec
// §4.7 step 9, §7 "Propagation").
func (r *SyncRunRepo) Close(ctx context.Context, id string, status model.SyncRunStatus, finishedAt int64, inserted, updated, skipped, errored int, errorSummary string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sync_run_records
		SET status=$2, finished_at=$3, inserted=$4, updated=$5, skipped=$6, errored=$7, error_summary=$8
		WHERE id=$1
	`, id, string(status), finishedAt, inserted, updated, skipped, errored, errorSummary)
	return err
}

// Get fetches a run record by id, used by tests and diagnostics.
func (r *SyncRunRepo) Get(ctx context.Context, id string) (model.SyncRunRecord, error) {
	var rec model.SyncRunRecord
	var typ, status string
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, type, status, establish_ref, started_at, finished_at, inserted, updated, skipped, errored, error_summary
		FROM sync_run_records WHERE id=$1
	`, id)
	err := row.Scan(&rec.ID, &typ, &status, &rec.EstablishRef, &rec.StartedAt, &rec.FinishedAt,
		&rec.Inserted, &rec.Updated, &rec.Skipped, &rec.Errored, &rec.ErrorSummary)
	if err != nil {
		return model.SyncRunRecord{}, err
	}
	rec.Type = model.SyncRunType(typ)
	rec.Status = model.SyncRunStatus(status)
	return rec, nil
}
