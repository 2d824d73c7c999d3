// Package loader upserts batches into the warehouse atomically and
// idempotently (spec §4.4). Conflict keys are entity-specific and must
// exactly match the warehouse's declared uniqueness constraint (spec §3);
// getting this wrong is, per the spec, "the single most common source of
// historical data loss", so each entity's conflict key is hard-coded next
// to its SQL rather than passed in as configuration.
package loader

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mind-engage/vespa-sync/internal/obs"
)

// Result mirrors spec §4.4's UpsertBatch contract: {inserted, updated,
// skipped, errors}.
type Result struct {
	Inserted          int
	Updated           int
	Skipped           int
	DuplicatesDropped int // within-batch dedup count, spec §9 open question
	Errors            []RowError
}

func (r *Result) merge(o Result) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.DuplicatesDropped += o.DuplicatesDropped
	r.Errors = append(r.Errors, o.Errors...)
}

// Merge folds another Result's counts into r; callers outside this package
// use it to combine results across several CRM pages within one caller-side
// batch (e.g. the refresh path, which streams pages itself).
func (r *Result) Merge(o Result) {
	r.merge(o)
}

// ScoreKey identifies a VespaScore by student and cycle, independent of
// academic year — used to join question responses to the score that
// determines their inherited academic_year (spec §3 cycle-1 invariant).
type ScoreKey struct {
	StudentID int64
	Cycle     int
}

// RowError records a single skipped row with enough context to reproduce
// (spec §7 "Per-record data errors").
type RowError struct {
	Key string
	Err error
}

// ErrConflictKeyMismatch names the configuration-bug error for a batch whose
// shape doesn't match its entity's declared conflict key. No function in
// this package returns it: batches are not validated against a declared
// key, since each entity's conflict key is fixed in its own SQL.
var ErrConflictKeyMismatch = errors.New("loader: batch shape does not match conflict key")

// Loader upserts batches into the warehouse.
type Loader struct {
	DB        *sql.DB
	BatchSize int // 50-300 rows per spec §4.4; caller tunes per entity
}

func New(db *sql.DB, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Loader{DB: db, BatchSize: batchSize}
}

// dedupeLastWins reduces rows to one per conflict key, keeping the last
// occurrence (spec §4.4 "Within-batch deduplication"; spec §8 boundary
// behavior: "500 rows with one duplicated conflict key is accepted as 499
// inserts").
func dedupeLastWins[T any](rows []T, keyFn func(T) string) ([]T, int) {
	firstSeen := make([]string, 0, len(rows))
	last := make(map[string]T, len(rows))
	dropped := 0
	for _, row := range rows {
		k := keyFn(row)
		if _, exists := last[k]; exists {
			dropped++
		} else {
			firstSeen = append(firstSeen, k)
		}
		last[k] = row
	}
	out := make([]T, 0, len(firstSeen))
	for _, k := range firstSeen {
		out = append(out, last[k])
	}
	return out, dropped
}

func chunk[T any](rows []T, size int) [][]T {
	if size <= 0 {
		size = len(rows)
	}
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[i:end])
	}
	return out
}

// upsertBatch dedupes, chunks at BatchSize, and runs each chunk through
// attemptChunk, merging results (spec §4.4 "Batch sizing").
func upsertBatch[T any](ctx context.Context, l *Loader, entity string, rows []T, keyFn func(T) string, execFn func(ctx context.Context, tx *sql.Tx, row T) (inserted bool, err error)) Result {
	log := obs.FromContext(ctx).With("entity", entity)
	deduped, dropped := dedupeLastWins(rows, keyFn)
	if dropped > 0 {
		log.Warn("within-batch duplicate conflict keys dropped", "dropped", dropped)
	}

	var total Result
	total.DuplicatesDropped = dropped
	for _, c := range chunk(deduped, l.BatchSize) {
		total.merge(attemptChunk(ctx, l, c, keyFn, execFn))
	}
	return total
}

// attemptChunk runs execFn for every row in a single transaction. On
// failure it halves the chunk and retries (spec §4.4); a single-row chunk
// that still fails is recorded as a skip with its error rather than
// aborting the whole batch.
func attemptChunk[T any](ctx context.Context, l *Loader, rows []T, keyFn func(T) string, execFn func(ctx context.Context, tx *sql.Tx, row T) (inserted bool, err error)) Result {
	if len(rows) == 0 {
		return Result{}
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return skipOrSplit(ctx, l, rows, keyFn, execFn, err)
	}

	var res Result
	for _, row := range rows {
		inserted, err := execFn(ctx, tx, row)
		if err != nil {
			_ = tx.Rollback()
			return skipOrSplit(ctx, l, rows, keyFn, execFn, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	if err := tx.Commit(); err != nil {
		return skipOrSplit(ctx, l, rows, keyFn, execFn, err)
	}
	return res
}

// rowExists reports whether a row matching query already exists, used by
// each entity's exec function to distinguish insert from update for the
// Result counts (spec §4.4's {inserted, updated, skipped, errors}).
func rowExists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var discard int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&discard)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

func skipOrSplit[T any](ctx context.Context, l *Loader, rows []T, keyFn func(T) string, execFn func(ctx context.Context, tx *sql.Tx, row T) (inserted bool, err error), cause error) Result {
	if len(rows) == 1 {
		return Result{Skipped: 1, Errors: []RowError{{Key: keyFn(rows[0]), Err: cause}}}
	}
	mid := len(rows) / 2
	var res Result
	res.merge(attemptChunk(ctx, l, rows[:mid], keyFn, execFn))
	res.merge(attemptChunk(ctx, l, rows[mid:], keyFn, execFn))
	return res
}
