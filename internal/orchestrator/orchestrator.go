// Package orchestrator sequences the full sync: extract, classify, link,
// load and aggregate every entity kind in the order spec §4.7 and §5
// require, most importantly the hard barrier between finishing all
// VespaScore upserts and starting any QuestionResponse upsert, since a
// response's academic_year is inherited from its score (spec §3 cycle-1
// invariant).
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mind-engage/vespa-sync/internal/aggregator"
	"github.com/mind-engage/vespa-sync/internal/checkpoint"
	"github.com/mind-engage/vespa-sync/internal/classifier"
	"github.com/mind-engage/vespa-sync/internal/config"
	"github.com/mind-engage/vespa-sync/internal/linker"
	"github.com/mind-engage/vespa-sync/internal/loader"
	"github.com/mind-engage/vespa-sync/internal/model"
	"github.com/mind-engage/vespa-sync/internal/obs"
	"github.com/mind-engage/vespa-sync/internal/report"
	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
	"github.com/mind-engage/vespa-sync/internal/warehouse"
)

// Loaders groups the four per-entity loaders, each tuned with its own batch
// size (spec §4.4 "50-300 rows, tuned per entity").
type Loaders struct {
	Establishments *loader.Loader
	Students       *loader.Loader
	Scores         *loader.Loader
	Responses      *loader.Loader
}

// Orchestrator owns one full-sync run end to end.
type Orchestrator struct {
	CRM        *sourcecrm.Client
	DB         *sql.DB
	Linker     *linker.Linker
	Aggregator *aggregator.Aggregator
	SyncRuns   *warehouse.SyncRunRepo
	Loaders    Loaders

	CheckpointPath string
	ReportDir      string
	PageSize       int

	// Concurrency bounds how many batches within one step are processed at
	// once (spec §5 "Shared-resource policy" sizes this per entity; here one
	// bound covers every step, tuned via LOADER_CONCURRENCY).
	Concurrency int

	// mu guards studentEstablish and the per-step Result/checkpoint
	// accumulation below, all of which batches write to concurrently once
	// Concurrency > 1.
	mu sync.Mutex

	// studentEstablish tracks each student's establishment id across steps
	// within one run, since a question response record carries only an
	// email, not an establishment connection (spec §12 entity field map).
	studentEstablish map[int64]int64
}

func New(db *sql.DB, crm *sourcecrm.Client, cfg config.Config) *Orchestrator {
	lk := linker.New(db)
	return &Orchestrator{
		CRM:        crm,
		DB:         db,
		Linker:     lk,
		Aggregator: aggregator.New(db, crm),
		SyncRuns:   warehouse.NewSyncRunRepo(db),
		Loaders: Loaders{
			Establishments: loader.New(db, cfg.BatchSize("establishment")),
			Students:       loader.New(db, cfg.BatchSize("student")),
			Scores:         loader.New(db, cfg.BatchSize("vespa_score")),
			Responses:      loader.New(db, cfg.BatchSize("question_response")),
		},
		CheckpointPath:   cfg.CheckpointPath,
		ReportDir:        cfg.ReportDir,
		PageSize:         100,
		Concurrency:      cfg.LoaderConcurrency,
		studentEstablish: make(map[int64]int64),
	}
}

// Outcome is RunFull's terminal result; exit codes at the cmd/syncd layer
// are derived from Status (spec §6.3: 0 completed, 1 failed, 2 partial).
type Outcome struct {
	RunID  string
	Status model.SyncRunStatus
	Report report.Run
}

// RunFull executes the nine-step full sync (spec §4.7).
func (o *Orchestrator) RunFull(ctx context.Context) (Outcome, error) {
	runID := uuid.NewString()
	started := time.Now()
	log := obs.WithRun(runID)
	ctx = obs.IntoContext(ctx, log)

	if err := o.SyncRuns.Open(ctx, model.SyncRunRecord{ID: runID, Type: model.SyncRunFull}, started.Unix()); err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: open sync run: %w", err)
	}

	status := model.StatusCompleted
	var failureCause error
	var entities []report.EntitySummary
	var skipped []report.SkippedResponse

	record := func(name string, res loader.Result, err error) bool {
		entities = append(entities, report.EntitySummary{Entity: name, Result: res})
		if err == nil {
			return true
		}
		if errors.Is(err, sourcecrm.ErrAuthFailure) || errors.Is(err, sourcecrm.ErrMalformedResponse) || errors.Is(err, sourcecrm.ErrRateLimitExceeded) {
			status = model.StatusFailed
			failureCause = err
			return false
		}
		log.Warn("step completed with errors, marking run partial", "entity", name, "error", err)
		status = model.StatusPartial
		return true
	}

	// Step 2: establishments.
	estRes, err := o.syncEstablishments(ctx, runID)
	if !record("establishment", estRes, err) {
		return o.finish(ctx, runID, started, status, entities, skipped, failureCause)
	}

	// Step 3: warm the linker before any concurrent resolution begins
	// (spec §5 "single scan at sync start").
	if err := o.Linker.Warm(ctx); err != nil {
		status = model.StatusFailed
		failureCause = fmt.Errorf("orchestrator: warm linker: %w", err)
		return o.finish(ctx, runID, started, status, entities, skipped, failureCause)
	}

	// Step 4: students.
	studentRes, err := o.syncStudents(ctx, runID)
	if !record("student", studentRes, err) {
		return o.finish(ctx, runID, started, status, entities, skipped, failureCause)
	}

	// Step 5: vespa scores.
	scoreRes, err := o.syncScores(ctx, runID)
	if !record("vespa_score", scoreRes, err) {
		return o.finish(ctx, runID, started, status, entities, skipped, failureCause)
	}

	// Step 6: (student, cycle) -> academic_year map, read back from the
	// warehouse so the barrier holds even if step 5 ran with internal
	// concurrency (spec §5's "all VespaScore writes visible before any
	// QuestionResponse write begins").
	lookup, err := o.buildScoreYearLookup(ctx)
	if err != nil {
		status = model.StatusFailed
		failureCause = fmt.Errorf("orchestrator: build score year lookup: %w", err)
		return o.finish(ctx, runID, started, status, entities, skipped, failureCause)
	}

	// Step 7: question responses, skipping+counting any with no matching
	// score (spec §3 cycle-1 invariant, §4.2 edge case).
	responseRes, responseSkips, err := o.syncResponses(ctx, runID, lookup)
	skipped = append(skipped, responseSkips...)
	if !record("question_response", responseRes, err) {
		return o.finish(ctx, runID, started, status, entities, skipped, failureCause)
	}

	// Step 8: recompute every derived statistic in one pass; truncate-then
	// -rebuild within Recompute already spans every establishment/cycle/year
	// present (spec §4.5).
	if _, err := o.Aggregator.Recompute(ctx, aggregator.Scope{Kind: aggregator.ScopeAll}); err != nil {
		status = model.StatusFailed
		failureCause = fmt.Errorf("orchestrator: aggregate: %w", err)
		return o.finish(ctx, runID, started, status, entities, skipped, failureCause)
	}

	return o.finish(ctx, runID, started, status, entities, skipped, failureCause)
}

// finish implements step 9: close the ledger row, write the report, and on
// a clean completion, clear the checkpoint so the next run starts fresh
// (spec §6.5, §9).
func (o *Orchestrator) finish(ctx context.Context, runID string, started time.Time, status model.SyncRunStatus,
	entities []report.EntitySummary, skipped []report.SkippedResponse, cause error) (Outcome, error) {

	finished := time.Now()
	var inserted, updated, skippedCount, errored int
	for _, es := range entities {
		inserted += es.Result.Inserted
		updated += es.Result.Updated
		skippedCount += es.Result.Skipped
		errored += len(es.Result.Errors)
	}
	skippedCount += len(skipped)

	errorSummary := ""
	if cause != nil {
		errorSummary = cause.Error()
	}

	if err := o.SyncRuns.Close(ctx, runID, status, finished.Unix(), inserted, updated, skippedCount, errored, errorSummary); err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: close sync run: %w", err)
	}

	run := report.Run{
		SyncRunID: runID,
		Type:      string(model.SyncRunFull),
		Started:   started,
		Finished:  finished,
		Entities:  entities,
		Skipped:   skipped,
	}
	if o.ReportDir != "" {
		if _, err := report.Write(o.ReportDir, run); err != nil {
			obs.FromContext(ctx).Warn("failed to write run report", "error", err)
		}
	}

	if status == model.StatusCompleted {
		if err := checkpoint.Clear(o.CheckpointPath); err != nil {
			obs.FromContext(ctx).Warn("failed to clear checkpoint", "error", err)
		}
	}

	obs.FromContext(ctx).Info("sync run finished", "status", status, "inserted", inserted, "updated", updated,
		"skipped", skippedCount, "errored", errored)

	var retErr error
	if status == model.StatusFailed {
		retErr = cause
	}
	return Outcome{RunID: runID, Status: status, Report: run}, retErr
}

func (o *Orchestrator) syncEstablishments(ctx context.Context, runID string) (loader.Result, error) {
	batches, errs := o.CRM.FetchAll(ctx, sourcecrm.KindEstablishment, sourcecrm.Filters{}, o.PageSize, startPageFor(o.CheckpointPath, "establishment"))
	var result loader.Result
	err := drain(ctx, o.Concurrency, batches, errs, func(b sourcecrm.Batch) error {
		rows := make([]model.Establishment, 0, len(b.Records))
		for _, rec := range b.Records {
			rows = append(rows, model.Establishment{
				ExternalID:      rec.ID,
				Name:            rec.String(sourcecrm.EstablishmentFields.Name),
				Trust:           rec.String(sourcecrm.EstablishmentFields.Trust),
				IsAustralian:    rec.String(sourcecrm.EstablishmentFields.IsAustralian) == "true",
				UseStandardYear: model.ParseYearFlag(rec.String(sourcecrm.EstablishmentFields.UseStandardYear)),
			})
		}
		res := o.Loaders.Establishments.UpsertEstablishments(ctx, rows)
		o.mu.Lock()
		defer o.mu.Unlock()
		result.Merge(res)
		return checkpoint.Update(o.CheckpointPath, "establishment", checkpoint.Entry{LastPage: b.PageNumber, SyncRunID: runID})
	})
	return result, err
}

func (o *Orchestrator) syncStudents(ctx context.Context, runID string) (loader.Result, error) {
	batches, errs := o.CRM.FetchAll(ctx, sourcecrm.KindStudent, sourcecrm.Filters{}, o.PageSize, startPageFor(o.CheckpointPath, "student"))
	var result loader.Result
	err := drain(ctx, o.Concurrency, batches, errs, func(b sourcecrm.Batch) error {
		rows := make([]model.Student, 0, len(b.Records))
		for _, rec := range b.Records {
			establishExtID := rec.String(sourcecrm.StudentFields.EstablishmentConnection)
			establishID, err := o.Linker.ResolveEstablishment(establishExtID)
			if err != nil {
				continue // unresolvable establishment connection, spec §4.3 unresolved-reference handling
			}
			est, err := o.loadEstablishment(ctx, establishID)
			if err != nil {
				continue
			}
			year, err := classifier.ClassifyScore("", "", est)
			if err != nil {
				continue
			}
			s := model.Student{
				ExternalID:   rec.ID,
				Email:        rec.String(sourcecrm.StudentFields.Email),
				Name:         rec.String(sourcecrm.StudentFields.Name),
				EstablishID:  establishID,
				YearGroup:    rec.String(sourcecrm.StudentFields.YearGroup),
				Course:       rec.String(sourcecrm.StudentFields.Course),
				Faculty:      rec.String(sourcecrm.StudentFields.Faculty),
				Group:        rec.String(sourcecrm.StudentFields.Group),
				AcademicYear: year,
			}
			rows = append(rows, s)
		}
		res := o.Loaders.Students.UpsertStudents(ctx, rows)
		o.mu.Lock()
		defer o.mu.Unlock()
		for _, s := range rows {
			id, err := o.lookupStudentID(ctx, s.Email, s.AcademicYear)
			if err != nil {
				continue
			}
			o.Linker.NoteStudent(id, s.Email, s.ExternalID, s.AcademicYear)
			o.studentEstablish[id] = s.EstablishID
		}
		result.Merge(res)
		return checkpoint.Update(o.CheckpointPath, "student", checkpoint.Entry{LastPage: b.PageNumber, SyncRunID: runID})
	})
	return result, err
}

func (o *Orchestrator) syncScores(ctx context.Context, runID string) (loader.Result, error) {
	batches, errs := o.CRM.FetchAll(ctx, sourcecrm.KindVespaScore, sourcecrm.Filters{}, o.PageSize, startPageFor(o.CheckpointPath, "vespa_score"))
	var result loader.Result
	err := drain(ctx, o.Concurrency, batches, errs, func(b sourcecrm.Batch) error {
		rows := make([]model.VespaScore, 0, len(b.Records))
		for _, rec := range b.Records {
			establishExtID := rec.String(sourcecrm.VespaScoreFields.EstablishmentConnection)
			establishID, err := o.Linker.ResolveEstablishment(establishExtID)
			if err != nil {
				continue
			}
			est, err := o.loadEstablishment(ctx, establishID)
			if err != nil {
				continue
			}
			cycle := 1
			if cv, ok := rec.Float(sourcecrm.VespaScoreFields.Cycle); ok {
				cycle = int(cv)
			}
			email := rec.String(sourcecrm.VespaScoreFields.Email)
			completion := rec.String(sourcecrm.VespaScoreFields.CompletionDate)
			created := rec.String(sourcecrm.VespaScoreFields.CreatedDate)
			year, err := classifier.ClassifyScore(completion, created, est)
			if err != nil {
				continue
			}
			studentID, err := o.Linker.ResolveStudent(email, year)
			if err != nil {
				continue
			}
			o.mu.Lock()
			o.studentEstablish[studentID] = establishID
			o.mu.Unlock()
			comps := model.VespaComponents{}
			comps.Vision, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementVision))
			comps.Effort, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementEffort))
			comps.Systems, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementSystems))
			comps.Practice, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementPractice))
			comps.Attitude, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementAttitude))
			comps.Overall, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementOverall))
			rows = append(rows, model.VespaScore{
				StudentID:      studentID,
				EstablishID:    establishID,
				Cycle:          cycle,
				Components:     comps,
				CompletionDate: completion,
				CreatedDate:    created,
				AcademicYear:   year,
			})
		}
		res := o.Loaders.Scores.UpsertVespaScores(ctx, rows)
		o.mu.Lock()
		defer o.mu.Unlock()
		result.Merge(res)
		return checkpoint.Update(o.CheckpointPath, "vespa_score", checkpoint.Entry{LastPage: b.PageNumber, SyncRunID: runID})
	})
	return result, err
}

// buildScoreYearLookup implements spec §4.7 step 6: a fresh read of every
// VespaScore written so far, so the lookup reflects exactly what step 5
// committed rather than an in-memory accumulation that concurrent page
// workers could race on.
func (o *Orchestrator) buildScoreYearLookup(ctx context.Context) (classifier.MapLookup, error) {
	rows, err := o.DB.QueryContext(ctx, `SELECT student_id, cycle, academic_year FROM vespa_scores`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	lookup := classifier.MapLookup{}
	for rows.Next() {
		var studentID int64
		var cycle int
		var year string
		if err := rows.Scan(&studentID, &cycle, &year); err != nil {
			return nil, err
		}
		lookup[classifier.MapKey{StudentID: studentID, Cycle: cycle}] = year
	}
	return lookup, rows.Err()
}

func (o *Orchestrator) syncResponses(ctx context.Context, runID string, lookup classifier.MapLookup) (loader.Result, []report.SkippedResponse, error) {
	batches, errs := o.CRM.FetchAll(ctx, sourcecrm.KindQuestionResponse, sourcecrm.Filters{}, o.PageSize, startPageFor(o.CheckpointPath, "question_response"))
	var result loader.Result
	var skipped []report.SkippedResponse
	err := drain(ctx, o.Concurrency, batches, errs, func(b sourcecrm.Batch) error {
		rows := make([]model.QuestionResponse, 0, len(b.Records))
		for _, rec := range b.Records {
			email := rec.String(sourcecrm.QuestionResponseFields.Email)
			cycle := 1
			if cv, ok := rec.Float(sourcecrm.QuestionResponseFields.Cycle); ok {
				cycle = int(cv)
			}
			studentID, err := o.Linker.ResolveStudentLatest(email)
			if err != nil {
				continue
			}
			o.mu.Lock()
			establishID, ok := o.studentEstablish[studentID]
			o.mu.Unlock()
			if !ok {
				continue
			}
			assignedYear, err := classifier.ClassifyResponse(studentID, cycle, lookup)
			if err != nil {
				if errors.Is(err, classifier.ErrNoMatchingScore) {
					o.mu.Lock()
					skipped = append(skipped, report.SkippedResponse{StudentID: studentID, Cycle: cycle})
					o.mu.Unlock()
				}
				continue
			}
			for questionID, value := range sourcecrm.ResponseValues(rec, cycle) {
				rows = append(rows, model.QuestionResponse{
					StudentID:    studentID,
					EstablishID:  establishID,
					Cycle:        cycle,
					QuestionID:   questionID,
					Value:        int(value),
					AcademicYear: assignedYear,
				})
			}
		}
		res := o.Loaders.Responses.UpsertQuestionResponses(ctx, rows)
		o.mu.Lock()
		defer o.mu.Unlock()
		result.Merge(res)
		return checkpoint.Update(o.CheckpointPath, "question_response", checkpoint.Entry{LastPage: b.PageNumber, SyncRunID: runID})
	})
	return result, skipped, err
}

// lookupStudentID resolves the warehouse-assigned id for a just-upserted
// student row. UpsertStudents reports only insert/update counts, not ids, so
// callers that need the id (the linker, the establish-id tracker) re-read it
// by the row's own conflict key.
func (o *Orchestrator) lookupStudentID(ctx context.Context, email, academicYear string) (int64, error) {
	var id int64
	err := o.DB.QueryRowContext(ctx, `SELECT id FROM students WHERE email=$1 AND academic_year=$2`, email, academicYear).Scan(&id)
	return id, err
}

func (o *Orchestrator) loadEstablishment(ctx context.Context, id int64) (model.Establishment, error) {
	est := model.Establishment{ID: id}
	var isAustralian bool
	var useStandardYear string
	err := o.DB.QueryRowContext(ctx,
		`SELECT external_id, name, trust, is_australian, use_standard_year FROM establishments WHERE id=$1`, id,
	).Scan(&est.ExternalID, &est.Name, &est.Trust, &isAustralian, &useStandardYear)
	if err != nil {
		return model.Establishment{}, err
	}
	est.IsAustralian = isAustralian
	est.UseStandardYear = model.ParseYearFlag(useStandardYear)
	return est, nil
}

// drain consumes a Batch/error channel pair until both close, running up to
// concurrency batches through handle at once (spec §5 loader-side
// pipelining; page fetching is bounded separately in sourcecrm.Client). Batch arrival order from the source is preserved only in
// the sense that every batch is eventually handled; handle itself must be
// safe for concurrent use and, since batches may complete out of order,
// must not assume a prior batch has already been applied (spec §4.1 "no
// deduplication at this layer" — ordering and dedup both belong to the
// loader, which dedupes within its own batch boundaries, not across pages).
func drain(ctx context.Context, concurrency int, batches <-chan sourcecrm.Batch, errs <-chan error, handle func(sourcecrm.Batch) error) error {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for batches != nil || errs != nil {
		select {
		case b, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				_ = g.Wait()
				return err
			}
			b := b
			g.Go(func() error {
				defer sem.Release(1)
				return handle(b)
			})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				_ = g.Wait()
				return err
			}
		case <-gctx.Done():
			_ = g.Wait()
			return gctx.Err()
		}
	}
	return g.Wait()
}

// startPageFor resumes from the last checkpointed page for an entity, or
// page 1 if there is no checkpoint (spec §6.5, §9).
func startPageFor(path, entity string) int {
	f, err := checkpoint.Load(path)
	if err != nil {
		return 1
	}
	if e, ok := f.Entities[entity]; ok && e.LastPage > 0 {
		return e.LastPage
	}
	return 1
}
