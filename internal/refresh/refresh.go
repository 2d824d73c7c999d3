// Package refresh implements the bounded single-establishment refresh path
// (spec §4.6): re-ingest, on demand, one establishment's records completed
// within the last Window (30 days by default), with its students assigned to
// the establishment's current academic year, without running the full
// orchestrator and without triggering the aggregator. Records completed
// earlier in the current academic year are not requested. It exists for the case where a single school reports stale
// data and a full sync is too slow or too broad a remedy.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mind-engage/vespa-sync/internal/classifier"
	"github.com/mind-engage/vespa-sync/internal/linker"
	"github.com/mind-engage/vespa-sync/internal/loader"
	"github.com/mind-engage/vespa-sync/internal/model"
	"github.com/mind-engage/vespa-sync/internal/obs"
	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
)

// ErrAlreadyInProgress is returned when a refresh for the same establishment
// is already running (spec §4.6: one in-flight refresh per establishment).
var ErrAlreadyInProgress = errors.New("refresh: already in progress for this establishment")

// ErrEstablishmentNotFound is returned when the external id does not match
// any establishment the linker knows about.
var ErrEstablishmentNotFound = errors.New("refresh: establishment not found")

// Window bounds how far back the refresh looks for changed records. A
// refresh is a narrow, fast operation, not a re-run of history.
const defaultWindow = 30 * 24 * time.Hour

// hardTimeout caps how long a single refresh may run before it is treated
// as failed (spec §4.6).
const hardTimeout = 5 * time.Minute

// Result summarizes one refresh's effect.
type Result struct {
	EstablishmentExternalID string
	AcademicYear            string
	Students                loader.Result
	Scores                  loader.Result
	Responses               loader.Result
	Duration                time.Duration
}

// Refresher coordinates refresh requests for one source CRM / warehouse
// pair. It is safe for concurrent use.
type Refresher struct {
	CRM     *sourcecrm.Client
	Linker  *linker.Linker
	Loader  *loader.Loader
	Window  time.Duration
	Timeout time.Duration

	mu         sync.Mutex
	inProgress map[string]bool
}

func New(crm *sourcecrm.Client, lk *linker.Linker, ld *loader.Loader) *Refresher {
	return &Refresher{
		CRM:        crm,
		Linker:     lk,
		Loader:     ld,
		Window:     defaultWindow,
		Timeout:    hardTimeout,
		inProgress: make(map[string]bool),
	}
}

// Run executes a refresh for one establishment, identified by its source
// CRM external id. It returns ErrAlreadyInProgress if another refresh for
// the same establishment is currently running, and ErrEstablishmentNotFound
// if the establishment is unknown to the linker.
func (r *Refresher) Run(ctx context.Context, establishmentExternalID string) (Result, error) {
	if err := r.claim(establishmentExternalID); err != nil {
		return Result{}, err
	}
	defer r.release(establishmentExternalID)

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	log := obs.FromContext(ctx).With("component", "refresh", "establishment", establishmentExternalID)

	establishID, err := r.Linker.ResolveEstablishment(establishmentExternalID)
	if err != nil {
		if errors.Is(err, linker.ErrNotFound) {
			return Result{}, ErrEstablishmentNotFound
		}
		return Result{}, err
	}

	est, err := r.loadEstablishment(ctx, establishID, establishmentExternalID)
	if err != nil {
		return Result{}, fmt.Errorf("refresh: load establishment: %w", err)
	}
	year, err := classifier.ClassifyScore("", "", est)
	if err != nil {
		return Result{}, fmt.Errorf("refresh: determine current academic year: %w", err)
	}

	filters := sourcecrm.Filters{
		EstablishmentExternalID: establishmentExternalID,
		CompletedAfter:          time.Now().Add(-r.Window).Format("2006-01-02"),
	}

	studentsRes, err := r.refreshStudents(ctx, establishmentExternalID, establishID, year, filters)
	if err != nil {
		return Result{}, err
	}
	scoresRes, scoreLookup, err := r.refreshScores(ctx, establishmentExternalID, establishID, year, est, filters)
	if err != nil {
		return Result{}, err
	}
	responsesRes, err := r.refreshResponses(ctx, establishmentExternalID, establishID, year, filters, scoreLookup)
	if err != nil {
		return Result{}, err
	}

	log.Info("refresh complete", "academic_year", year,
		"students_inserted", studentsRes.Inserted, "students_updated", studentsRes.Updated,
		"scores_inserted", scoresRes.Inserted, "scores_updated", scoresRes.Updated,
		"responses_inserted", responsesRes.Inserted, "responses_updated", responsesRes.Updated)

	return Result{
		EstablishmentExternalID: establishmentExternalID,
		AcademicYear:            year,
		Students:                studentsRes,
		Scores:                  scoresRes,
		Responses:               responsesRes,
		Duration:                time.Since(start),
	}, nil
}

func (r *Refresher) claim(extID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inProgress[extID] {
		return ErrAlreadyInProgress
	}
	r.inProgress[extID] = true
	return nil
}

func (r *Refresher) release(extID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inProgress, extID)
}

// loadEstablishment reads the locale flags that drive academic-year
// classification (spec §4.2); the linker only caches id<->external_id, not
// the flags themselves.
func (r *Refresher) loadEstablishment(ctx context.Context, id int64, externalID string) (model.Establishment, error) {
	est := model.Establishment{ID: id, ExternalID: externalID}
	var isAustralian bool
	var useStandardYear string
	err := r.Loader.DB.QueryRowContext(ctx,
		`SELECT name, trust, is_australian, use_standard_year FROM establishments WHERE id=$1`, id,
	).Scan(&est.Name, &est.Trust, &isAustralian, &useStandardYear)
	if err != nil {
		return model.Establishment{}, err
	}
	est.IsAustralian = isAustralian
	est.UseStandardYear = model.ParseYearFlag(useStandardYear)
	return est, nil
}

// lookupStudentID resolves the warehouse-assigned id for a just-upserted
// student row; UpsertStudents reports only insert/update counts, not ids.
func (r *Refresher) lookupStudentID(ctx context.Context, email, academicYear string) (int64, error) {
	var id int64
	err := r.Loader.DB.QueryRowContext(ctx, `SELECT id FROM students WHERE email=$1 AND academic_year=$2`, email, academicYear).Scan(&id)
	return id, err
}

func (r *Refresher) refreshStudents(ctx context.Context, extID string, establishID int64, year string, filters sourcecrm.Filters) (loader.Result, error) {
	batches, errs := r.CRM.FetchForEstablishment(ctx, sourcecrm.KindStudent, extID, filters, 100)
	var result loader.Result
	for batches != nil || errs != nil {
		select {
		case b, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			rows := make([]model.Student, 0, len(b.Records))
			for _, rec := range b.Records {
				s := model.Student{
					ExternalID:   rec.ID,
					Email:        rec.String(sourcecrm.StudentFields.Email),
					Name:         rec.String(sourcecrm.StudentFields.Name),
					YearGroup:    rec.String(sourcecrm.StudentFields.YearGroup),
					Course:       rec.String(sourcecrm.StudentFields.Course),
					Faculty:      rec.String(sourcecrm.StudentFields.Faculty),
					Group:        rec.String(sourcecrm.StudentFields.Group),
					EstablishID:  establishID,
					AcademicYear: year,
				}
				rows = append(rows, s)
			}
			res := r.Loader.UpsertStudents(ctx, rows)
			for _, s := range rows {
				id, err := r.lookupStudentID(ctx, s.Email, s.AcademicYear)
				if err != nil {
					continue
				}
				r.Linker.NoteStudent(id, s.Email, s.ExternalID, s.AcademicYear)
			}
			result.Merge(res)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return result, err
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, nil
}

func (r *Refresher) refreshScores(ctx context.Context, extID string, establishID int64, year string, est model.Establishment, filters sourcecrm.Filters) (loader.Result, map[loader.ScoreKey]string, error) {
	batches, errs := r.CRM.FetchForEstablishment(ctx, sourcecrm.KindVespaScore, extID, filters, 100)
	var result loader.Result
	lookup := map[loader.ScoreKey]string{}
	for batches != nil || errs != nil {
		select {
		case b, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			rows := make([]model.VespaScore, 0, len(b.Records))
			for _, rec := range b.Records {
				cycle := 1
				if cv, ok := rec.Float(sourcecrm.VespaScoreFields.Cycle); ok {
					cycle = int(cv)
				}
				studentEmail := rec.String(sourcecrm.VespaScoreFields.Email)
				studentID, err := r.Linker.ResolveStudent(studentEmail, year)
				if err != nil {
					continue
				}
				completion := rec.String(sourcecrm.VespaScoreFields.CompletionDate)
				created := rec.String(sourcecrm.VespaScoreFields.CreatedDate)
				rowYear, err := classifier.ClassifyScore(completion, created, est)
				if err != nil {
					continue
				}
				comps := model.VespaComponents{}
				comps.Vision, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementVision))
				comps.Effort, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementEffort))
				comps.Systems, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementSystems))
				comps.Practice, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementPractice))
				comps.Attitude, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementAttitude))
				comps.Overall, _ = rec.Float(sourcecrm.VespaComponentField(cycle, model.ElementOverall))
				s := model.VespaScore{
					StudentID:      studentID,
					EstablishID:    establishID,
					Cycle:          cycle,
					Components:     comps,
					CompletionDate: completion,
					CreatedDate:    created,
					AcademicYear:   rowYear,
				}
				rows = append(rows, s)
				lookup[loader.ScoreKey{StudentID: studentID, Cycle: cycle}] = rowYear
			}
			res := r.Loader.UpsertVespaScores(ctx, rows)
			result.Merge(res)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return result, lookup, err
			}
		case <-ctx.Done():
			return result, lookup, ctx.Err()
		}
	}
	return result, lookup, nil
}

func (r *Refresher) refreshResponses(ctx context.Context, extID string, establishID int64, year string, filters sourcecrm.Filters, scoreLookup map[loader.ScoreKey]string) (loader.Result, error) {
	batches, errs := r.CRM.FetchForEstablishment(ctx, sourcecrm.KindQuestionResponse, extID, filters, 100)
	var result loader.Result
	for batches != nil || errs != nil {
		select {
		case b, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			rows := make([]model.QuestionResponse, 0, len(b.Records))
			for _, rec := range b.Records {
				cycle := 1
				if cv, ok := rec.Float(sourcecrm.QuestionResponseFields.Cycle); ok {
					cycle = int(cv)
				}
				studentEmail := rec.String(sourcecrm.QuestionResponseFields.Email)
				studentID, err := r.Linker.ResolveStudent(studentEmail, year)
				if err != nil {
					continue
				}
				rowYear, ok := scoreLookup[loader.ScoreKey{StudentID: studentID, Cycle: cycle}]
				if !ok {
					result.Skipped++
					continue
				}
				for questionID, value := range sourcecrm.ResponseValues(rec, cycle) {
					rows = append(rows, model.QuestionResponse{
						StudentID:    studentID,
						EstablishID:  establishID,
						Cycle:        cycle,
						QuestionID:   questionID,
						Value:        int(value),
						AcademicYear: rowYear,
					})
				}
			}
			res := r.Loader.UpsertQuestionResponses(ctx, rows)
			result.Merge(res)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return result, err
			}
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}
	return result, nil
}
