// Package linker translates source-system identifiers and cross-object
// references into warehouse identifiers (spec §4.3). The Linker's caches
// are warmed with a single scan of the warehouse at sync start and extended
// monotonically (insert-only) as the sync writes new rows, so concurrent
// readers within a sync run always see a consistent, append-only view
// (spec §5 "Shared-resource policy").
package linker

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/mind-engage/vespa-sync/internal/loader"
)

// ErrNotFound is returned by every Resolve* method when no match exists.
var ErrNotFound = errors.New("linker: not found")

// Linker holds in-process lookup maps for the duration of a sync run.
type Linker struct {
	db *sql.DB

	mu               sync.RWMutex
	emailToStudent   map[string]int64 // key: email|academic_year
	emailLatest      map[string]int64 // key: email; most recently noted id, any year
	extIDToStudent   map[string]int64 // key: external_id|academic_year
	extIDToEstablish map[string]int64 // key: establishment external_id
}

func New(db *sql.DB) *Linker {
	return &Linker{
		db:               db,
		emailToStudent:   make(map[string]int64),
		emailLatest:      make(map[string]int64),
		extIDToStudent:   make(map[string]int64),
		extIDToEstablish: make(map[string]int64),
	}
}

// Warm performs the single warehouse scan described in spec §4.3; call it
// once at sync start, before any concurrent work begins (spec §5).
func (l *Linker) Warm(ctx context.Context) error {
	if err := l.warmEstablishments(ctx); err != nil {
		return err
	}
	if err := l.warmStudents(ctx); err != nil {
		return err
	}
	return nil
}

func (l *Linker) warmEstablishments(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `SELECT id, external_id FROM establishments`)
	if err != nil {
		return err
	}
	defer rows.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	for rows.Next() {
		var id int64
		var extID string
		if err := rows.Scan(&id, &extID); err != nil {
			return err
		}
		l.extIDToEstablish[extID] = id
	}
	return rows.Err()
}

func (l *Linker) warmStudents(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `SELECT id, email, external_id, academic_year FROM students`)
	if err != nil {
		return err
	}
	defer rows.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	for rows.Next() {
		var id int64
		var email, extID, year string
		if err := rows.Scan(&id, &email, &extID, &year); err != nil {
			return err
		}
		if email != "" {
			l.emailToStudent[loader.StudentKey(email, year)] = id
			l.emailLatest[email] = id
		}
		if extID != "" {
			l.extIDToStudent[extID+"|"+year] = id
		}
	}
	return rows.Err()
}

// ResolveStudent is the primary matcher: email + academic_year (spec §4.3
// "Matching strategy").
func (l *Linker) ResolveStudent(email, academicYear string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.emailToStudent[loader.StudentKey(email, academicYear)]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

// ResolveStudentLatest resolves a student by email alone, ignoring academic
// year, returning whichever id was noted most recently for that email. Used
// where a source record (a question response) carries only an email and the
// academic year itself is still being determined (spec §3 cycle-1
// invariant: a response's year comes from its score, not the reverse).
func (l *Linker) ResolveStudentLatest(email string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.emailLatest[email]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

// ResolveStudentByExternalID is the fallback used when email is absent
// (spec §4.3).
func (l *Linker) ResolveStudentByExternalID(externalID, academicYear string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.extIDToStudent[externalID+"|"+academicYear]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

// ResolveEstablishment resolves by the establishment's stable external id.
func (l *Linker) ResolveEstablishment(externalID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.extIDToEstablish[externalID]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

// NoteStudent extends the cache in place after a student upsert (spec §4.3
// "subsequent writes update the maps in place"; spec §5 "insert-only").
func (l *Linker) NoteStudent(id int64, email, externalID, academicYear string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if email != "" {
		l.emailToStudent[loader.StudentKey(email, academicYear)] = id
		l.emailLatest[email] = id
	}
	if externalID != "" {
		l.extIDToStudent[externalID+"|"+academicYear] = id
	}
}

// NoteEstablishment extends the establishment cache in place.
func (l *Linker) NoteEstablishment(id int64, externalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extIDToEstablish[externalID] = id
}
