package checkpoint_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/vespa-sync/internal/checkpoint"
)

func TestLoad_MissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	f, err := checkpoint.Load(path)
	require.NoError(t, err)
	assert.Empty(t, f.Entities)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	f := checkpoint.File{Entities: map[string]checkpoint.Entry{
		"student": {LastPage: 3, SyncRunID: "run-1"},
	}}
	require.NoError(t, checkpoint.Save(path, f))

	got, err := checkpoint.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Entities["student"].LastPage)
	assert.Equal(t, "run-1", got.Entities["student"].SyncRunID)
}

func TestUpdate_AddsOrOverwritesOneEntityWithoutDisturbingOthers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, checkpoint.Update(path, "student", checkpoint.Entry{LastPage: 1, SyncRunID: "run-1"}))
	require.NoError(t, checkpoint.Update(path, "vespa_score", checkpoint.Entry{LastPage: 2, SyncRunID: "run-1"}))
	require.NoError(t, checkpoint.Update(path, "student", checkpoint.Entry{LastPage: 5, SyncRunID: "run-2"}))

	got, err := checkpoint.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Entities["student"].LastPage)
	assert.Equal(t, "run-2", got.Entities["student"].SyncRunID)
	assert.Equal(t, 2, got.Entities["vespa_score"].LastPage)
}

func TestClear_RemovesFileAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, checkpoint.Update(path, "student", checkpoint.Entry{LastPage: 1}))

	require.NoError(t, checkpoint.Clear(path))
	require.NoError(t, checkpoint.Clear(path)) // removing twice is not an error

	got, err := checkpoint.Load(path)
	require.NoError(t, err)
	assert.Empty(t, got.Entities)
}
