package sourcecrm_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/vespa-sync/internal/sourcecrm"
)

func decodeFields(t *testing.T, raw string) sourcecrm.RawRecord {
	t.Helper()
	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &fields))
	id, _ := fields["id"].(string)
	return sourcecrm.RawRecord{ID: id, Fields: fields, Raw: json.RawMessage(raw)}
}

func TestRawRecord_String_TreatsMissingNilAndNonStringAsEmpty(t *testing.T) {
	rec := decodeFields(t, `{"id":"1","field_name":"Acme","field_nil":null,"field_num":5}`)
	assert.Equal(t, "Acme", rec.String("field_name"))
	assert.Equal(t, "", rec.String("field_nil"))
	assert.Equal(t, "", rec.String("field_num"))
	assert.Equal(t, "", rec.String("field_missing"))
}

func TestRawRecord_Float_TreatsJSONNumber(t *testing.T) {
	rec := decodeFields(t, `{"id":"1","field_score":7.5}`)
	v, ok := rec.Float("field_score")
	assert.True(t, ok)
	assert.Equal(t, 7.5, v)
}

func TestRawRecord_Float_TreatsStringEncodedNumber(t *testing.T) {
	rec := decodeFields(t, `{"id":"1","field_score":"7.5"}`)
	v, ok := rec.Float("field_score")
	assert.True(t, ok)
	assert.Equal(t, 7.5, v)
}

func TestRawRecord_Float_MissingOrUnparsableIsNotOK(t *testing.T) {
	rec := decodeFields(t, `{"id":"1","field_score":"not-a-number"}`)
	_, ok := rec.Float("field_score")
	assert.False(t, ok)

	_, ok = rec.Float("field_missing")
	assert.False(t, ok)
}
