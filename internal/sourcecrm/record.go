// Package sourcecrm is the extractor: paginated, filtered, rate-limited
// pulls from the source CRM (spec §4.1), plus the one narrow write-back
// path (spec §4.5 step 5, §6.1).
package sourcecrm

import (
	"encoding/json"
	"fmt"
)

// EntityKind is one of the five entity kinds the source CRM exposes.
type EntityKind string

const (
	KindEstablishment    EntityKind = "establishment"
	KindStudent          EntityKind = "student" // the CRM's own student object, see SPEC_FULL §12
	KindVespaScore       EntityKind = "vespa_score"
	KindQuestionResponse EntityKind = "question_response"
	KindNational         EntityKind = "national"
)

// RawRecord is the source record shape per spec §9: an explicit small set
// of fields the pipeline actually consumes, plus a catch-all map for
// everything else, passed through unchanged to diagnostics. Never add a
// field here without also adding it to the Fields table for its entity.
type RawRecord struct {
	ID     string          // the source-CRM record id
	Fields map[string]any  // all field keys, raw source-CRM shape
	Raw    json.RawMessage // the untouched wire payload, for diagnostics
}

// String extracts a string field, treating missing/nil/non-string as "".
func (r RawRecord) String(field string) string {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Float extracts a numeric field as float64, tolerating JSON numbers
// decoded as string (the source CRM does this inconsistently).
func (r RawRecord) Float(field string) (float64, bool) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if _, err := fmt.Sscan(n, &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
