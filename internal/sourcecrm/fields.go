package sourcecrm

import (
	"fmt"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// Fields tables the bit-exact field keys from spec §6.1 / SPEC_FULL §12,
// keyed by entity kind. The orchestrator and the refresh path use these to
// decode RawRecord.Fields into typed model structs; nothing else in the
// pipeline should spell out a source-CRM field key literal. The extractor's
// filter queries (buildRequest) use fixed parameter names, not these tables.
var EstablishmentFields = struct {
	Name            string
	Trust           string
	IsAustralian    string
	UseStandardYear string
}{
	Name:            "field_name",
	Trust:           "field_trust",
	IsAustralian:    "field_is_australian",
	UseStandardYear: "field_use_standard_year",
}

// StudentFields names the fields of the source CRM's student object
// (SPEC_FULL §12: students are a first-class source object, even though
// their warehouse identity is keyed by email+year).
var StudentFields = struct {
	Email                   string
	Name                    string
	EstablishmentConnection string
	YearGroup               string
	Course                  string
	Faculty                 string
	Group                   string
}{
	Email:                   "field_student_email",
	Name:                    "field_student_name",
	EstablishmentConnection: "field_establishment_id",
	YearGroup:               "field_year_group",
	Course:                  "field_course",
	Faculty:                 "field_faculty",
	Group:                   "field_group",
}

var VespaScoreFields = struct {
	EstablishmentConnection string
	Email                   string
	Cycle                   string
	CompletionDate          string
	CreatedDate             string
	// VespaComponentField(cycle, element) returns the per-cycle field key
	// for one of the six components (18 fields total across 3 cycles).
}{
	EstablishmentConnection: "field_establishment_id",
	Email:                   "field_student_email",
	Cycle:                   "field_cycle",
	CompletionDate:          "field_completion_date",
	CreatedDate:             "field_created_date",
}

// VespaComponentField returns the source field key for one VESPA element in
// one cycle, e.g. cycle 2 Vision -> "field_c2_vision".
func VespaComponentField(cycle int, el model.Element) string {
	return fmt.Sprintf("field_c%d_%s", cycle, el)
}

var QuestionResponseFields = struct {
	Email            string
	ScoreConnection  string // record id of the paired VespaScore, per spec §9
	Cycle            string
}{
	Email:           "field_response_email",
	ScoreConnection: "field_score_id",
	Cycle:           "field_response_cycle",
}

// QuestionResponseField returns the source field key carrying the response
// to one question in one cycle (~96 fields total: ~32 questions x 3
// cycles), e.g. question "q12" cycle 1 -> "field_q12_c1".
func QuestionResponseField(questionID string, cycle int) string {
	return fmt.Sprintf("field_%s_c%d", questionID, cycle)
}

// NationalWritebackField names the single write-back target object's
// fields (spec §4.5 step 5, §6.1): one record per academic year holding
// six per-cycle element means.
func NationalWritebackField(cycle int, el model.Element) string {
	return fmt.Sprintf("field_national_c%d_%s_mean", cycle, el)
}
