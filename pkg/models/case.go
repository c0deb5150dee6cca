// Package models defines the domain types shared across veritas packages.
package models

// ResultShape describes the expected cardinality of a query result.
type ResultShape string

const (
	ShapeScalar ResultShape = "scalar"
	ShapeRow    ResultShape = "row"
	ShapeTable  ResultShape = "table"
)

// ToleranceMode selects how expected and actual results are compared.
type ToleranceMode string

const (
	ToleranceExact           ToleranceMode = "exact"
	ToleranceAbsolute        ToleranceMode = "absolute"
	ToleranceRelativePercent ToleranceMode = "relative-percent"
	ToleranceSetEquality     ToleranceMode = "set-equality"
)

// ToleranceSpec defines the allowed deviation for one test case.
// Threshold is an absolute delta for ToleranceAbsolute and a percentage
// for ToleranceRelativePercent; it is ignored for the other modes.
// A threshold of 0 is valid and requires an exact numeric match.
type ToleranceSpec struct {
	Mode      ToleranceMode `json:"mode" yaml:"mode"`
	Threshold float64       `json:"threshold" yaml:"threshold"`
}

// TestCase is a single accuracy test: a natural-language question paired
// with the ground-truth query that computes the correct answer.
// Immutable once authored; identity is ID.
type TestCase struct {
	ID        string        `json:"id" yaml:"id"`
	Question  string        `json:"question" yaml:"question"`
	GroundDAX string        `json:"ground_dax" yaml:"ground_dax"`
	Shape     ResultShape   `json:"shape" yaml:"shape"`
	Tolerance ToleranceSpec `json:"tolerance" yaml:"tolerance"`
	Tags      []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// HasTag reports whether the case carries the given tag.
func (tc *TestCase) HasTag(tag string) bool {
	for _, t := range tc.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// CaseState tracks a test case through the self-learning lifecycle.
type CaseState string

const (
	StateUntested    CaseState = "untested"
	StatePassing     CaseState = "passing"
	StateFailing     CaseState = "failing"
	StateRemediated  CaseState = "remediated"
	StateQuarantined CaseState = "quarantined"
)

// CaseStatus is the persisted lifecycle record for one test case.
// UnclassifiedStreak counts consecutive unclassified failures and drives
// quarantine; it resets on any pass or on a classified failure.
type CaseStatus struct {
	CaseID             string    `json:"case_id"`
	State              CaseState `json:"state"`
	UnclassifiedStreak int       `json:"unclassified_streak"`
}

// Next returns the status after one more outcome. Quarantine is sticky
// until a human intervenes. Engine errors reflect infrastructure, not the
// agent, so they leave the lifecycle untouched. A pass after a failure
// means the case was remediated; a classified failure resets the
// unclassified streak.
func (s CaseStatus) Next(passed bool, category *FailureCategory) CaseStatus {
	next := s
	if s.State == StateQuarantined {
		return next
	}
	if category != nil && *category == CategoryEngineError {
		return next
	}

	if passed {
		if s.State == StateFailing {
			next.State = StateRemediated
		} else {
			next.State = StatePassing
		}
		next.UnclassifiedStreak = 0
		return next
	}

	next.State = StateFailing
	if category != nil && *category == CategoryUnclassified {
		next.UnclassifiedStreak++
	} else {
		next.UnclassifiedStreak = 0
	}
	return next
}
