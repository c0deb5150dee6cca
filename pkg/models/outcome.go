package models

import (
	"time"

	"github.com/google/uuid"
)

// FailureCategory classifies why a test case failed.
type FailureCategory string

const (
	CategoryEngineError         FailureCategory = "engine-error"
	CategoryShapeMismatch       FailureCategory = "shape-mismatch"
	CategoryAggregationMismatch FailureCategory = "aggregation-mismatch"
	CategoryFilterMismatch      FailureCategory = "filter-mismatch"
	CategoryUnclassified        FailureCategory = "unclassified"
)

// RunOutcome records one evaluation of one test case. Outcomes are
// append-only: the history is the audit trail the learning loop reads.
type RunOutcome struct {
	ID          uuid.UUID        `json:"id"`
	RunID       uuid.UUID        `json:"run_id"`
	CaseID      string           `json:"case_id"`
	Question    string           `json:"question"`
	AgentQuery  string           `json:"agent_query,omitempty"`
	AgentValue  *float64         `json:"agent_value,omitempty"`
	ExpectValue *float64         `json:"expect_value,omitempty"`
	Delta       *float64         `json:"delta,omitempty"`
	Passed      bool             `json:"passed"`
	Category    *FailureCategory `json:"category,omitempty"`
	GroundDAX   string           `json:"ground_dax"`
	// RawError preserves the raw engine failure, set only when an external
	// call failed or returned nothing. ShapeError preserves a normalizer
	// rejection. At most one of the two is set.
	RawError   string    `json:"raw_error,omitempty"`
	ShapeError string    `json:"shape_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Failed reports whether the outcome is a failure of any kind.
func (o *RunOutcome) Failed() bool {
	return !o.Passed
}

// Is reports whether the outcome failed with the given category.
func (o *RunOutcome) Is(c FailureCategory) bool {
	return !o.Passed && o.Category != nil && *o.Category == c
}

// RunSummary aggregates one suite run for reporting.
type RunSummary struct {
	RunID      uuid.UUID `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Errors     int       `json:"errors"`
}

// Accuracy returns the pass rate, or 0 for an empty run.
func (s *RunSummary) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passed) / float64(s.Total)
}

// Summarize builds a RunSummary from a batch of outcomes.
func Summarize(runID uuid.UUID, started, finished time.Time, outcomes []RunOutcome) RunSummary {
	s := RunSummary{RunID: runID, StartedAt: started, FinishedAt: finished, Total: len(outcomes)}
	for i := range outcomes {
		o := &outcomes[i]
		switch {
		case o.Passed:
			s.Passed++
		case o.Is(CategoryEngineError):
			s.Errors++
		default:
			s.Failed++
		}
	}
	return s
}
