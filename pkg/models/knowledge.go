package models

import (
	"time"

	"github.com/google/uuid"
)

// ValidationStatus records how a few-shot example's query was verified.
type ValidationStatus string

const (
	ValidationValidated ValidationStatus = "validated"
	ValidationManual    ValidationStatus = "manual"
)

// FewShotExample is a validated (question, SQL) pair the agent consults
// when generating future queries. Examples are never invented: each one
// traces back to the run outcome it was derived from.
type FewShotExample struct {
	ID       uuid.UUID `json:"id"`
	Question string    `json:"question"`
	// NormalizedQuestion is the canonical dedup key for Question.
	NormalizedQuestion string           `json:"normalized_question"`
	SQL                string           `json:"sql"`
	Status             ValidationStatus `json:"status"`
	SourceRunID        uuid.UUID        `json:"source_run_id"`
	SourceCaseID       string           `json:"source_case_id"`
	// Embedding is the optional question embedding used for semantic dedup.
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Instruction is one version of the agent's standing guidance.
// Versions are append-only; the agent always reads the latest.
type Instruction struct {
	ID          uuid.UUID `json:"id"`
	Version     int       `json:"version"`
	Text        string    `json:"text"`
	Rationale   string    `json:"rationale"`
	SourceCases []string  `json:"source_cases,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// KnowledgeUpdate is a proposed, not-yet-committed knowledge store mutation.
// Either every part commits or none does.
type KnowledgeUpdate struct {
	Examples    []FewShotExample `json:"examples,omitempty"`
	Instruction *Instruction     `json:"instruction,omitempty"`
	Quarantined []string         `json:"quarantined,omitempty"`
}

// Empty reports whether the update contains no mutations.
func (u *KnowledgeUpdate) Empty() bool {
	return len(u.Examples) == 0 && u.Instruction == nil && len(u.Quarantined) == 0
}
