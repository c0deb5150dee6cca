// Package engine defines the two external collaborators the evaluation loop
// drives: the natural-language data agent under test and the analytical
// engine that computes ground truth. Both are opaque capability interfaces
// so either can be swapped or mocked without touching comparator or
// controller logic.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kamilpajak/veritas/pkg/models"
)

// AgentAnswer is what the agent returns for one question: the query it
// generated plus the executed result.
type AgentAnswer struct {
	SQL    string
	Result *models.QueryResult
}

// Knowledge is the current store content the agent consults while
// reasoning: accepted few-shot examples and the latest instruction version.
type Knowledge struct {
	Examples    []models.FewShotExample
	Instruction *models.Instruction
}

// Agent answers natural-language questions by generating and executing a
// query against the data warehouse.
type Agent interface {
	Ask(ctx context.Context, question string, knowledge Knowledge) (*AgentAnswer, error)
}

// Analytical executes a ground-truth query in the analytical engine's own
// query language and returns the computed result.
type Analytical interface {
	Execute(ctx context.Context, query string) (*models.QueryResult, error)
}

// CallError wraps any failure of an external engine call: transport errors,
// timeouts, non-2xx responses, malformed payloads. The raw cause is kept
// for the outcome's audit record.
type CallError struct {
	Engine string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Engine, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// IsCallError reports whether err is (or wraps) an engine call failure.
func IsCallError(err error) bool {
	var ce *CallError
	return errors.As(err, &ce)
}
