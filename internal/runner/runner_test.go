package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/veritas/internal/engine"
	"github.com/kamilpajak/veritas/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLog is an in-memory OutcomeLog safe for concurrent appends.
type memLog struct {
	mu       sync.Mutex
	outcomes []models.RunOutcome
	failWith error
}

func (l *memLog) AppendOutcome(_ context.Context, o *models.RunOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failWith != nil {
		return l.failWith
	}
	l.outcomes = append(l.outcomes, *o)
	return nil
}

func scalarCase(id string, tolerance models.ToleranceSpec) models.TestCase {
	return models.TestCase{
		ID:        id,
		Question:  "How many total users?",
		GroundDAX: `EVALUATE ROW("n", DISTINCTCOUNT(Users[Id]))`,
		Shape:     models.ShapeScalar,
		Tolerance: tolerance,
	}
}

func relativeOnePercent() models.ToleranceSpec {
	return models.ToleranceSpec{Mode: models.ToleranceRelativePercent, Threshold: 1.0}
}

func TestRunPassWithinTolerance(t *testing.T) {
	agent := &engine.MockAgent{
		AskFn: func(context.Context, string, engine.Knowledge) (*engine.AgentAnswer, error) {
			return &engine.AgentAnswer{
				SQL:    "SELECT COUNT(DISTINCT Id) FROM Users",
				Result: models.Scalar("n", 121.0),
			}, nil
		},
	}
	truth := &engine.MockAnalytical{
		ExecuteFn: func(context.Context, string) (*models.QueryResult, error) {
			return models.Scalar("[n]", 120.0), nil
		},
	}
	log := &memLog{}
	r := New(agent, truth, log, Config{Workers: 1})

	summary, outcomes, err := r.Run(context.Background(), uuid.New(),
		[]models.TestCase{scalarCase("total-users", relativeOnePercent())}, engine.Knowledge{})
	require.NoError(t, err)

	require.Len(t, outcomes, 1)
	o := outcomes[0]
	assert.True(t, o.Passed)
	assert.Nil(t, o.Category)
	require.NotNil(t, o.Delta)
	assert.InDelta(t, 100.0/120.0, *o.Delta, 1e-9)
	require.NotNil(t, o.ExpectValue)
	assert.Equal(t, 120.0, *o.ExpectValue)
	require.NotNil(t, o.AgentValue)
	assert.Equal(t, 121.0, *o.AgentValue)

	assert.Equal(t, 1, summary.Passed)
	assert.Len(t, log.outcomes, 1)
}

func TestRunAggregationMismatch(t *testing.T) {
	agent := &engine.MockAgent{
		AskFn: func(context.Context, string, engine.Knowledge) (*engine.AgentAnswer, error) {
			return &engine.AgentAnswer{
				SQL:    "SELECT COUNT(*) FROM Users",
				Result: models.Scalar("n", 150.0),
			}, nil
		},
	}
	truth := &engine.MockAnalytical{
		ExecuteFn: func(context.Context, string) (*models.QueryResult, error) {
			return models.Scalar("n", 120.0), nil
		},
	}
	r := New(agent, truth, &memLog{}, Config{Workers: 1})

	summary, outcomes, err := r.Run(context.Background(), uuid.New(),
		[]models.TestCase{scalarCase("total-users", relativeOnePercent())}, engine.Knowledge{})
	require.NoError(t, err)

	require.Len(t, outcomes, 1)
	o := outcomes[0]
	assert.False(t, o.Passed)
	require.NotNil(t, o.Category)
	assert.Equal(t, models.CategoryAggregationMismatch, *o.Category)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Errors)
}

func TestRunEngineErrorRecordsBothFailures(t *testing.T) {
	agent := &engine.MockAgent{
		AskFn: func(context.Context, string, engine.Knowledge) (*engine.AgentAnswer, error) {
			return nil, &engine.CallError{Engine: "agent", Err: errors.New("429 too many requests")}
		},
	}
	truth := &engine.MockAnalytical{
		ExecuteFn: func(context.Context, string) (*models.QueryResult, error) {
			return nil, &engine.CallError{Engine: "ground-truth", Err: errors.New("dataset offline")}
		},
	}
	r := New(agent, truth, &memLog{}, Config{Workers: 1})

	summary, outcomes, err := r.Run(context.Background(), uuid.New(),
		[]models.TestCase{scalarCase("total-users", relativeOnePercent())}, engine.Knowledge{})
	require.NoError(t, err)

	o := outcomes[0]
	assert.True(t, o.Is(models.CategoryEngineError))
	assert.Contains(t, o.RawError, "429")
	assert.Contains(t, o.RawError, "dataset offline")
	assert.Empty(t, o.ShapeError)
	assert.Equal(t, 1, summary.Errors)

	// Both engines were still called.
	assert.Len(t, agent.Calls(), 1)
	assert.Len(t, truth.Calls(), 1)
}

func TestRunShapeMismatch(t *testing.T) {
	agent := &engine.MockAgent{
		AskFn: func(context.Context, string, engine.Knowledge) (*engine.AgentAnswer, error) {
			return &engine.AgentAnswer{
				SQL: "SELECT Region, Total FROM Sales",
				Result: &models.QueryResult{
					Columns: []string{"region", "total"},
					Rows:    [][]any{{"EMEA", 10.0}, {"APAC", 20.0}},
				},
			}, nil
		},
	}
	truth := &engine.MockAnalytical{
		ExecuteFn: func(context.Context, string) (*models.QueryResult, error) {
			return models.Scalar("total", 30.0), nil
		},
	}
	r := New(agent, truth, &memLog{}, Config{Workers: 1})

	_, outcomes, err := r.Run(context.Background(), uuid.New(),
		[]models.TestCase{scalarCase("total-sales", relativeOnePercent())}, engine.Knowledge{})
	require.NoError(t, err)

	o := outcomes[0]
	require.NotNil(t, o.Category)
	assert.Equal(t, models.CategoryShapeMismatch, *o.Category)
	assert.Contains(t, o.ShapeError, "scalar")
	assert.Empty(t, o.RawError)
}

func TestRunEmptyResultIsEngineError(t *testing.T) {
	agent := &engine.MockAgent{
		AskFn: func(context.Context, string, engine.Knowledge) (*engine.AgentAnswer, error) {
			return &engine.AgentAnswer{SQL: "SELECT 1", Result: &models.QueryResult{}}, nil
		},
	}
	truth := &engine.MockAnalytical{}
	r := New(agent, truth, &memLog{}, Config{Workers: 1})

	_, outcomes, err := r.Run(context.Background(), uuid.New(),
		[]models.TestCase{scalarCase("empty", relativeOnePercent())}, engine.Knowledge{})
	require.NoError(t, err)

	assert.True(t, outcomes[0].Is(models.CategoryEngineError))
	assert.Contains(t, outcomes[0].RawError, "agent result")
}

func TestRunWorkerPoolEvaluatesAllCases(t *testing.T) {
	agent := &engine.MockAgent{
		AskFn: func(_ context.Context, question string, _ engine.Knowledge) (*engine.AgentAnswer, error) {
			return &engine.AgentAnswer{SQL: "SELECT 1", Result: models.Scalar("v", 1.0)}, nil
		},
	}
	truth := &engine.MockAnalytical{
		ExecuteFn: func(context.Context, string) (*models.QueryResult, error) {
			return models.Scalar("v", 1.0), nil
		},
	}
	log := &memLog{}
	r := New(agent, truth, log, Config{Workers: 4})

	var cases []models.TestCase
	for i := 0; i < 20; i++ {
		cases = append(cases, scalarCase(fmt.Sprintf("case-%d", i), relativeOnePercent()))
	}

	summary, outcomes, err := r.Run(context.Background(), uuid.New(), cases, engine.Knowledge{})
	require.NoError(t, err)
	assert.Len(t, outcomes, 20)
	assert.Equal(t, 20, summary.Passed)
	assert.Len(t, log.outcomes, 20)

	seen := make(map[string]bool)
	for _, o := range log.outcomes {
		seen[o.CaseID] = true
	}
	assert.Len(t, seen, 20)
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	agent := &engine.MockAgent{
		AskFn: func(ctx context.Context, _ string, _ engine.Knowledge) (*engine.AgentAnswer, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	truth := &engine.MockAnalytical{}
	r := New(agent, truth, &memLog{}, Config{Workers: 1, CallTimeout: time.Second})

	var cases []models.TestCase
	for i := 0; i < 10; i++ {
		cases = append(cases, scalarCase(fmt.Sprintf("case-%d", i), relativeOnePercent()))
	}

	_, outcomes, err := r.Run(ctx, uuid.New(), cases, engine.Knowledge{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, len(outcomes), 10)
}

func TestRunLogFailureAborts(t *testing.T) {
	log := &memLog{failWith: errors.New("disk full")}
	r := New(&engine.MockAgent{}, &engine.MockAnalytical{}, log, Config{Workers: 1})

	_, _, err := r.Run(context.Background(), uuid.New(),
		[]models.TestCase{scalarCase("c", relativeOnePercent())}, engine.Knowledge{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunCallTimeout(t *testing.T) {
	agent := &engine.MockAgent{
		AskFn: func(ctx context.Context, _ string, _ engine.Knowledge) (*engine.AgentAnswer, error) {
			select {
			case <-ctx.Done():
				return nil, &engine.CallError{Engine: "agent", Err: ctx.Err()}
			case <-time.After(5 * time.Second):
				return &engine.AgentAnswer{SQL: "SELECT 1", Result: models.Scalar("v", 1.0)}, nil
			}
		},
	}
	r := New(agent, &engine.MockAnalytical{}, &memLog{}, Config{Workers: 1, CallTimeout: 20 * time.Millisecond})

	_, outcomes, err := r.Run(context.Background(), uuid.New(),
		[]models.TestCase{scalarCase("slow", relativeOnePercent())}, engine.Knowledge{})
	require.NoError(t, err)
	assert.True(t, outcomes[0].Is(models.CategoryEngineError))
	assert.Contains(t, outcomes[0].RawError, "deadline exceeded")
}

func TestTextEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := &TextEmitter{W: &buf}

	e.Emit(ProgressEvent{Type: "pass", Done: 1, Total: 3, CaseID: "a"})
	e.Emit(ProgressEvent{Type: "fail", Done: 2, Total: 3, CaseID: "b", Message: "aggregation-mismatch"})
	e.Emit(ProgressEvent{Type: "error", Done: 3, Total: 3, CaseID: "c", Message: "timeout"})
	e.Emit(ProgressEvent{Type: "done", Summary: &models.RunSummary{Total: 3, Passed: 1, Failed: 1, Errors: 1}})

	out := buf.String()
	assert.Contains(t, out, "[1/3] PASS a")
	assert.Contains(t, out, "[2/3] FAIL b: aggregation-mismatch")
	assert.Contains(t, out, "[3/3] ERROR c: timeout")
	assert.True(t, strings.Contains(out, "1/3 passed"))
}
