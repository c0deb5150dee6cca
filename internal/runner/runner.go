// Package runner drives one accuracy run: it fans a suite's test cases out
// over a bounded worker pool, asks the agent and the ground-truth engine
// independently, normalizes and compares the two results, categorizes
// failures, and appends every outcome to the log.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kamilpajak/veritas/internal/analyze"
	"github.com/kamilpajak/veritas/internal/compare"
	"github.com/kamilpajak/veritas/internal/engine"
	"github.com/kamilpajak/veritas/internal/normalize"
	"github.com/kamilpajak/veritas/pkg/models"
)

// OutcomeLog is the append-only sink for run outcomes. *database.DB
// satisfies it; tests use an in-memory implementation.
type OutcomeLog interface {
	AppendOutcome(ctx context.Context, o *models.RunOutcome) error
}

// Config tunes how a Runner executes a suite.
type Config struct {
	// Workers bounds concurrent case evaluations. Values below 1 mean 1.
	Workers int
	// CallTimeout caps each individual engine call, not the whole case.
	CallTimeout time.Duration
	// Progress receives per-case events. Nil means no progress output.
	Progress ProgressEmitter
}

// Runner executes accuracy runs against a fixed pair of engines.
type Runner struct {
	agent    engine.Agent
	truth    engine.Analytical
	log      OutcomeLog
	workers  int
	timeout  time.Duration
	progress ProgressEmitter
}

// New creates a Runner. log may be nil for dry runs that only need the
// returned outcomes.
func New(agent engine.Agent, truth engine.Analytical, log OutcomeLog, cfg Config) *Runner {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	progress := cfg.Progress
	if progress == nil {
		progress = NopEmitter{}
	}
	return &Runner{
		agent:    agent,
		truth:    truth,
		log:      log,
		workers:  workers,
		timeout:  timeout,
		progress: progress,
	}
}

// Run evaluates every case in the slice under the given knowledge snapshot.
// Outcomes are appended to the log as they complete; each append advances
// the case's lifecycle state atomically with the outcome record. The
// returned summary covers exactly the returned outcomes.
func (r *Runner) Run(ctx context.Context, runID uuid.UUID, cases []models.TestCase, knowledge engine.Knowledge) (*models.RunSummary, []models.RunOutcome, error) {
	started := time.Now().UTC()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan models.TestCase)
	results := make(chan *models.RunOutcome)

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tc := range jobs {
				select {
				case results <- r.evaluate(ctx, runID, tc, knowledge):
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, tc := range cases {
			select {
			case jobs <- tc:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]models.RunOutcome, 0, len(cases))
	for o := range results {
		if r.log != nil {
			if err := r.log.AppendOutcome(ctx, o); err != nil {
				cancel()
				return nil, outcomes, fmt.Errorf("append outcome for case %s: %w", o.CaseID, err)
			}
		}
		outcomes = append(outcomes, *o)
		r.emitOutcome(len(outcomes), len(cases), o)
	}

	if err := ctx.Err(); err != nil {
		return nil, outcomes, err
	}

	summary := models.Summarize(runID, started, time.Now().UTC(), outcomes)
	r.progress.Emit(ProgressEvent{Type: "done", Summary: &summary})
	return &summary, outcomes, nil
}

// evaluate runs one case end to end. It never returns an error: every
// failure mode becomes a recorded outcome so the run always has a complete
// audit trail.
func (r *Runner) evaluate(ctx context.Context, runID uuid.UUID, tc models.TestCase, knowledge engine.Knowledge) *models.RunOutcome {
	o := &models.RunOutcome{
		RunID:     runID,
		CaseID:    tc.ID,
		Question:  tc.Question,
		GroundDAX: tc.GroundDAX,
	}

	answer, agentErr := r.askAgent(ctx, tc.Question, knowledge)
	if agentErr == nil {
		o.AgentQuery = answer.SQL
	}
	truthResult, truthErr := r.askTruth(ctx, tc.GroundDAX)

	// Both calls happen regardless of the other's outcome: a ground-truth
	// failure should not hide what query the agent generated.
	if agentErr != nil || truthErr != nil {
		o.RawError = joinCallErrors(agentErr, truthErr)
		return r.categorized(o)
	}

	expected, err := normalize.Normalize(truthResult)
	if err != nil {
		o.RawError = fmt.Sprintf("ground-truth result: %v", err)
		return r.categorized(o)
	}
	actual, err := normalize.Normalize(answer.Result)
	if err != nil {
		o.RawError = fmt.Sprintf("agent result: %v", err)
		return r.categorized(o)
	}

	recordValues(o, expected, actual)

	result, err := compare.Compare(expected, actual, tc.Tolerance)
	if err != nil {
		var shapeErr *normalize.ShapeMismatchError
		if errors.As(err, &shapeErr) {
			o.ShapeError = shapeErr.Error()
		} else {
			o.RawError = err.Error()
		}
		return r.categorized(o)
	}

	o.Passed = result.Pass
	if result.HasDelta {
		delta := result.Delta
		o.Delta = &delta
	}
	return r.categorized(o)
}

func (r *Runner) askAgent(ctx context.Context, question string, knowledge engine.Knowledge) (*engine.AgentAnswer, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.agent.Ask(callCtx, question, knowledge)
}

func (r *Runner) askTruth(ctx context.Context, query string) (*models.QueryResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.truth.Execute(callCtx, query)
}

func (r *Runner) categorized(o *models.RunOutcome) *models.RunOutcome {
	if !o.Passed {
		category := analyze.Categorize(o)
		o.Category = &category
	}
	return o
}

func (r *Runner) emitOutcome(done, total int, o *models.RunOutcome) {
	ev := ProgressEvent{Done: done, Total: total, CaseID: o.CaseID}
	switch {
	case o.Passed:
		ev.Type = "pass"
	case o.Is(models.CategoryEngineError):
		ev.Type = "error"
		ev.Message = o.RawError
	default:
		ev.Type = "fail"
		if o.Category != nil {
			ev.Message = string(*o.Category)
		}
		if o.Delta != nil {
			ev.Message = fmt.Sprintf("%s (delta %.4g)", ev.Message, *o.Delta)
		}
	}
	r.progress.Emit(ev)
}

// recordValues captures scalar numeric values on the outcome so reports can
// show expected-vs-actual without re-running anything.
func recordValues(o *models.RunOutcome, expected, actual *normalize.Normalized) {
	if expected.Form == normalize.FormScalar && expected.Scalar.Numeric {
		v := expected.Scalar.Num
		o.ExpectValue = &v
	}
	if actual.Form == normalize.FormScalar && actual.Scalar.Numeric {
		v := actual.Scalar.Num
		o.AgentValue = &v
	}
}

func joinCallErrors(agentErr, truthErr error) string {
	var parts []string
	if agentErr != nil {
		parts = append(parts, describeCallError("agent", agentErr))
	}
	if truthErr != nil {
		parts = append(parts, describeCallError("ground-truth", truthErr))
	}
	return strings.Join(parts, "; ")
}

func describeCallError(engineName string, err error) string {
	if engine.IsCallError(err) {
		return err.Error()
	}
	return fmt.Sprintf("%s call failed: %v", engineName, err)
}
