package learn

import (
	"context"

	"github.com/google/uuid"
	"github.com/kamilpajak/veritas/internal/engine"
	"github.com/kamilpajak/veritas/internal/suite"
	"github.com/kamilpajak/veritas/pkg/models"
)

// SuiteRunner executes one accuracy run. *runner.Runner satisfies it.
type SuiteRunner interface {
	Run(ctx context.Context, runID uuid.UUID, cases []models.TestCase, knowledge engine.Knowledge) (*models.RunSummary, []models.RunOutcome, error)
}

// KnowledgeReader loads the store content the agent consults.
type KnowledgeReader interface {
	ListExamples(ctx context.Context) ([]models.FewShotExample, error)
	LatestInstruction(ctx context.Context) (*models.Instruction, error)
}

// RunRecorder persists run summaries. May be nil on a Cycle for dry runs.
type RunRecorder interface {
	CreateRun(ctx context.Context, s *models.RunSummary) error
}

// Cycle drives the closed improvement loop: test, learn, re-test, until
// the target accuracy is reached or the iteration budget runs out.
type Cycle struct {
	Runner     SuiteRunner
	Controller *Controller
	Knowledge  KnowledgeReader
	Runs       RunRecorder

	TargetAccuracy float64
	MaxIterations  int
}

// CycleResult reports what the loop achieved.
type CycleResult struct {
	Iterations      int                 `json:"iterations"`
	InitialAccuracy float64             `json:"initial_accuracy"`
	FinalAccuracy   float64             `json:"final_accuracy"`
	TargetReached   bool                `json:"target_reached"`
	Summaries       []models.RunSummary `json:"summaries"`
	Alerts          []Alert             `json:"alerts,omitempty"`
}

// Run executes the loop over one suite. Each iteration reloads the
// knowledge store, so an update committed in iteration i shapes the agent's
// answers in iteration i+1.
func (c *Cycle) Run(ctx context.Context, s *suite.Suite, corrections Corrections) (*CycleResult, error) {
	maxIterations := c.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}

	result := &CycleResult{}
	for i := 0; i < maxIterations; i++ {
		knowledge, err := c.loadKnowledge(ctx)
		if err != nil {
			return nil, err
		}

		summary, outcomes, err := c.Runner.Run(ctx, uuid.New(), s.Cases, knowledge)
		if err != nil {
			return nil, err
		}
		if c.Runs != nil {
			if err := c.Runs.CreateRun(ctx, summary); err != nil {
				return nil, err
			}
		}

		result.Iterations++
		result.Summaries = append(result.Summaries, *summary)
		result.FinalAccuracy = summary.Accuracy()
		if i == 0 {
			result.InitialAccuracy = summary.Accuracy()
		}

		if summary.Accuracy() >= c.TargetAccuracy {
			result.TargetReached = true
			return result, nil
		}
		if i == maxIterations-1 {
			return result, nil
		}

		var failures []models.RunOutcome
		for _, o := range outcomes {
			if o.Failed() {
				failures = append(failures, o)
			}
		}

		update, alerts, err := c.Controller.Propose(ctx, s, failures, corrections)
		if err != nil {
			return nil, err
		}
		result.Alerts = append(result.Alerts, alerts...)
		if update.Empty() {
			// Nothing left to learn from; re-running would not change
			// anything.
			return result, nil
		}
		if err := c.Controller.Apply(ctx, update); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (c *Cycle) loadKnowledge(ctx context.Context) (engine.Knowledge, error) {
	examples, err := c.Knowledge.ListExamples(ctx)
	if err != nil {
		return engine.Knowledge{}, err
	}
	instruction, err := c.Knowledge.LatestInstruction(ctx)
	if err != nil {
		return engine.Knowledge{}, err
	}
	return engine.Knowledge{Examples: examples, Instruction: instruction}, nil
}
