package learn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/kamilpajak/veritas/internal/embed"
	"github.com/kamilpajak/veritas/internal/engine"
	"github.com/kamilpajak/veritas/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for controller tests.
type memStore struct {
	statuses       map[string]models.CaseStatus
	examples       []models.FewShotExample
	instructions   []models.Instruction
	categoryCounts map[models.FailureCategory]int
	applied        []*models.KnowledgeUpdate
	applyErr       error
}

func newMemStore() *memStore {
	return &memStore{
		statuses:       make(map[string]models.CaseStatus),
		categoryCounts: make(map[models.FailureCategory]int),
	}
}

func (m *memStore) GetCaseStatus(_ context.Context, caseID string) (models.CaseStatus, error) {
	if s, ok := m.statuses[caseID]; ok {
		return s, nil
	}
	return models.CaseStatus{CaseID: caseID, State: models.StateUntested}, nil
}

func (m *memStore) GetExampleByNormalizedQuestion(_ context.Context, normalized string) (*models.FewShotExample, error) {
	for i := range m.examples {
		if m.examples[i].NormalizedQuestion == normalized {
			return &m.examples[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) FindSimilarExample(_ context.Context, embedding []float32, minSimilarity float64) (*models.FewShotExample, error) {
	for i := range m.examples {
		if cosine(m.examples[i].Embedding, embedding) >= minSimilarity {
			return &m.examples[i], nil
		}
	}
	return nil, nil
}

func (m *memStore) CountDistinctCasesWithCategory(_ context.Context, category models.FailureCategory) (int, error) {
	return m.categoryCounts[category], nil
}

func (m *memStore) ApplyUpdate(_ context.Context, update *models.KnowledgeUpdate) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	for _, ex := range update.Examples {
		for i := range m.examples {
			if m.examples[i].NormalizedQuestion == ex.NormalizedQuestion {
				return fmt.Errorf("duplicate normalized question %q", ex.NormalizedQuestion)
			}
		}
		ex.ID = uuid.New()
		m.examples = append(m.examples, ex)
	}
	if update.Instruction != nil {
		ins := *update.Instruction
		ins.ID = uuid.New()
		ins.Version = len(m.instructions) + 1
		m.instructions = append(m.instructions, ins)
	}
	for _, caseID := range update.Quarantined {
		m.statuses[caseID] = models.CaseStatus{CaseID: caseID, State: models.StateQuarantined}
	}
	m.applied = append(m.applied, update)
	return nil
}

func (m *memStore) ListExamples(context.Context) ([]models.FewShotExample, error) {
	return append([]models.FewShotExample(nil), m.examples...), nil
}

func (m *memStore) LatestInstruction(context.Context) (*models.Instruction, error) {
	if len(m.instructions) == 0 {
		return nil, nil
	}
	ins := m.instructions[len(m.instructions)-1]
	return &ins, nil
}

func (m *memStore) CreateRun(context.Context, *models.RunSummary) error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// caseMap is a CaseSource backed by a map.
type caseMap map[string]models.TestCase

func (m caseMap) Case(id string) *models.TestCase {
	if tc, ok := m[id]; ok {
		return &tc
	}
	return nil
}

func activeUsersCase() models.TestCase {
	return models.TestCase{
		ID:        "active-users-last-week",
		Question:  "How many active users last week?",
		GroundDAX: `EVALUATE ROW("n", CALCULATE(DISTINCTCOUNT(Usage[UserId]), DATESINPERIOD(...)))`,
		Shape:     models.ShapeScalar,
		Tolerance: models.ToleranceSpec{Mode: models.ToleranceRelativePercent, Threshold: 1.0},
	}
}

func aggregationFailure(caseID, question string) models.RunOutcome {
	category := models.CategoryAggregationMismatch
	return models.RunOutcome{
		RunID:      uuid.New(),
		CaseID:     caseID,
		Question:   question,
		AgentQuery: "SELECT COUNT(*) FROM Usage",
		GroundDAX:  `EVALUATE ROW("n", CALCULATE(DISTINCTCOUNT(Usage[UserId]), DATESINPERIOD(...)))`,
		Passed:     false,
		Category:   &category,
	}
}

// groundTruth120 answers every DAX query with 120.
func groundTruth120() *engine.MockAnalytical {
	return &engine.MockAnalytical{
		ExecuteFn: func(context.Context, string) (*models.QueryResult, error) {
			return models.Scalar("n", 120.0), nil
		},
	}
}

// validatorReturning answers every candidate query with the given value.
func validatorReturning(value float64) *engine.MockAnalytical {
	return &engine.MockAnalytical{
		ExecuteFn: func(context.Context, string) (*models.QueryResult, error) {
			return models.Scalar("n", value), nil
		},
	}
}

func TestProposeSynthesizesValidatedExample(t *testing.T) {
	store := newMemStore()
	c := New(store, groundTruth120(), validatorReturning(120.0), nil, Config{})

	cases := caseMap{"active-users-last-week": activeUsersCase()}
	failures := []models.RunOutcome{aggregationFailure("active-users-last-week", "How many active users last week?")}
	corrections := Corrections{
		"active-users-last-week": "SELECT COUNT(DISTINCT UserId) FROM Usage WHERE Date >= DATEADD(week, -1, GETDATE())",
	}

	update, alerts, err := c.Propose(context.Background(), cases, failures, corrections)
	require.NoError(t, err)
	assert.Empty(t, alerts)
	require.Len(t, update.Examples, 1)

	ex := update.Examples[0]
	assert.Equal(t, "how many active users last week", ex.NormalizedQuestion)
	assert.Equal(t, models.ValidationManual, ex.Status)
	assert.Equal(t, "active-users-last-week", ex.SourceCaseID)

	require.NoError(t, c.Apply(context.Background(), update))
	assert.Len(t, store.examples, 1)
}

func TestProposeDedupInvariant(t *testing.T) {
	store := newMemStore()
	c := New(store, groundTruth120(), validatorReturning(120.0), nil, Config{})

	cases := caseMap{
		"case-a": activeUsersCase(),
		"case-b": activeUsersCase(),
	}
	// Two failing cases asking the same question, differently punctuated.
	failures := []models.RunOutcome{
		aggregationFailure("case-a", "How many active users last week?"),
		aggregationFailure("case-b", "how many ACTIVE users, last week"),
	}
	corrections := Corrections{
		"case-a": "SELECT COUNT(DISTINCT UserId) FROM Usage",
		"case-b": "SELECT COUNT(DISTINCT UserId) FROM Usage",
	}

	update, _, err := c.Propose(context.Background(), cases, failures, corrections)
	require.NoError(t, err)
	assert.Len(t, update.Examples, 1)

	// After commit, re-proposing the same failure adds nothing.
	require.NoError(t, c.Apply(context.Background(), update))
	update, _, err = c.Propose(context.Background(), cases, failures[:1], corrections)
	require.NoError(t, err)
	assert.Empty(t, update.Examples)
}

func TestProposeSemanticDedupViaEmbeddings(t *testing.T) {
	store := newMemStore()
	store.examples = append(store.examples, models.FewShotExample{
		Question:           "What is the weekly active user count?",
		NormalizedQuestion: "what is the weekly active user count",
		SQL:                "SELECT COUNT(DISTINCT UserId) FROM Usage",
		Embedding:          []float32{0.1, 0.9, 0.2},
	})

	embedder := &embed.MockEmbedder{
		EmbedFn: func(context.Context, string) ([]float32, error) {
			// Near-parallel to the stored embedding.
			return []float32{0.11, 0.88, 0.21}, nil
		},
	}
	c := New(store, groundTruth120(), validatorReturning(120.0), embedder, Config{DedupSimilarity: 0.92})

	cases := caseMap{"active-users-last-week": activeUsersCase()}
	failures := []models.RunOutcome{aggregationFailure("active-users-last-week", "How many active users last week?")}
	corrections := Corrections{"active-users-last-week": "SELECT COUNT(DISTINCT UserId) FROM Usage"}

	update, _, err := c.Propose(context.Background(), cases, failures, corrections)
	require.NoError(t, err)
	assert.Empty(t, update.Examples)
}

func TestProposeRejectsFailedValidation(t *testing.T) {
	store := newMemStore()
	// Candidate evaluates to 300 against a ground truth of 120.
	c := New(store, groundTruth120(), validatorReturning(300.0), nil, Config{})

	cases := caseMap{"active-users-last-week": activeUsersCase()}
	failures := []models.RunOutcome{aggregationFailure("active-users-last-week", "How many active users last week?")}
	corrections := Corrections{"active-users-last-week": "SELECT COUNT(UserId) FROM Usage"}

	update, alerts, err := c.Propose(context.Background(), cases, failures, corrections)
	require.NoError(t, err)
	assert.Empty(t, update.Examples)
	require.Len(t, alerts, 1)
	assert.Equal(t, "validation-failed", alerts[0].Kind)

	// Rejection is idempotent: a second proposal rejects again, the store
	// never sees the bad correction.
	update, alerts, err = c.Propose(context.Background(), cases, failures, corrections)
	require.NoError(t, err)
	assert.Empty(t, update.Examples)
	assert.Len(t, alerts, 1)
	assert.Empty(t, store.examples)
}

func TestProposeEngineErrorNeverMutates(t *testing.T) {
	store := newMemStore()
	c := New(store, groundTruth120(), validatorReturning(120.0), nil, Config{})

	category := models.CategoryEngineError
	failures := []models.RunOutcome{{
		CaseID:   "flaky",
		Question: "q",
		Passed:   false,
		Category: &category,
		RawError: "agent call failed: 429",
	}}

	update, alerts, err := c.Propose(context.Background(), caseMap{}, failures, nil)
	require.NoError(t, err)
	assert.True(t, update.Empty())
	require.Len(t, alerts, 1)
	assert.Equal(t, "engine-error", alerts[0].Kind)
	assert.Contains(t, alerts[0].Message, "429")
}

func TestProposeQuarantineExactlyAtK(t *testing.T) {
	unclassified := models.CategoryUnclassified
	failure := models.RunOutcome{
		CaseID:   "drifting",
		Question: "q",
		Passed:   false,
		Category: &unclassified,
	}

	for streak, want := range map[int]bool{1: false, 2: false, 3: true, 4: true} {
		t.Run(fmt.Sprintf("streak=%d", streak), func(t *testing.T) {
			store := newMemStore()
			store.statuses["drifting"] = models.CaseStatus{
				CaseID:             "drifting",
				State:              models.StateFailing,
				UnclassifiedStreak: streak,
			}
			c := New(store, groundTruth120(), validatorReturning(120.0), nil, Config{QuarantineAfter: 3})

			update, _, err := c.Propose(context.Background(), caseMap{}, []models.RunOutcome{failure}, nil)
			require.NoError(t, err)
			if want {
				assert.Equal(t, []string{"drifting"}, update.Quarantined)
			} else {
				assert.Empty(t, update.Quarantined)
			}
		})
	}

	// Already-quarantined cases are not re-proposed.
	store := newMemStore()
	store.statuses["drifting"] = models.CaseStatus{CaseID: "drifting", State: models.StateQuarantined, UnclassifiedStreak: 5}
	c := New(store, groundTruth120(), validatorReturning(120.0), nil, Config{QuarantineAfter: 3})
	update, _, err := c.Propose(context.Background(), caseMap{}, []models.RunOutcome{failure}, nil)
	require.NoError(t, err)
	assert.Empty(t, update.Quarantined)
}

func TestProposeEscalatesToInstruction(t *testing.T) {
	store := newMemStore()
	// Aggregation mismatches have hit 3 distinct cases historically.
	store.categoryCounts[models.CategoryAggregationMismatch] = 3
	c := New(store, groundTruth120(), validatorReturning(120.0), nil, Config{EscalateAfter: 3})

	cases := caseMap{
		"case-a": activeUsersCase(),
		"case-b": activeUsersCase(),
	}
	failures := []models.RunOutcome{
		aggregationFailure("case-a", "How many active users last week?"),
		aggregationFailure("case-b", "How many sessions yesterday?"),
	}
	corrections := Corrections{
		"case-a": "SELECT COUNT(DISTINCT UserId) FROM Usage",
		"case-b": "SELECT COUNT(DISTINCT SessionId) FROM Usage",
	}

	update, _, err := c.Propose(context.Background(), cases, failures, corrections)
	require.NoError(t, err)

	// Systemic failures become one instruction, not per-case examples.
	assert.Empty(t, update.Examples)
	require.NotNil(t, update.Instruction)
	assert.Contains(t, update.Instruction.Text, "COUNT(DISTINCT")
	assert.ElementsMatch(t, []string{"case-a", "case-b"}, update.Instruction.SourceCases)
	assert.Contains(t, update.Instruction.Rationale, "2 distinct cases")
}

func TestApplyPropagatesCommitFailure(t *testing.T) {
	store := newMemStore()
	store.applyErr = errors.New("store unavailable")
	c := New(store, groundTruth120(), validatorReturning(120.0), nil, Config{})

	update := &models.KnowledgeUpdate{Quarantined: []string{"x"}}
	assert.Error(t, c.Apply(context.Background(), update))

	// Empty updates never touch the store.
	store.applyErr = errors.New("should not be called")
	assert.NoError(t, c.Apply(context.Background(), &models.KnowledgeUpdate{}))
}

func TestSuggestCorrection(t *testing.T) {
	tests := []struct {
		name       string
		agentQuery string
		groundDAX  string
		want       string
	}{
		{
			name:       "count column becomes count distinct",
			agentQuery: "SELECT COUNT(UserId) FROM Usage",
			groundDAX:  "EVALUATE ROW(\"n\", DISTINCTCOUNT(Usage[UserId]))",
			want:       "SELECT COUNT(DISTINCT UserId) FROM Usage",
		},
		{
			name:       "count star has no column to fix",
			agentQuery: "SELECT COUNT(*) FROM Usage",
			groundDAX:  "EVALUATE ROW(\"n\", DISTINCTCOUNT(Usage[UserId]))",
			want:       "",
		},
		{
			name:       "sum mismatch is not rewritable",
			agentQuery: "SELECT SUM(Amount) FROM Sales",
			groundDAX:  "EVALUATE ROW(\"n\", DISTINCTCOUNT(Sales[OrderId]))",
			want:       "",
		},
		{
			name:       "ground truth not distinct count",
			agentQuery: "SELECT COUNT(UserId) FROM Usage",
			groundDAX:  "EVALUATE ROW(\"n\", SUM(Usage[Amount]))",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &models.RunOutcome{AgentQuery: tt.agentQuery, GroundDAX: tt.groundDAX}
			assert.Equal(t, tt.want, SuggestCorrection(o))
		})
	}
}

func TestNormalizeQuestion(t *testing.T) {
	assert.Equal(t, "how many active users last week",
		NormalizeQuestion("  How many ACTIVE users,  last week?! "))
	assert.Equal(t, "top 5 regions by revenue",
		NormalizeQuestion("Top-5 regions by revenue"))
	assert.Equal(t, "", NormalizeQuestion("?!"))
}
