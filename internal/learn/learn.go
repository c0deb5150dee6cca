// Package learn converts categorized run failures into knowledge store
// mutations: validated few-shot examples for one-off mistakes, instruction
// revisions for systemic ones, quarantine for unexplainable drift. Nothing
// enters the store without passing the validation gate.
package learn

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kamilpajak/veritas/internal/analyze"
	"github.com/kamilpajak/veritas/internal/compare"
	"github.com/kamilpajak/veritas/internal/embed"
	"github.com/kamilpajak/veritas/internal/engine"
	"github.com/kamilpajak/veritas/internal/normalize"
	"github.com/kamilpajak/veritas/pkg/models"
)

// Store is the knowledge and case-state surface the controller needs.
// *database.DB satisfies it.
type Store interface {
	GetCaseStatus(ctx context.Context, caseID string) (models.CaseStatus, error)
	GetExampleByNormalizedQuestion(ctx context.Context, normalized string) (*models.FewShotExample, error)
	FindSimilarExample(ctx context.Context, embedding []float32, minSimilarity float64) (*models.FewShotExample, error)
	CountDistinctCasesWithCategory(ctx context.Context, category models.FailureCategory) (int, error)
	ApplyUpdate(ctx context.Context, update *models.KnowledgeUpdate) error
}

// CaseSource resolves a case id to its authored definition. *suite.Suite
// satisfies it.
type CaseSource interface {
	Case(id string) *models.TestCase
}

// Alert is an operational signal that requires a human, not a store
// mutation: engine failures and discarded proposals.
type Alert struct {
	CaseID  string `json:"case_id"`
	Kind    string `json:"kind"` // "engine-error", "validation-failed", "quarantined"
	Message string `json:"message"`
}

// Config holds the controller's policy thresholds.
type Config struct {
	// EscalateAfter is N: a category seen across at least N distinct cases
	// becomes an instruction revision instead of per-case examples.
	EscalateAfter int
	// QuarantineAfter is K: a case failing unclassified K times in a row is
	// quarantined for human review.
	QuarantineAfter int
	// DedupSimilarity is the minimum cosine similarity at which two
	// questions count as duplicates. Only used when an embedder is set.
	DedupSimilarity float64
}

// Controller implements the self-learning policy.
type Controller struct {
	store     Store
	truth     engine.Analytical
	validator engine.Analytical
	embedder  embed.Embedder
	cfg       Config
}

// New creates a Controller. truth executes ground-truth queries; validator
// executes candidate corrected queries (the two may be the same engine).
// embedder may be nil, in which case dedup uses normalized text only.
func New(store Store, truth, validator engine.Analytical, embedder embed.Embedder, cfg Config) *Controller {
	if cfg.EscalateAfter < 1 {
		cfg.EscalateAfter = 3
	}
	if cfg.QuarantineAfter < 1 {
		cfg.QuarantineAfter = 3
	}
	return &Controller{
		store:     store,
		truth:     truth,
		validator: validator,
		embedder:  embedder,
		cfg:       cfg,
	}
}

// Propose converts a batch of failing outcomes into a knowledge update plus
// operational alerts. The update is proposed, not applied: call Apply to
// commit it. Corrections supplies human-authored corrected queries keyed by
// case id; cases without one fall back to a derived suggestion where
// possible. Every candidate query is re-validated against ground truth
// before it can become an example.
func (c *Controller) Propose(ctx context.Context, cases CaseSource, failures []models.RunOutcome, corrections Corrections) (*models.KnowledgeUpdate, []Alert, error) {
	update := &models.KnowledgeUpdate{}
	var alerts []Alert

	escalated, err := c.escalatedCategories(ctx, failures)
	if err != nil {
		return nil, nil, err
	}

	// Batch-local dedup keys, so two failures for normalized-equal
	// questions in one batch cannot both produce examples.
	proposed := make(map[string]bool)

	for i := range failures {
		o := &failures[i]
		if o.Passed || o.Category == nil {
			continue
		}

		switch *o.Category {
		case models.CategoryEngineError:
			// Infrastructure, not agent reasoning. Never a store mutation.
			alerts = append(alerts, Alert{CaseID: o.CaseID, Kind: "engine-error", Message: o.RawError})

		case models.CategoryUnclassified:
			quarantine, err := c.shouldQuarantine(ctx, o.CaseID, update.Quarantined)
			if err != nil {
				return nil, nil, err
			}
			if quarantine {
				update.Quarantined = append(update.Quarantined, o.CaseID)
				alerts = append(alerts, Alert{
					CaseID:  o.CaseID,
					Kind:    "quarantined",
					Message: fmt.Sprintf("unclassified failure repeated %d times, needs human review", c.cfg.QuarantineAfter),
				})
			}

		case models.CategoryAggregationMismatch, models.CategoryFilterMismatch:
			if escalated[*o.Category] {
				// Systemic: handled by the instruction revision below.
				continue
			}
			example, alert, err := c.synthesizeExample(ctx, cases, o, corrections, proposed)
			if err != nil {
				return nil, nil, err
			}
			if alert != nil {
				alerts = append(alerts, *alert)
			}
			if example != nil {
				update.Examples = append(update.Examples, *example)
			}
		}
	}

	if instruction := c.buildInstruction(escalated, failures); instruction != nil {
		update.Instruction = instruction
	}

	return update, alerts, nil
}

// Apply commits a proposed update. A commit failure leaves the store
// untouched; the caller decides whether to retry.
func (c *Controller) Apply(ctx context.Context, update *models.KnowledgeUpdate) error {
	if update.Empty() {
		return nil
	}
	return c.store.ApplyUpdate(ctx, update)
}

// escalatedCategories returns the failure categories that have recurred
// across at least EscalateAfter distinct cases, counting the store's full
// history. Engine errors never escalate.
func (c *Controller) escalatedCategories(ctx context.Context, failures []models.RunOutcome) (map[models.FailureCategory]bool, error) {
	candidates := make(map[models.FailureCategory]bool)
	for i := range failures {
		o := &failures[i]
		if o.Category == nil || *o.Category == models.CategoryEngineError {
			continue
		}
		candidates[*o.Category] = true
	}

	escalated := make(map[models.FailureCategory]bool)
	for category := range candidates {
		n, err := c.store.CountDistinctCasesWithCategory(ctx, category)
		if err != nil {
			return nil, fmt.Errorf("count cases for %s: %w", category, err)
		}
		if n >= c.cfg.EscalateAfter {
			escalated[category] = true
		}
	}
	return escalated, nil
}

func (c *Controller) shouldQuarantine(ctx context.Context, caseID string, pending []string) (bool, error) {
	for _, id := range pending {
		if id == caseID {
			return false, nil
		}
	}
	status, err := c.store.GetCaseStatus(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("case status for %s: %w", caseID, err)
	}
	if status.State == models.StateQuarantined {
		return false, nil
	}
	return status.UnclassifiedStreak >= c.cfg.QuarantineAfter, nil
}

// synthesizeExample builds one validated few-shot example from a failing
// outcome, or returns nil when no candidate query exists, the question is a
// duplicate, or validation fails.
func (c *Controller) synthesizeExample(ctx context.Context, cases CaseSource, o *models.RunOutcome, corrections Corrections, proposed map[string]bool) (*models.FewShotExample, *Alert, error) {
	tc := cases.Case(o.CaseID)
	if tc == nil {
		return nil, nil, fmt.Errorf("outcome references unknown case %q", o.CaseID)
	}

	candidate := corrections[o.CaseID]
	if candidate == "" {
		candidate = SuggestCorrection(o)
	}
	if candidate == "" {
		return nil, nil, nil
	}

	normalized := NormalizeQuestion(o.Question)
	if proposed[normalized] {
		return nil, nil, nil
	}

	duplicate, embedding, err := c.isDuplicate(ctx, o.Question, normalized)
	if err != nil {
		return nil, nil, err
	}
	if duplicate {
		return nil, nil, nil
	}

	validated, err := c.validate(ctx, tc, candidate)
	if err != nil {
		return nil, nil, err
	}
	if !validated {
		alert := &Alert{
			CaseID:  o.CaseID,
			Kind:    "validation-failed",
			Message: fmt.Sprintf("corrected query rejected by ground-truth re-check: %s", candidate),
		}
		return nil, alert, nil
	}

	proposed[normalized] = true
	status := models.ValidationValidated
	if corrections[o.CaseID] != "" {
		status = models.ValidationManual
	}
	return &models.FewShotExample{
		Question:           o.Question,
		NormalizedQuestion: normalized,
		SQL:                candidate,
		Status:             status,
		SourceRunID:        o.RunID,
		SourceCaseID:       o.CaseID,
		Embedding:          embedding,
	}, nil, nil
}

// isDuplicate checks normalized text equality always, embedding similarity
// when an embedder is configured. The computed embedding is returned so the
// accepted example stores it.
func (c *Controller) isDuplicate(ctx context.Context, question, normalized string) (bool, []float32, error) {
	existing, err := c.store.GetExampleByNormalizedQuestion(ctx, normalized)
	if err != nil {
		return false, nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		return true, nil, nil
	}

	if c.embedder == nil {
		return false, nil, nil
	}
	embedding, err := c.embedder.Embed(ctx, question)
	if err != nil {
		// Embedding is a refinement, not a gate: fall back to text dedup.
		return false, nil, nil
	}
	similar, err := c.store.FindSimilarExample(ctx, embedding, c.cfg.DedupSimilarity)
	if err != nil {
		return false, nil, fmt.Errorf("similarity lookup: %w", err)
	}
	return similar != nil, embedding, nil
}

// validate executes the candidate query and checks its result against the
// ground truth under the case's own tolerance.
func (c *Controller) validate(ctx context.Context, tc *models.TestCase, candidate string) (bool, error) {
	truthResult, err := c.truth.Execute(ctx, tc.GroundDAX)
	if err != nil {
		return false, fmt.Errorf("ground truth for %s: %w", tc.ID, err)
	}
	candidateResult, err := c.validator.Execute(ctx, candidate)
	if err != nil {
		// A candidate the engine rejects is a failed validation, not a
		// controller error.
		return false, nil
	}

	expected, err := normalize.Normalize(truthResult)
	if err != nil {
		return false, fmt.Errorf("ground-truth result for %s: %w", tc.ID, err)
	}
	actual, err := normalize.Normalize(candidateResult)
	if err != nil {
		return false, nil
	}

	outcome, err := compare.Compare(expected, actual, tc.Tolerance)
	if err != nil {
		return false, nil
	}
	return outcome.Pass, nil
}

// buildInstruction proposes one instruction revision covering every
// escalated category in the batch.
func (c *Controller) buildInstruction(escalated map[models.FailureCategory]bool, failures []models.RunOutcome) *models.Instruction {
	if len(escalated) == 0 {
		return nil
	}

	caseSet := make(map[string]bool)
	var categories []string
	for category := range escalated {
		categories = append(categories, string(category))
	}
	sort.Strings(categories)

	var texts []string
	for _, name := range categories {
		category := models.FailureCategory(name)
		for i := range failures {
			if failures[i].Is(category) {
				caseSet[failures[i].CaseID] = true
			}
		}
		texts = append(texts, instructionText(category))
	}

	cases := make([]string, 0, len(caseSet))
	for id := range caseSet {
		cases = append(cases, id)
	}
	sort.Strings(cases)

	return &models.Instruction{
		Text: strings.Join(texts, " "),
		Rationale: fmt.Sprintf("category %s recurred across %d distinct cases, indicating a systemic gap rather than one-off mistakes",
			strings.Join(categories, ", "), len(cases)),
		SourceCases: cases,
	}
}

func instructionText(category models.FailureCategory) string {
	switch category {
	case models.CategoryAggregationMismatch:
		return "Match the aggregation function to the metric definition: use COUNT(DISTINCT ...) when counting entities, and never substitute a row count for a distinct count."
	case models.CategoryFilterMismatch:
		return "Apply every time window and category filter stated in the question; do not aggregate over the unfiltered table."
	default:
		return fmt.Sprintf("Review recurring %s failures before answering similar questions.", category)
	}
}

// SuggestCorrection derives a candidate corrected query from the failing
// outcome itself. Currently it handles the distinct-count case: ground
// truth counts distinct values while the agent counted rows over a named
// column. Suggestions still pass through the validation gate, so a wrong
// guess costs nothing.
func SuggestCorrection(o *models.RunOutcome) string {
	truthAgg, ok := analyze.DetectAggregate(o.GroundDAX)
	if !ok || truthAgg != analyze.AggCountDistinct {
		return ""
	}
	agentAgg, ok := analyze.DetectAggregate(o.AgentQuery)
	if !ok || agentAgg != analyze.AggCount {
		return ""
	}

	upper := strings.ToUpper(o.AgentQuery)
	idx := strings.Index(upper, "COUNT(")
	if idx < 0 {
		return ""
	}
	inner := o.AgentQuery[idx+len("COUNT("):]
	if strings.HasPrefix(strings.TrimSpace(inner), "*") {
		// COUNT(*) names no column to make distinct.
		return ""
	}
	return o.AgentQuery[:idx] + "COUNT(DISTINCT " + inner
}

// NormalizeQuestion canonicalizes a question for dedup: lowercase, strip
// punctuation, collapse whitespace.
func NormalizeQuestion(question string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(question) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
