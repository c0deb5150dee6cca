package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kamilpajak/veritas/pkg/models"
)

// outcomeColumns is the standard column list for outcome queries.
const outcomeColumns = `id, run_id, case_id, question, agent_query, agent_value, expect_value, delta, passed, category, ground_dax, raw_error, shape_error, created_at`

func scanOutcome(row pgx.Row) (*models.RunOutcome, error) {
	var o models.RunOutcome
	var category *string
	err := row.Scan(
		&o.ID, &o.RunID, &o.CaseID, &o.Question, &o.AgentQuery,
		&o.AgentValue, &o.ExpectValue, &o.Delta, &o.Passed, &category,
		&o.GroundDAX, &o.RawError, &o.ShapeError, &o.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if category != nil {
		c := models.FailureCategory(*category)
		o.Category = &c
	}
	return &o, nil
}

// AppendOutcome appends one outcome to the log and advances the case's
// lifecycle state in the same transaction, so a partially recorded outcome
// is never visible. The log itself is append-only: nothing ever updates or
// deletes an outcome row.
func (db *DB) AppendOutcome(ctx context.Context, o *models.RunOutcome) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	var category *string
	if o.Category != nil {
		s := string(*o.Category)
		category = &s
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin outcome transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO outcomes (id, run_id, case_id, question, agent_query, agent_value, expect_value, delta, passed, category, ground_dax, raw_error, shape_error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		o.ID, o.RunID, o.CaseID, o.Question, o.AgentQuery, o.AgentValue,
		o.ExpectValue, o.Delta, o.Passed, category, o.GroundDAX,
		o.RawError, o.ShapeError, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}

	if err := advanceCaseState(ctx, tx, o); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListOutcomesParams filters the outcome log. Zero values mean no filter.
type ListOutcomesParams struct {
	CaseID string
	RunID  uuid.UUID
	Since  *time.Time
	Until  *time.Time
	Limit  int
}

// ListOutcomes returns outcomes matching the filters, newest first.
func (db *DB) ListOutcomes(ctx context.Context, params ListOutcomesParams) ([]models.RunOutcome, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}

	query := `SELECT ` + outcomeColumns + ` FROM outcomes WHERE 1=1`
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if params.CaseID != "" {
		query += ` AND case_id = ` + arg(params.CaseID)
	}
	if params.RunID != uuid.Nil {
		query += ` AND run_id = ` + arg(params.RunID)
	}
	if params.Since != nil {
		query += ` AND created_at >= ` + arg(*params.Since)
	}
	if params.Until != nil {
		query += ` AND created_at < ` + arg(*params.Until)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + arg(params.Limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []models.RunOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, *o)
	}
	return outcomes, rows.Err()
}

// ListRunFailures returns the failing outcomes of one run, oldest first,
// which is the controller's input batch.
func (db *DB) ListRunFailures(ctx context.Context, runID uuid.UUID) ([]models.RunOutcome, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes
		 WHERE run_id = $1 AND passed = false
		 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []models.RunOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, *o)
	}
	return outcomes, rows.Err()
}

// CountDistinctCasesWithCategory returns how many distinct test cases have
// ever failed with the given category. This drives instruction escalation:
// a category spread across many cases is systemic, not case-local.
func (db *DB) CountDistinctCasesWithCategory(ctx context.Context, category models.FailureCategory) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT case_id) FROM outcomes WHERE category = $1`,
		string(category),
	).Scan(&count)
	return count, err
}

// CreateRun stores the summary of one completed suite run.
func (db *DB) CreateRun(ctx context.Context, s *models.RunSummary) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, started_at, finished_at, total, passed, failed, errors)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.RunID, s.StartedAt, s.FinishedAt, s.Total, s.Passed, s.Failed, s.Errors,
	)
	return err
}

// ListRuns returns run summaries, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, started_at, finished_at, total, passed, failed, errors
		 FROM runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		var s models.RunSummary
		if err := rows.Scan(&s.RunID, &s.StartedAt, &s.FinishedAt, &s.Total, &s.Passed, &s.Failed, &s.Errors); err != nil {
			return nil, err
		}
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run summary, or nil when no run exists.
func (db *DB) LatestRun(ctx context.Context) (*models.RunSummary, error) {
	var s models.RunSummary
	err := db.pool.QueryRow(ctx,
		`SELECT id, started_at, finished_at, total, passed, failed, errors
		 FROM runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&s.RunID, &s.StartedAt, &s.FinishedAt, &s.Total, &s.Passed, &s.Failed, &s.Errors)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
