package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kamilpajak/veritas/pkg/models"
	"github.com/pgvector/pgvector-go"
)

// exampleColumns is the standard column list for example queries.
const exampleColumns = `id, question, normalized_question, sql_text, status, source_run_id, source_case_id, created_at`

func scanExample(row pgx.Row) (*models.FewShotExample, error) {
	var e models.FewShotExample
	err := row.Scan(
		&e.ID, &e.Question, &e.NormalizedQuestion, &e.SQL, &e.Status,
		&e.SourceRunID, &e.SourceCaseID, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExamples returns all accepted few-shot examples, oldest first.
func (db *DB) ListExamples(ctx context.Context) ([]models.FewShotExample, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+exampleColumns+` FROM examples ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var examples []models.FewShotExample
	for rows.Next() {
		e, err := scanExample(rows)
		if err != nil {
			return nil, err
		}
		examples = append(examples, *e)
	}
	return examples, rows.Err()
}

// GetExampleByNormalizedQuestion returns the example for a normalized
// question, or nil when none exists. This is the text-level dedup check.
func (db *DB) GetExampleByNormalizedQuestion(ctx context.Context, normalized string) (*models.FewShotExample, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+exampleColumns+` FROM examples WHERE normalized_question = $1`,
		normalized,
	)
	return scanExample(row)
}

// FindSimilarExample returns the stored example whose embedding is within
// the given cosine similarity of the query embedding, or nil. Examples
// stored without embeddings are invisible to this check.
func (db *DB) FindSimilarExample(ctx context.Context, embedding []float32, minSimilarity float64) (*models.FewShotExample, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+exampleColumns+` FROM examples
		 WHERE embedding IS NOT NULL
		   AND 1 - (embedding <=> $1) >= $2
		 ORDER BY embedding <=> $1
		 LIMIT 1`,
		pgvector.NewVector(embedding), minSimilarity,
	)
	return scanExample(row)
}

// LatestInstruction returns the current instruction version, or nil when
// the agent has never been given one.
func (db *DB) LatestInstruction(ctx context.Context) (*models.Instruction, error) {
	var in models.Instruction
	err := db.pool.QueryRow(ctx,
		`SELECT id, version, text, rationale, source_cases, created_at
		 FROM instructions ORDER BY version DESC LIMIT 1`,
	).Scan(&in.ID, &in.Version, &in.Text, &in.Rationale, &in.SourceCases, &in.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ListInstructions returns the full instruction history, newest first, for
// rollback and audit.
func (db *DB) ListInstructions(ctx context.Context) ([]models.Instruction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, version, text, rationale, source_cases, created_at
		 FROM instructions ORDER BY version DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Instruction
	for rows.Next() {
		var in models.Instruction
		if err := rows.Scan(&in.ID, &in.Version, &in.Text, &in.Rationale, &in.SourceCases, &in.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, in)
	}
	return list, rows.Err()
}

// ApplyUpdate commits a knowledge update transactionally: every example and
// instruction addition lands, or none does. Instruction versions are
// assigned inside the transaction so concurrent updates cannot collide.
func (db *DB) ApplyUpdate(ctx context.Context, update *models.KnowledgeUpdate) error {
	if update.Empty() {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin knowledge update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()

	for i := range update.Examples {
		ex := &update.Examples[i]
		if ex.ID == uuid.Nil {
			ex.ID = uuid.New()
		}
		if ex.CreatedAt.IsZero() {
			ex.CreatedAt = now
		}

		var embedding any
		if len(ex.Embedding) > 0 {
			embedding = pgvector.NewVector(ex.Embedding)
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO examples (id, question, normalized_question, sql_text, status, source_run_id, source_case_id, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ex.ID, ex.Question, ex.NormalizedQuestion, ex.SQL, string(ex.Status),
			ex.SourceRunID, ex.SourceCaseID, embedding, ex.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert example for %q: %w", ex.Question, err)
		}
	}

	if update.Instruction != nil {
		in := update.Instruction
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = now
		}

		// Append-only versioning: next version is assigned here, not by
		// the caller.
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM instructions`,
		).Scan(&in.Version)
		if err != nil {
			return fmt.Errorf("failed to assign instruction version: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO instructions (id, version, text, rationale, source_cases, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			in.ID, in.Version, in.Text, in.Rationale, in.SourceCases, in.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert instruction: %w", err)
		}
	}

	if err := quarantineCases(ctx, tx, update.Quarantined); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
