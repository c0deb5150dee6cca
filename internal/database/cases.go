package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/kamilpajak/veritas/pkg/models"
)

// GetCaseStatus returns the lifecycle status for a test case. Cases never
// seen before are untested.
func (db *DB) GetCaseStatus(ctx context.Context, caseID string) (models.CaseStatus, error) {
	status := models.CaseStatus{CaseID: caseID, State: models.StateUntested}
	err := db.pool.QueryRow(ctx,
		`SELECT state, unclassified_streak FROM case_states WHERE case_id = $1`,
		caseID,
	).Scan(&status.State, &status.UnclassifiedStreak)
	if errors.Is(err, pgx.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return status, err
	}
	return status, nil
}

// advanceCaseState applies the lifecycle transition for one outcome inside
// the outcome's own transaction.
func advanceCaseState(ctx context.Context, tx pgx.Tx, o *models.RunOutcome) error {
	current := models.CaseStatus{CaseID: o.CaseID, State: models.StateUntested}
	err := tx.QueryRow(ctx,
		`SELECT state, unclassified_streak FROM case_states WHERE case_id = $1 FOR UPDATE`,
		o.CaseID,
	).Scan(&current.State, &current.UnclassifiedStreak)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to read case state: %w", err)
	}

	next := current.Next(o.Passed, o.Category)
	_, err = tx.Exec(ctx,
		`INSERT INTO case_states (case_id, state, unclassified_streak, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (case_id) DO UPDATE
		 SET state = EXCLUDED.state,
		     unclassified_streak = EXCLUDED.unclassified_streak,
		     updated_at = EXCLUDED.updated_at`,
		next.CaseID, string(next.State), next.UnclassifiedStreak, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to advance case state: %w", err)
	}
	return nil
}

// quarantineCases marks the given cases as quarantined within a knowledge
// update transaction.
func quarantineCases(ctx context.Context, tx pgx.Tx, caseIDs []string) error {
	for _, id := range caseIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO case_states (case_id, state, unclassified_streak, updated_at)
			 VALUES ($1, $2, 0, $3)
			 ON CONFLICT (case_id) DO UPDATE
			 SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
			id, string(models.StateQuarantined), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to quarantine case %s: %w", id, err)
		}
	}
	return nil
}

// ReleaseCase returns a quarantined case to the failing state after human
// review, re-enabling automated remediation.
func (db *DB) ReleaseCase(ctx context.Context, caseID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE case_states SET state = $1, unclassified_streak = 0, updated_at = $2
		 WHERE case_id = $3 AND state = $4`,
		string(models.StateFailing), time.Now().UTC(), caseID, string(models.StateQuarantined),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("case %s is not quarantined", caseID)
	}
	return nil
}

// ListQuarantined returns the ids of all quarantined cases.
func (db *DB) ListQuarantined(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT case_id FROM case_states WHERE state = $1 ORDER BY case_id`,
		string(models.StateQuarantined),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
