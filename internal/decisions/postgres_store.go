package decisions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists decisions in the fraud_decisions table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed decision store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert is a single statement, so a row is either fully replaced or left
// untouched.
func (s *PostgresStore) Upsert(ctx context.Context, d *Decision) error {
	var explanation sql.NullString
	if d.Explanation != "" {
		explanation = sql.NullString{String: d.Explanation, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_decisions (id, event_id, model_version, score, decision, explanation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			score         = EXCLUDED.score,
			decision      = EXCLUDED.decision,
			explanation   = EXCLUDED.explanation,
			created_at    = EXCLUDED.created_at,
			model_version = EXCLUDED.model_version
	`,
		d.ID,
		d.EventID,
		d.ModelVersion,
		d.Score,
		string(d.Outcome),
		explanation,
		d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fraud decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*Decision, error) {
	d := &Decision{}
	var explanation sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, model_version, score, decision, explanation, created_at
		FROM fraud_decisions
		WHERE id = $1
	`, IDFor(eventID)).Scan(&d.ID, &d.EventID, &d.ModelVersion, &d.Score, &d.Outcome, &explanation, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fraud decision: %w", err)
	}
	d.Explanation = explanation.String
	return d, nil
}
