package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists events in the transaction_events table.
// The schema lives in migrations/ and is applied with goose.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InsertIfAbsent relies on the primary key: ON CONFLICT DO NOTHING makes the
// insert idempotent without a read-then-write race between concurrent callers.
func (s *PostgresStore) InsertIfAbsent(ctx context.Context, e *Event) (bool, error) {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO transaction_events (id, source, user_id, merchant_id, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at
	`, e.ID, e.Source, e.UserID, e.MerchantID, e.Amount, e.Currency).Scan(&createdAt)

	switch {
	case err == nil:
		e.CreatedAt = createdAt
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		// Duplicate: report the original timestamp.
		if err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM transaction_events WHERE id = $1`, e.ID,
		).Scan(&createdAt); err == nil {
			e.CreatedAt = createdAt
		}
		return false, nil
	default:
		return false, fmt.Errorf("failed to insert transaction event: %w", err)
	}
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	e := &Event{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, user_id, merchant_id, amount, currency, created_at
		FROM transaction_events
		WHERE id = $1
	`, id).Scan(&e.ID, &e.Source, &e.UserID, &e.MerchantID, &e.Amount, &e.Currency, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListBefore(ctx context.Context, before time.Time, after Cursor, limit int) ([]*Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, source, user_id, merchant_id, amount, currency, created_at
			FROM transaction_events
			WHERE created_at < $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		`, before, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, source, user_id, merchant_id, amount, currency, created_at
			FROM transaction_events
			WHERE created_at < $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4
		`, before, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Source, &e.UserID, &e.MerchantID, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
