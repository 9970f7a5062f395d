// Package decisions persists the fraud verdict produced for each
// transaction event.
//
// There is exactly one decision per event. The stream is at-least-once, so a
// redelivered event is scored again and its decision overwritten: Upsert is
// last-write-wins on every field, with no version check.
package decisions

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("decisions: not found")

// Outcome is the binary classification of a scored event.
type Outcome string

const (
	OutcomeFraud Outcome = "fraud"
	OutcomeLegit Outcome = "legit"
)

// IDPrefix is prepended to the event ID to form the decision ID.
const IDPrefix = "pred_"

// Decision is the persisted verdict for one event.
type Decision struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	ModelVersion string    `json:"model_version"`
	Score        float64   `json:"score"`
	Outcome      Outcome   `json:"decision"`
	Explanation  string    `json:"explanation,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IDFor derives the decision ID for an event. Deterministic so that
// redeliveries land on the same row.
func IDFor(eventID string) string {
	return IDPrefix + eventID
}

// Store persists decisions.
type Store interface {
	// Upsert inserts d or, on ID conflict, overwrites score, outcome,
	// explanation, model version, and created_at atomically.
	Upsert(ctx context.Context, d *Decision) error
	// Get returns the decision for an event ID.
	Get(ctx context.Context, eventID string) (*Decision, error)
}
