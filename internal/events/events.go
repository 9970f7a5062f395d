// Package events defines the ingested transaction event and its durable,
// idempotent store.
//
// An event is written once, keyed by its caller-supplied ID. A second insert
// with the same ID is a no-op: not an error and not a second row. Events are
// never updated or deleted by the pipeline.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/fraudstream/internal/validation"
)

var (
	ErrNotFound     = errors.New("events: not found")
	ErrInvalidEvent = errors.New("events: invalid event")
)

// DefaultSource tags events that arrived through the HTTP API.
const DefaultSource = "api"

// DefaultCurrency is applied when the API body omits a currency.
const DefaultCurrency = "EUR"

// Field limits, mirrored by the transaction_events schema.
const (
	MaxIDLength       = 64
	MinCurrencyLength = 3
	MaxCurrencyLength = 8
)

// Event is a single inbound transaction.
type Event struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	UserID     string    `json:"user_id"`
	MerchantID string    `json:"merchant_id"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the event shape. The returned error wraps ErrInvalidEvent
// and, via errors.As, exposes validation.Errors with per-field detail.
func (e *Event) Validate() error {
	errs := validation.Run(
		validation.Required("id", e.ID),
		validation.MaxLength("id", e.ID, MaxIDLength),
		validation.Required("user_id", e.UserID),
		validation.MaxLength("user_id", e.UserID, MaxIDLength),
		validation.Required("merchant_id", e.MerchantID),
		validation.MaxLength("merchant_id", e.MerchantID, MaxIDLength),
		validation.Positive("amount", e.Amount),
		validation.LengthBetween("currency", e.Currency, MinCurrencyLength, MaxCurrencyLength),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, errs)
	}
	return nil
}

// ApplyDefaults fills source and currency when the caller left them empty.
func (e *Event) ApplyDefaults() {
	if e.Source == "" {
		e.Source = DefaultSource
	}
	if e.Currency == "" {
		e.Currency = DefaultCurrency
	}
}

// Store persists transaction events.
//
// Implementations must be safe for concurrent use; isolation between
// concurrent inserts is left to the storage engine.
type Store interface {
	// InsertIfAbsent stores the event unless one with the same ID exists.
	// It reports whether a new row was created. CreatedAt is assigned by
	// the store on first insert and copied back into e.
	InsertIfAbsent(ctx context.Context, e *Event) (created bool, err error)
	Get(ctx context.Context, id string) (*Event, error)
	// ListBefore returns events created before the cutoff and strictly
	// after the cursor, ordered by (CreatedAt, ID). A zero cursor starts at
	// the oldest event.
	ListBefore(ctx context.Context, before time.Time, after Cursor, limit int) ([]*Event, error)
}

// Cursor marks a position in the (CreatedAt, ID) ordering of events.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the cursor positioned at e.
func CursorOf(e *Event) Cursor {
	return Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// IsZero reports whether c is the start of the ordering.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

func (c Cursor) precedes(e *Event) bool {
	if c.IsZero() {
		return true
	}
	if e.CreatedAt.Equal(c.CreatedAt) {
		return c.ID < e.ID
	}
	return c.CreatedAt.Before(e.CreatedAt)
}
