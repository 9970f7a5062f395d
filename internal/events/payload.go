package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/fraudstream/internal/validation"
)

// Payload is the JSON object carried on the transactions topic. The
// message key is the raw bytes of ID.
type Payload struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	MerchantID string     `json:"merchant_id"`
	Amount     float64    `json:"amount"`
	Currency   string     `json:"currency"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// ToPayload builds the stream payload for e.
func (e *Event) ToPayload() Payload {
	p := Payload{
		ID:         e.ID,
		UserID:     e.UserID,
		MerchantID: e.MerchantID,
		Amount:     e.Amount,
		Currency:   e.Currency,
	}
	if !e.CreatedAt.IsZero() {
		ts := e.CreatedAt.UTC()
		p.CreatedAt = &ts
	}
	return p
}

// Encode marshals the payload to its wire form.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// wirePayload distinguishes absent from zero-valued fields.
type wirePayload struct {
	ID         *string    `json:"id"`
	UserID     string     `json:"user_id"`
	MerchantID *string    `json:"merchant_id"`
	Amount     *float64   `json:"amount"`
	Currency   string     `json:"currency"`
	CreatedAt  *time.Time `json:"created_at"`
}

// DecodePayload parses a stream message value. The fields needed for
// scoring (id, merchant_id, amount) must be present and well-typed; a
// string where a number belongs is rejected rather than coerced.
func DecodePayload(data []byte) (*Payload, error) {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %w", ErrInvalidEvent, err)
	}

	var errs validation.Errors
	if w.ID == nil || *w.ID == "" {
		errs = append(errs, validation.FieldError{Field: "id", Message: "is required"})
	}
	if w.MerchantID == nil || *w.MerchantID == "" {
		errs = append(errs, validation.FieldError{Field: "merchant_id", Message: "is required"})
	}
	if w.Amount == nil {
		errs = append(errs, validation.FieldError{Field: "amount", Message: "is required"})
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, errs)
	}

	return &Payload{
		ID:         *w.ID,
		UserID:     w.UserID,
		MerchantID: *w.MerchantID,
		Amount:     *w.Amount,
		Currency:   w.Currency,
		CreatedAt:  w.CreatedAt,
	}, nil
}
