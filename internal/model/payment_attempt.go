package model

import (
	"encoding/json"
	"time"
)

// AttemptStatus is the state of a single provider charge attempt.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// PaymentAttempt records one initiation against a provider.  A booking may
// collect several attempts; only a succeeded attempt may confirm it.
// Metadata keeps the raw provider payload for operators and is never part of
// a client response.
type PaymentAttempt struct {
	ID                string          `json:"id"`
	BookingID         string          `json:"booking_id"`
	Provider          string          `json:"provider"`
	AmountCents       int64           `json:"amount_cents"`
	Currency          string          `json:"currency"`
	Status            AttemptStatus   `json:"status"`
	ExternalReference *string         `json:"external_reference"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	Metadata          json.RawMessage `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
