// Package model holds the appointment domain types shared by the store,
// the services and the HTTP layer.
package model

import "time"

// BookingStatus is the lifecycle state of an appointment booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingFailed    BookingStatus = "failed"
	BookingConflict  BookingStatus = "conflict"
	BookingExpired   BookingStatus = "expired"
)

// HoldDuration is how long a pending booking reserves its slot.
const HoldDuration = 15 * time.Minute

// Booking represents a row of appointment_bookings.  A booking starts as a
// pending hold and ends in exactly one terminal state.
//
// Fields:
//  ID               – server generated UUID.
//  Name/Email       – who the session is for.
//  Purpose          – free text reason, checked by the crisis gate.
//  Date/Time        – slot in the settings timezone (YYYY-MM-DD, HH:MM).
//  Status           – lifecycle state.
//  AmountCents      – price copied from settings at hold time.
//  HoldExpiresAt    – end of the reservation hold; nil once confirmed.
//  PaidAt           – set exactly once on confirmation.
//  PaymentProvider  – provider of the latest attempt while pending, then
//                     of the payment that settled the booking.
//  PaymentReference – provider reference matching PaymentProvider.
type Booking struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Email            string        `json:"email,omitempty"`
	Purpose          string        `json:"purpose,omitempty"`
	Date             string        `json:"date"`
	Time             string        `json:"time"`
	Status           BookingStatus `json:"status"`
	AmountCents      int64         `json:"amount_cents"`
	Currency         string        `json:"currency"`
	HoldExpiresAt    *time.Time    `json:"hold_expires_at"`
	CreatedAt        time.Time     `json:"created_at"`
	PaidAt           *time.Time    `json:"paid_at"`
	PaymentProvider  *string       `json:"payment_provider,omitempty"`
	PaymentReference *string       `json:"payment_reference,omitempty"`
}

// HoldLive reports whether the booking is pending with an unexpired hold.
func (b Booking) HoldLive(now time.Time) bool {
	return b.Status == BookingPending && b.HoldExpiresAt != nil && b.HoldExpiresAt.After(now)
}

// Blocks reports whether the booking occupies its slot at now: confirmed
// bookings always do, pending ones only while the hold is live.
func (b Booking) Blocks(now time.Time) bool {
	return b.Status == BookingConfirmed || b.HoldLive(now)
}

// EffectiveStatus returns the status as observed at now.  A pending booking
// whose hold has lapsed is expired even before the row is rewritten.
func (b Booking) EffectiveStatus(now time.Time) BookingStatus {
	if b.Status == BookingPending && !b.HoldLive(now) {
		return BookingExpired
	}
	return b.Status
}

// SetPayment records the provider and reference of the payment that
// settled the booking.  Empty values leave the fields unset.
func (b *Booking) SetPayment(provider, reference string) {
	b.PaymentProvider, b.PaymentReference = nil, nil
	if provider != "" {
		b.PaymentProvider = &provider
	}
	if reference != "" {
		b.PaymentReference = &reference
	}
}

// PaidBy reports whether provider and reference identify the payment that
// settled the booking.
func (b Booking) PaidBy(provider, reference string) bool {
	return reference != "" &&
		b.PaymentProvider != nil && *b.PaymentProvider == provider &&
		b.PaymentReference != nil && *b.PaymentReference == reference
}

// Public strips fields that should not be echoed back to anonymous callers.
func (b Booking) Public() Booking {
	b.Email = ""
	b.Purpose = ""
	return b
}

// BookedSlot is the anonymous view of a booking used by the availability
// endpoint.
type BookedSlot struct {
	Date   string        `json:"date"`
	Time   string        `json:"time"`
	Status BookingStatus `json:"status"`
}

// ConfirmOutcome describes what a confirmation did to a booking.
type ConfirmOutcome int

const (
	// ConfirmApplied means this call moved the booking to confirmed.
	ConfirmApplied ConfirmOutcome = iota
	// ConfirmAlready means the booking was confirmed before this call.
	ConfirmAlready
	// ConfirmConflict means a competing booking owns the slot.
	ConfirmConflict
)

func (o ConfirmOutcome) String() string {
	switch o {
	case ConfirmApplied:
		return "applied"
	case ConfirmAlready:
		return "already_confirmed"
	default:
		return "conflict"
	}
}
