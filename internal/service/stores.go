package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/iliyamo/wellness-appointments/internal/model"
	"github.com/iliyamo/wellness-appointments/internal/queue"
	"github.com/iliyamo/wellness-appointments/internal/safety"
)

// SettingsStore is the calendar half of the relational store.
type SettingsStore interface {
	GetSettings(ctx context.Context) (model.Settings, error)
	ListBlackouts(ctx context.Context) ([]string, error)
	ListOverrides(ctx context.Context) ([]model.DateOverride, error)
	ReplaceCalendar(ctx context.Context, s model.Settings, blackouts []string, overrides []model.DateOverride) error
}

// BookingStore persists appointment bookings.
type BookingStore interface {
	Create(ctx context.Context, b *model.Booking) error
	GetByID(ctx context.Context, id string) (*model.Booking, error)
	ListActiveInRange(ctx context.Context, from, to string, now time.Time) ([]model.Booking, error)
	FindBlocking(ctx context.Context, date, hhmm string, now time.Time) (*model.Booking, error)
	ExpireIfLapsed(ctx context.Context, id string, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
	SetPaymentReference(ctx context.Context, id, provider, reference string) error
	Confirm(ctx context.Context, id, provider, reference string, now time.Time) (model.ConfirmOutcome, *model.Booking, error)
}

// AttemptStore persists payment attempts.
type AttemptStore interface {
	Create(ctx context.Context, a *model.PaymentAttempt) error
	RecordInitiated(ctx context.Context, id, reference string, metadata json.RawMessage) error
	Resolve(ctx context.Context, id string, status model.AttemptStatus, errMsg string, metadata json.RawMessage) (bool, error)
	FindByReference(ctx context.Context, provider, reference string) (*model.PaymentAttempt, error)
	ListByBooking(ctx context.Context, bookingID string) ([]model.PaymentAttempt, error)
}

// EventPublisher announces confirmed appointments.  Delivery is best
// effort; a publish error never changes the outcome of a confirmation.
type EventPublisher interface {
	PublishAppointmentConfirmed(ctx context.Context, ev queue.AppointmentConfirmedEvent) error
}

// CacheInvalidator drops cached responses after the calendar changes.
type CacheInvalidator interface {
	Purge(ctx context.Context) error
}

// CrisisGate classifies free text for crisis language.
type CrisisGate interface {
	Check(text string) (safety.Match, bool)
	RedirectURL() string
}
