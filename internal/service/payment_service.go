package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/wellness-appointments/internal/metrics"
	"github.com/iliyamo/wellness-appointments/internal/model"
	"github.com/iliyamo/wellness-appointments/internal/payment"
	"github.com/iliyamo/wellness-appointments/internal/queue"
	"github.com/iliyamo/wellness-appointments/internal/repository"
)

const (
	conflictMessage = "This time slot was confirmed for someone else while your payment was processing. " +
		"Please contact support so we can rebook or refund you."
	duplicateMessage = "booking was already paid through another attempt; this payment needs a refund"
)

// PaymentService drives provider charges and reconciles their outcome with
// the booking.  Every confirmation, whichever path it arrives by, goes
// through BookingStore.Confirm.
type PaymentService struct {
	bookings  BookingStore
	attempts  AttemptStore
	providers *payment.Registry
	publisher EventPublisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	now   func() time.Time
	newID func() string
}

// NewPaymentService wires the payment service.  publisher may be nil.
func NewPaymentService(bookings BookingStore, attempts AttemptStore, providers *payment.Registry, publisher EventPublisher, m *metrics.Metrics) *PaymentService {
	return &PaymentService{
		bookings:  bookings,
		attempts:  attempts,
		providers: providers,
		publisher: publisher,
		metrics:   m,
		tracer:    otel.Tracer("github.com/iliyamo/wellness-appointments/internal/service"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// InitiateInput selects a provider for a held booking.  Phone is required
// for mobile money providers only.
type InitiateInput struct {
	BookingID string `json:"bookingId"`
	Provider  string `json:"provider"`
	Phone     string `json:"phone"`
}

// InitiateOutput tells the client what to do next: follow RedirectURL, or
// wait for the phone prompt when Pending is set.
type InitiateOutput struct {
	AttemptID         string `json:"attemptId"`
	BookingID         string `json:"bookingId"`
	Provider          string `json:"provider"`
	ExternalReference string `json:"externalReference"`
	RedirectURL       string `json:"redirectUrl,omitempty"`
	Pending           bool   `json:"pending"`
}

// Initiate records a pending attempt and starts a charge with the chosen
// provider.  Configuration and input problems are reported before any row
// is written.
func (s *PaymentService) Initiate(ctx context.Context, in InitiateInput) (*InitiateOutput, error) {
	in.BookingID = strings.TrimSpace(in.BookingID)
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	in.Phone = strings.TrimSpace(in.Phone)
	if in.BookingID == "" {
		return nil, newError(KindValidation, "bookingId is required")
	}
	if in.Provider == "" {
		return nil, newError(KindValidation, "provider is required")
	}

	ctx, span := s.tracer.Start(ctx, "payment.initiate", trace.WithAttributes(
		attribute.String("booking.id", in.BookingID),
		attribute.String("payment.provider", in.Provider),
	))
	defer span.End()

	b, err := s.loadHeldBooking(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}

	p, ok := s.providers.Get(in.Provider)
	if !ok {
		return nil, newError(KindValidation, "unsupported payment provider")
	}
	if !p.Configured() {
		return nil, newError(KindConfig, payment.ErrNotConfigured.Error())
	}
	if mm, isMobile := p.(payment.MobileMoney); isMobile {
		if in.Phone == "" {
			return nil, newError(KindValidation, "phone is required for mobile money")
		}
		if _, err := mm.NormalizePhone(in.Phone); err != nil {
			return nil, newError(KindValidation, "phone number is not valid for this provider")
		}
		if !mm.AcceptsCurrency(b.Currency) {
			return nil, newError(KindValidation, p.Name()+" cannot collect payments in "+b.Currency)
		}
	}

	now := s.now()
	attempt := &model.PaymentAttempt{
		ID:          s.newID(),
		BookingID:   b.ID,
		Provider:    p.Name(),
		AmountCents: b.AmountCents,
		Currency:    b.Currency,
		Status:      model.AttemptPending,
		CreatedAt:   now,
	}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		return nil, internalError(err)
	}
	span.SetAttributes(attribute.String("payment.attempt_id", attempt.ID))

	start := time.Now()
	res, err := p.Initiate(ctx, payment.Charge{
		BookingID:   b.ID,
		AmountCents: b.AmountCents,
		Currency:    b.Currency,
		Name:        b.Name,
		Email:       b.Email,
		Phone:       in.Phone,
		Description: "Wellness session " + b.Date + " " + b.Time,
	})
	s.metrics.ObserveProvider(p.Name(), "initiate", start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initiate failed")
		return nil, s.failAttempt(ctx, b, attempt, err)
	}

	if err := s.attempts.RecordInitiated(ctx, attempt.ID, res.ExternalReference, res.Metadata); err != nil {
		return nil, internalError(err)
	}
	if err := s.bookings.SetPaymentReference(ctx, b.ID, p.Name(), res.ExternalReference); err != nil {
		return nil, internalError(err)
	}
	s.metrics.PaymentAttemptsTotal.WithLabelValues(p.Name(), "initiated").Inc()
	slog.Info("payment initiated", "booking_id", b.ID, "attempt_id", attempt.ID, "provider", p.Name(), "pending", res.Pending)

	return &InitiateOutput{
		AttemptID:         attempt.ID,
		BookingID:         b.ID,
		Provider:          p.Name(),
		ExternalReference: res.ExternalReference,
		RedirectURL:       res.RedirectURL,
		Pending:           res.Pending,
	}, nil
}

// loadHeldBooking returns a pending booking whose hold is still live.  A
// lapsed hold is written back as expired.
func (s *PaymentService) loadHeldBooking(ctx context.Context, id string) (*model.Booking, error) {
	b, err := s.bookings.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, "booking not found")
	}
	if err != nil {
		return nil, internalError(err)
	}
	switch b.Status {
	case model.BookingPending:
	case model.BookingConfirmed:
		return nil, newError(KindConflict, "booking is already confirmed")
	default:
		return nil, newError(KindConflict, "booking is "+string(b.Status))
	}
	now := s.now()
	if !b.HoldLive(now) {
		if _, err := s.bookings.ExpireIfLapsed(ctx, b.ID, now); err != nil {
			slog.Warn("expire lapsed booking", "booking_id", b.ID, "error", err)
		}
		return nil, newError(KindConflict, "reservation hold has expired, please book again")
	}
	return b, nil
}

// failAttempt records a provider failure on the attempt.  Only a card
// checkout failure fails the booking; mobile money and PayPal leave the
// hold open so the visitor can try another provider.
func (s *PaymentService) failAttempt(ctx context.Context, b *model.Booking, a *model.PaymentAttempt, cause error) error {
	msg := "payment provider is unavailable, please try again"
	var raw json.RawMessage
	var pe *payment.ProviderError
	if errors.As(cause, &pe) {
		if pe.Message != "" {
			msg = pe.Message
		}
		raw = pe.Raw
	}
	if _, err := s.attempts.Resolve(ctx, a.ID, model.AttemptFailed, msg, raw); err != nil {
		slog.Error("record failed attempt", "attempt_id", a.ID, "error", err)
	}
	if a.Provider == payment.Stripe {
		if _, err := s.bookings.MarkFailed(ctx, b.ID); err != nil {
			slog.Error("mark booking failed", "booking_id", b.ID, "error", err)
		}
	}
	s.metrics.PaymentAttemptsTotal.WithLabelValues(a.Provider, "failed").Inc()
	slog.Warn("payment initiation failed", "booking_id", b.ID, "attempt_id", a.ID, "provider", a.Provider, "error", cause)

	switch {
	case errors.Is(cause, payment.ErrNotConfigured):
		return wrapError(KindConfig, payment.ErrNotConfigured.Error(), cause)
	case errors.Is(cause, payment.ErrInvalidPhone):
		return wrapError(KindValidation, "phone number is not valid for this provider", cause)
	case errors.Is(cause, payment.ErrUnsupportedCurrency):
		return wrapError(KindValidation, a.Provider+" cannot collect payments in "+a.Currency, cause)
	}
	return wrapError(KindUpstream, msg, cause)
}

// ConfirmCheckout verifies a hosted checkout session with the provider and
// confirms its booking.  Repeating the call for a confirmed booking returns
// it unchanged.
func (s *PaymentService) ConfirmCheckout(ctx context.Context, sessionID string) (*model.Booking, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, newError(KindValidation, "sessionId is required")
	}
	p, ok := s.providers.Get(payment.Stripe)
	verifier, canVerify := p.(payment.CheckoutVerifier)
	if !ok || !canVerify {
		return nil, newError(KindConfig, payment.ErrNotConfigured.Error())
	}
	if !p.Configured() {
		return nil, newError(KindConfig, payment.ErrNotConfigured.Error())
	}

	ctx, span := s.tracer.Start(ctx, "payment.confirm_checkout")
	defer span.End()

	start := time.Now()
	st, err := verifier.VerifyCheckout(ctx, sessionID)
	s.metrics.ObserveProvider(payment.Stripe, "verify", start)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		return nil, newError(KindNotFound, "checkout session not found")
	case err != nil:
		span.RecordError(err)
		return nil, wrapError(KindUpstream, "could not verify payment with the card processor", err)
	}
	if !st.Paid {
		return nil, newError(KindPaymentIncomplete, "payment has not completed")
	}

	bookingID := st.BookingID
	attempt, err := s.attempts.FindByReference(ctx, payment.Stripe, sessionID)
	switch {
	case err == nil:
		bookingID = attempt.BookingID
	case errors.Is(err, repository.ErrNotFound):
		attempt = nil
	default:
		return nil, internalError(err)
	}
	if bookingID == "" {
		return nil, newError(KindNotFound, "no booking is linked to this checkout session")
	}
	span.SetAttributes(attribute.String("booking.id", bookingID))
	return s.settle(ctx, payment.Stripe, sessionID, bookingID, attempt, st.Metadata)
}

// CapturePayPal captures an approved PayPal order and confirms the booking
// it references.
func (s *PaymentService) CapturePayPal(ctx context.Context, bookingID, orderID string) (*model.Booking, error) {
	bookingID = strings.TrimSpace(bookingID)
	orderID = strings.TrimSpace(orderID)
	if bookingID == "" || orderID == "" {
		return nil, newError(KindValidation, "bookingId and orderId are required")
	}
	p, ok := s.providers.Get(payment.PayPal)
	capturer, canCapture := p.(payment.OrderCapturer)
	if !ok || !canCapture || !p.Configured() {
		return nil, newError(KindConfig, payment.ErrNotConfigured.Error())
	}

	ctx, span := s.tracer.Start(ctx, "payment.capture_paypal", trace.WithAttributes(attribute.String("booking.id", bookingID)))
	defer span.End()

	b, err := s.bookings.GetByID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, "booking not found")
	}
	if err != nil {
		return nil, internalError(err)
	}
	switch b.Status {
	case model.BookingConfirmed:
		return b, nil
	case model.BookingConflict:
		return b, newError(KindConflict, conflictMessage)
	}

	attempt, err := s.attempts.FindByReference(ctx, payment.PayPal, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		attempt = nil
	} else if err != nil {
		return nil, internalError(err)
	}

	start := time.Now()
	res, err := capturer.CaptureOrder(ctx, orderID)
	s.metrics.ObserveProvider(payment.PayPal, "capture", start)
	if errors.Is(err, payment.ErrNotFound) {
		return nil, newError(KindNotFound, "PayPal order not found")
	}
	if err != nil {
		span.RecordError(err)
		msg := "could not capture PayPal payment"
		var pe *payment.ProviderError
		if errors.As(err, &pe) {
			msg = pe.Message
			if attempt != nil && attempt.BookingID == b.ID {
				if _, rerr := s.attempts.Resolve(ctx, attempt.ID, model.AttemptFailed, msg, pe.Raw); rerr != nil {
					slog.Error("record failed capture", "attempt_id", attempt.ID, "error", rerr)
				}
			}
		}
		return nil, wrapError(KindUpstream, msg, err)
	}
	if res.ReferenceID != b.ID {
		slog.Warn("paypal order references another booking", "booking_id", b.ID, "order_id", orderID)
		return nil, newError(KindValidation, "order does not belong to this booking")
	}
	if !res.Completed {
		return nil, newError(KindPaymentIncomplete, "payment has not completed")
	}
	if attempt != nil && attempt.BookingID != b.ID {
		attempt = nil
	}
	return s.settle(ctx, payment.PayPal, orderID, b.ID, attempt, res.Metadata)
}

// settle confirms a booking whose payment the provider has verified.  The
// attempt is resolved after Confirm so a store failure leaves it pending for
// the provider's redelivery.  Only the payment recorded on the booking by
// Confirm succeeds; any other verified payment for the same booking is a
// duplicate charge and its attempt is failed with a refund note.
func (s *PaymentService) settle(ctx context.Context, provider, reference, bookingID string, attempt *model.PaymentAttempt, meta json.RawMessage) (*model.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "booking.confirm", trace.WithAttributes(
		attribute.String("booking.id", bookingID),
		attribute.String("payment.provider", provider),
	))
	defer span.End()

	outcome, b, err := s.bookings.Confirm(ctx, bookingID, provider, reference, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, "booking not found")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		return nil, internalError(err)
	}
	span.SetAttributes(attribute.String("booking.confirm_outcome", outcome.String()))
	s.metrics.ConfirmationsTotal.WithLabelValues(provider, outcome.String()).Inc()

	paid := b.PaidBy(provider, reference)
	if !paid {
		slog.Warn("duplicate payment for settled booking", "booking_id", b.ID, "provider", provider,
			"reference", reference, "status", string(b.Status))
		s.metrics.PaymentAttemptsTotal.WithLabelValues(provider, "duplicate").Inc()
	}

	attemptID := ""
	if attempt != nil {
		attemptID = attempt.ID
		status, msg := model.AttemptSucceeded, ""
		if !paid {
			status, msg = model.AttemptFailed, duplicateMessage
		}
		if _, err := s.attempts.Resolve(ctx, attempt.ID, status, msg, meta); err != nil {
			slog.Error("record settled attempt", "attempt_id", attempt.ID, "status", string(status), "error", err)
		}
	}

	switch outcome {
	case model.ConfirmConflict:
		slog.Warn("paid booking lost its slot", "booking_id", b.ID, "date", b.Date, "time", b.Time, "provider", provider)
		return b, newError(KindConflict, conflictMessage)
	case model.ConfirmApplied:
		slog.Info("booking confirmed", "booking_id", b.ID, "attempt_id", attemptID, "provider", provider)
		s.announce(ctx, b, attemptID, provider)
	}
	return b, nil
}

func (s *PaymentService) announce(ctx context.Context, b *model.Booking, attemptID, provider string) {
	if s.publisher == nil {
		return
	}
	confirmedAt := s.now()
	if b.PaidAt != nil {
		confirmedAt = *b.PaidAt
	}
	ev := queue.AppointmentConfirmedEvent{
		BookingID:   b.ID,
		AttemptID:   attemptID,
		Provider:    provider,
		Date:        b.Date,
		Time:        b.Time,
		AmountCents: b.AmountCents,
		Currency:    b.Currency,
		ConfirmedAt: confirmedAt.Format(time.RFC3339),
	}
	if err := s.publisher.PublishAppointmentConfirmed(ctx, ev); err != nil {
		slog.Warn("publish appointment confirmed", "booking_id", b.ID, "error", err)
	}
}

// HandleWebhook reconciles a mobile money callback.  It returns the body
// the provider expects.  Unknown and already-settled attempts are
// acknowledged without changes so provider redelivery is harmless; a
// failed payment only marks the attempt, never the booking.
func (s *PaymentService) HandleWebhook(ctx context.Context, providerName, secret string, body []byte) (any, error) {
	p, ok := s.providers.Get(providerName)
	mm, isMobile := p.(payment.MobileMoney)
	if !ok || !isMobile {
		return nil, newError(KindNotFound, "unknown webhook")
	}
	expected := mm.WebhookSecret()
	if expected == "" {
		return nil, newError(KindConfig, payment.ErrNotConfigured.Error())
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) != 1 {
		s.metrics.WebhooksTotal.WithLabelValues(providerName, "rejected").Inc()
		return nil, newError(KindUnauthorized, "unauthorized")
	}

	ctx, span := s.tracer.Start(ctx, "payment.webhook", trace.WithAttributes(attribute.String("payment.provider", providerName)))
	defer span.End()

	cb, err := mm.ParseCallback(body)
	if err != nil {
		s.metrics.WebhooksTotal.WithLabelValues(providerName, "rejected").Inc()
		return nil, wrapError(KindValidation, "malformed callback", err)
	}

	attempt, err := s.attempts.FindByReference(ctx, providerName, cb.ExternalReference)
	if errors.Is(err, repository.ErrNotFound) {
		s.metrics.WebhooksTotal.WithLabelValues(providerName, "unknown").Inc()
		slog.Warn("webhook for unknown attempt", "provider", providerName, "reference", cb.ExternalReference)
		return mm.Ack(), nil
	}
	if err != nil {
		return nil, internalError(err)
	}
	span.SetAttributes(
		attribute.String("payment.attempt_id", attempt.ID),
		attribute.String("booking.id", attempt.BookingID),
	)
	if attempt.Status != model.AttemptPending {
		s.metrics.WebhooksTotal.WithLabelValues(providerName, "duplicate").Inc()
		return mm.Ack(), nil
	}

	if !cb.Success {
		msg := cb.Description
		if msg == "" {
			msg = "payment was not completed"
		}
		if _, err := s.attempts.Resolve(ctx, attempt.ID, model.AttemptFailed, msg, cb.Metadata); err != nil {
			return nil, internalError(err)
		}
		s.metrics.WebhooksTotal.WithLabelValues(providerName, "failed").Inc()
		slog.Info("mobile money payment failed", "booking_id", attempt.BookingID, "attempt_id", attempt.ID,
			"provider", providerName, "result_code", cb.ResultCode)
		return mm.Ack(), nil
	}

	if _, err := s.settle(ctx, providerName, cb.ExternalReference, attempt.BookingID, attempt, cb.Metadata); err != nil && KindOf(err) != KindConflict {
		return nil, err
	}
	s.metrics.WebhooksTotal.WithLabelValues(providerName, "succeeded").Inc()
	return mm.Ack(), nil
}

// StatusView is a booking with its attempt history.
type StatusView struct {
	Booking  model.Booking          `json:"booking"`
	Attempts []model.PaymentAttempt `json:"attempts"`
}

// Status reports a booking and its attempts.  A lapsed hold is reported as
// expired and written back; the response says expired even when the write
// loses a race.
func (s *PaymentService) Status(ctx context.Context, bookingID string) (*StatusView, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return nil, newError(KindValidation, "booking_id is required")
	}
	b, err := s.bookings.GetByID(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, newError(KindNotFound, "booking not found")
	}
	if err != nil {
		return nil, internalError(err)
	}
	now := s.now()
	if eff := b.EffectiveStatus(now); eff != b.Status {
		if _, err := s.bookings.ExpireIfLapsed(ctx, b.ID, now); err != nil {
			slog.Warn("expire lapsed booking", "booking_id", b.ID, "error", err)
		}
		b.Status = eff
	}
	attempts, err := s.attempts.ListByBooking(ctx, b.ID)
	if err != nil {
		return nil, internalError(err)
	}
	return &StatusView{Booking: b.Public(), Attempts: attempts}, nil
}
