package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/wellness-appointments/internal/model"
	"github.com/iliyamo/wellness-appointments/internal/payment"
)

type paymentFixture struct {
	svc      *PaymentService
	bookings *memBookings
	attempts *memAttempts
	pub      *fakePublisher
	stripe   *fakeCheckout
	paypal   *fakeCapturer
	mpesa    *fakeMobile
}

func newPaymentFixture(t *testing.T, bs ...*model.Booking) *paymentFixture {
	t.Helper()
	f := &paymentFixture{
		bookings: newMemBookings(bs...),
		attempts: &memAttempts{},
		pub:      &fakePublisher{},
		stripe: &fakeCheckout{
			fakeProvider: &fakeProvider{name: payment.Stripe, configured: true,
				result: &payment.InitiateResult{ExternalReference: "cs_test_1", RedirectURL: "https://checkout.stripe.com/c/cs_test_1"}},
			sessions: map[string]*payment.CheckoutStatus{},
		},
		paypal: &fakeCapturer{
			fakeProvider: &fakeProvider{name: payment.PayPal, configured: true,
				result: &payment.InitiateResult{ExternalReference: "ORDER-1", RedirectURL: "https://www.sandbox.paypal.com/checkoutnow?token=ORDER-1"}},
		},
		mpesa: &fakeMobile{
			fakeProvider: &fakeProvider{name: payment.MPesa, configured: true,
				result: &payment.InitiateResult{ExternalReference: "ws_CO_1", Pending: true, Metadata: json.RawMessage(`{"ResponseCode":"0"}`)}},
			secret: "s3cret",
		},
	}
	reg := payment.NewRegistry(f.stripe, f.paypal, f.mpesa)
	f.svc = NewPaymentService(f.bookings, f.attempts, reg, f.pub, testMetrics())
	f.svc.now = func() time.Time { return testNow }
	n := 0
	f.svc.newID = func() string { n++; return fmt.Sprintf("a-%d", n) }
	return f
}

func TestInitiateMobileMoney(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))

	out, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: "b1", Provider: "MPESA", Phone: "0712345678"})
	require.NoError(t, err)
	assert.Equal(t, &InitiateOutput{AttemptID: "a-1", BookingID: "b1", Provider: "mpesa", ExternalReference: "ws_CO_1", Pending: true}, out)

	attempts := f.attempts.forBooking("b1")
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptPending, attempts[0].Status)
	assert.Equal(t, "ws_CO_1", *attempts[0].ExternalReference)
	assert.Equal(t, int64(1500), attempts[0].AmountCents)

	b := f.bookings.get("b1")
	assert.Equal(t, "mpesa", *b.PaymentProvider)
	assert.Equal(t, "ws_CO_1", *b.PaymentReference)
	require.Len(t, f.mpesa.charges, 1)
	assert.Equal(t, "0712345678", f.mpesa.charges[0].Phone)
	assert.Equal(t, int64(1500), f.mpesa.charges[0].AmountCents)
}

func TestInitiateRejectsBeforeWritingAttempt(t *testing.T) {
	confirmed := pendingBooking("done", "2026-10-19", "10:00", 0)
	confirmed.Status = model.BookingConfirmed
	cases := []struct {
		name string
		in   InitiateInput
		prep func(*paymentFixture)
		kind Kind
	}{
		{"missing booking id", InitiateInput{Provider: "stripe"}, nil, KindValidation},
		{"unknown booking", InitiateInput{BookingID: "nope", Provider: "stripe"}, nil, KindNotFound},
		{"confirmed booking", InitiateInput{BookingID: "done", Provider: "stripe"}, nil, KindConflict},
		{"unknown provider", InitiateInput{BookingID: "b1", Provider: "bitcoin"}, nil, KindValidation},
		{"provider not configured", InitiateInput{BookingID: "b1", Provider: "stripe"},
			func(f *paymentFixture) { f.stripe.configured = false }, KindConfig},
		{"missing phone", InitiateInput{BookingID: "b1", Provider: "mpesa"}, nil, KindValidation},
		{"invalid phone", InitiateInput{BookingID: "b1", Provider: "mpesa", Phone: "bad"}, nil, KindValidation},
		{"currency not collected by provider", InitiateInput{BookingID: "usd", Provider: "mpesa", Phone: "0712345678"}, nil, KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			usd := pendingBooking("usd", "2026-10-19", "11:00", 10*time.Minute)
			usd.Currency = "USD"
			f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute), confirmed, usd)
			if tc.prep != nil {
				tc.prep(f)
			}
			_, err := f.svc.Initiate(context.Background(), tc.in)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.Empty(t, f.attempts.rows)
		})
	}
}

func TestInitiateMapsAdapterCurrencyError(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	f.mpesa.err = fmt.Errorf("mpesa: %w %q", payment.ErrUnsupportedCurrency, "KES")

	_, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: "b1", Provider: "mpesa", Phone: "0712345678"})
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, model.AttemptFailed, f.attempts.forBooking("b1")[0].Status)
	assert.Equal(t, model.BookingPending, f.bookings.get("b1").Status)
}

func TestInitiateOnLapsedHoldExpiresBooking(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", -time.Second))

	_, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: "b1", Provider: "stripe"})
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, model.BookingExpired, f.bookings.get("b1").Status)
	assert.Empty(t, f.attempts.rows)
}

func TestInitiateCardFailureFailsBooking(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	f.stripe.err = &payment.ProviderError{Provider: payment.Stripe, Message: "card checkout is unavailable", Raw: json.RawMessage(`{"error":{"type":"api_error"}}`)}

	_, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: "b1", Provider: "stripe"})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindUpstream, se.Kind)
	assert.Equal(t, "card checkout is unavailable", se.Message)
	assert.Equal(t, model.BookingFailed, f.bookings.get("b1").Status)

	a := f.attempts.forBooking("b1")[0]
	assert.Equal(t, model.AttemptFailed, a.Status)
	assert.JSONEq(t, `{"error":{"type":"api_error"}}`, string(a.Metadata))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.PaymentAttemptsTotal.WithLabelValues("stripe", "failed")))
}

func TestInitiateMobileFailureKeepsHoldForRetry(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	f.mpesa.err = &payment.ProviderError{Provider: payment.MPesa, Status: 400, Message: "Invalid PhoneNumber"}

	_, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: "b1", Provider: "mpesa", Phone: "0712345678"})
	assert.Equal(t, KindUpstream, KindOf(err))
	assert.Equal(t, model.BookingPending, f.bookings.get("b1").Status)

	// The visitor switches provider while the hold is still live.
	out, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: "b1", Provider: "paypal"})
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", out.ExternalReference)
	assert.Len(t, f.attempts.forBooking("b1"), 2)
}

func initiatedStripe(t *testing.T, f *paymentFixture, bookingID string) {
	t.Helper()
	_, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: bookingID, Provider: "stripe"})
	require.NoError(t, err)
}

func TestConfirmCheckoutIsIdempotent(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	initiatedStripe(t, f, "b1")
	f.stripe.sessions["cs_test_1"] = &payment.CheckoutStatus{SessionID: "cs_test_1", BookingID: "b1", Paid: true}

	first, err := f.svc.ConfirmCheckout(context.Background(), "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, first.Status)
	assert.Nil(t, first.HoldExpiresAt)
	require.NotNil(t, first.PaidAt)

	second, err := f.svc.ConfirmCheckout(context.Background(), "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, first.PaidAt, second.PaidAt)
	assert.Equal(t, model.BookingConfirmed, second.Status)

	assert.Len(t, f.pub.events, 1)
	assert.Equal(t, "b1", f.pub.events[0].BookingID)
	assert.Equal(t, "a-1", f.pub.events[0].AttemptID)
	assert.Equal(t, model.AttemptSucceeded, f.attempts.forBooking("b1")[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.ConfirmationsTotal.WithLabelValues("stripe", "already_confirmed")))
}

func TestConfirmCheckoutUnpaidAndUnknown(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	initiatedStripe(t, f, "b1")
	f.stripe.sessions["cs_test_1"] = &payment.CheckoutStatus{SessionID: "cs_test_1", BookingID: "b1", Paid: false}

	_, err := f.svc.ConfirmCheckout(context.Background(), "cs_test_1")
	assert.Equal(t, KindPaymentIncomplete, KindOf(err))
	assert.Equal(t, 402, KindOf(err).Status())
	assert.Equal(t, model.BookingPending, f.bookings.get("b1").Status)

	_, err = f.svc.ConfirmCheckout(context.Background(), "cs_missing")
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = f.svc.ConfirmCheckout(context.Background(), " ")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestConfirmCheckoutFallsBackToClientReference(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	f.stripe.sessions["cs_orphan"] = &payment.CheckoutStatus{SessionID: "cs_orphan", BookingID: "b1", Paid: true}

	b, err := f.svc.ConfirmCheckout(context.Background(), "cs_orphan")
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, b.Status)
}

func TestOnlyOneBookingConfirmsPerSlot(t *testing.T) {
	f := newPaymentFixture(t,
		pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute),
		pendingBooking("b2", "2026-10-19", "09:00", 10*time.Minute),
	)
	f.stripe.sessions["cs_1"] = &payment.CheckoutStatus{SessionID: "cs_1", BookingID: "b1", Paid: true}
	f.stripe.sessions["cs_2"] = &payment.CheckoutStatus{SessionID: "cs_2", BookingID: "b2", Paid: true}

	_, err := f.svc.ConfirmCheckout(context.Background(), "cs_1")
	require.NoError(t, err)

	b2, err := f.svc.ConfirmCheckout(context.Background(), "cs_2")
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindConflict, se.Kind)
	assert.Contains(t, se.Message, "contact support")
	assert.Equal(t, model.BookingConflict, b2.Status)

	// A conflict is never revisited.
	_, err = f.svc.ConfirmCheckout(context.Background(), "cs_2")
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, model.BookingConfirmed, f.bookings.get("b1").Status)
	assert.Equal(t, model.BookingConflict, f.bookings.get("b2").Status)
	assert.Len(t, f.pub.events, 1)
}

func TestCapturePayPal(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	_, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: "b1", Provider: "paypal"})
	require.NoError(t, err)
	f.paypal.capture = &payment.CaptureResult{OrderID: "ORDER-1", ReferenceID: "b1", Completed: true}

	b, err := f.svc.CapturePayPal(context.Background(), "b1", "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.Equal(t, model.AttemptSucceeded, f.attempts.forBooking("b1")[0].Status)

	// Already confirmed: no second capture call.
	_, err = f.svc.CapturePayPal(context.Background(), "b1", "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.paypal.calls.Load())
}

func TestCapturePayPalOnConflictBookingSkipsCapture(t *testing.T) {
	lost := pendingBooking("b1", "2026-10-19", "09:00", 0)
	lost.Status = model.BookingConflict
	f := newPaymentFixture(t, lost)
	f.paypal.capture = &payment.CaptureResult{OrderID: "ORDER-1", ReferenceID: "b1", Completed: true}

	b, err := f.svc.CapturePayPal(context.Background(), "b1", "ORDER-1")
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindConflict, se.Kind)
	assert.Contains(t, se.Message, "contact support")
	require.NotNil(t, b)
	assert.Equal(t, model.BookingConflict, b.Status)
	assert.Equal(t, int32(0), f.paypal.calls.Load())
}

func TestCapturePayPalRejectsForeignOrIncompleteOrder(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))

	f.paypal.capture = &payment.CaptureResult{OrderID: "ORDER-9", ReferenceID: "someone-else", Completed: true}
	_, err := f.svc.CapturePayPal(context.Background(), "b1", "ORDER-9")
	assert.Equal(t, KindValidation, KindOf(err))

	f.paypal.capture = &payment.CaptureResult{OrderID: "ORDER-9", ReferenceID: "b1", Completed: false}
	_, err = f.svc.CapturePayPal(context.Background(), "b1", "ORDER-9")
	assert.Equal(t, KindPaymentIncomplete, KindOf(err))

	f.paypal.capture, f.paypal.err = nil, payment.ErrNotFound
	_, err = f.svc.CapturePayPal(context.Background(), "b1", "ORDER-404")
	assert.Equal(t, KindNotFound, KindOf(err))

	assert.Equal(t, model.BookingPending, f.bookings.get("b1").Status)
}

func initiatedMPesa(t *testing.T, f *paymentFixture, bookingID string) {
	t.Helper()
	_, err := f.svc.Initiate(context.Background(), InitiateInput{BookingID: bookingID, Provider: "mpesa", Phone: "0712345678"})
	require.NoError(t, err)
}

func TestWebhookFailureLeavesBookingPending(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	initiatedMPesa(t, f, "b1")

	ack, err := f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret",
		[]byte(`{"ref":"ws_CO_1","ok":false,"code":"1032","desc":"Request cancelled by user"}`))
	require.NoError(t, err)
	assert.Equal(t, f.mpesa.Ack(), ack)

	a := f.attempts.forBooking("b1")[0]
	assert.Equal(t, model.AttemptFailed, a.Status)
	assert.Equal(t, "Request cancelled by user", *a.ErrorMessage)
	assert.Equal(t, model.BookingPending, f.bookings.get("b1").Status)
	assert.Empty(t, f.pub.events)
}

func TestWebhookSuccessConfirmsOnce(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	initiatedMPesa(t, f, "b1")
	body := []byte(`{"ref":"ws_CO_1","ok":true,"code":"0"}`)

	_, err := f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret", body)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, f.bookings.get("b1").Status)
	assert.Equal(t, model.AttemptSucceeded, f.attempts.forBooking("b1")[0].Status)

	// Redelivery is a no-op.
	_, err = f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret", body)
	require.NoError(t, err)
	assert.Len(t, f.pub.events, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.WebhooksTotal.WithLabelValues("mpesa", "duplicate")))
}

func TestSecondPaidAttemptIsNotMarkedSucceeded(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	initiatedMPesa(t, f, "b1")
	f.mpesa.result = &payment.InitiateResult{ExternalReference: "ws_CO_2", Pending: true}
	initiatedMPesa(t, f, "b1")

	_, err := f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret", []byte(`{"ref":"ws_CO_1","ok":true,"code":"0"}`))
	require.NoError(t, err)
	_, err = f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret", []byte(`{"ref":"ws_CO_2","ok":true,"code":"0"}`))
	require.NoError(t, err)

	attempts := f.attempts.forBooking("b1")
	require.Len(t, attempts, 2)
	succeeded := 0
	for _, a := range attempts {
		if a.Status == model.AttemptSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, model.AttemptSucceeded, attempts[0].Status)
	assert.Equal(t, model.AttemptFailed, attempts[1].Status)
	require.NotNil(t, attempts[1].ErrorMessage)
	assert.Contains(t, *attempts[1].ErrorMessage, "refund")

	b := f.bookings.get("b1")
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.True(t, b.PaidBy("mpesa", "ws_CO_1"))
	assert.Len(t, f.pub.events, 1)
	assert.Equal(t, "a-1", f.pub.events[0].AttemptID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.metrics.PaymentAttemptsTotal.WithLabelValues("mpesa", "duplicate")))
}

func TestCheckoutAfterMobilePaymentIsDuplicate(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	initiatedStripe(t, f, "b1")
	initiatedMPesa(t, f, "b1")
	f.stripe.sessions["cs_test_1"] = &payment.CheckoutStatus{SessionID: "cs_test_1", BookingID: "b1", Paid: true}

	_, err := f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret", []byte(`{"ref":"ws_CO_1","ok":true}`))
	require.NoError(t, err)

	b, err := f.svc.ConfirmCheckout(context.Background(), "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, b.Status)
	assert.True(t, b.PaidBy("mpesa", "ws_CO_1"))

	attempts := f.attempts.forBooking("b1")
	assert.Equal(t, model.AttemptFailed, attempts[0].Status)
	assert.Equal(t, model.AttemptSucceeded, attempts[1].Status)
}

func TestWebhookAfterHoldLapsedStillConfirms(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	initiatedMPesa(t, f, "b1")
	f.svc.now = func() time.Time { return testNow.Add(20 * time.Minute) }

	_, err := f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret", []byte(`{"ref":"ws_CO_1","ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, f.bookings.get("b1").Status)
}

func TestWebhookAuthAndUnknownReference(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))

	_, err := f.svc.HandleWebhook(context.Background(), "mpesa", "wrong", []byte(`{}`))
	assert.Equal(t, KindUnauthorized, KindOf(err))

	ack, err := f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret", []byte(`{"ref":"ws_CO_unknown","ok":true}`))
	require.NoError(t, err)
	assert.NotNil(t, ack)

	_, err = f.svc.HandleWebhook(context.Background(), "mpesa", "s3cret", []byte(`not json`))
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = f.svc.HandleWebhook(context.Background(), "stripe", "s3cret", []byte(`{}`))
	assert.Equal(t, KindNotFound, KindOf(err))

	f.mpesa.secret = ""
	_, err = f.svc.HandleWebhook(context.Background(), "mpesa", "", []byte(`{}`))
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestStatusReportsLapsedHoldAsExpired(t *testing.T) {
	f := newPaymentFixture(t, pendingBooking("b1", "2026-10-19", "09:00", 10*time.Minute))
	initiatedMPesa(t, f, "b1")
	f.svc.now = func() time.Time { return testNow.Add(16 * time.Minute) }

	view, err := f.svc.Status(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingExpired, view.Booking.Status)
	assert.Empty(t, view.Booking.Purpose)
	assert.Empty(t, view.Booking.Email)
	assert.Equal(t, []string{"b1"}, f.bookings.expired)
	require.Len(t, view.Attempts, 1)

	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "ResponseCode")
	assert.NotContains(t, string(raw), "metadata")
	assert.NotContains(t, string(raw), "amani@example.com")

	_, err = f.svc.Status(context.Background(), "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}
