// Package payment contains one adapter per payment provider.  Every adapter
// satisfies Provider; the capability interfaces (CheckoutVerifier,
// OrderCapturer, MobileMoney) are implemented only by the providers whose
// confirmation flow needs them.
//
// Provider-specific details such as phone formats, amount encoding and token
// endpoints stay inside the adapter.  Callers deal in booking ids, minor
// units and ISO currency codes.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Provider names as stored in payment_attempts.provider.
const (
	Stripe = "stripe"
	PayPal = "paypal"
	MPesa  = "mpesa"
	Airtel = "airtel"
)

var (
	// ErrNotConfigured is returned when required credentials are absent.
	ErrNotConfigured = errors.New("missing configuration")
	// ErrNotFound is returned when the provider does not know a session or
	// order id.
	ErrNotFound = errors.New("not found at provider")
	// ErrInvalidPhone is returned for phone numbers that cannot be
	// normalised to the provider's format.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrUnsupportedCurrency is returned when a charge is not in the
	// currency the provider settles in.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// Charge is what the caller wants collected for one booking.
type Charge struct {
	BookingID   string
	AmountCents int64
	Currency    string
	Name        string
	Email       string
	Phone       string
	Description string
}

// InitiateResult is returned by a successful initiation.  Exactly one of
// RedirectURL or Pending is meaningful: redirect providers send the payer
// away, push providers wait for a webhook.
type InitiateResult struct {
	ExternalReference string
	RedirectURL       string
	Pending           bool
	Metadata          json.RawMessage
}

// Provider is the contract every adapter implements.
type Provider interface {
	Name() string
	// Configured reports whether all credentials required to initiate a
	// charge are present.  It never makes a network call.
	Configured() bool
	Initiate(ctx context.Context, c Charge) (*InitiateResult, error)
	// Probe fetches a token (or equivalent) to check the credentials work.
	Probe(ctx context.Context) error
}

// CheckoutStatus is the provider's view of a hosted checkout session.
type CheckoutStatus struct {
	SessionID string
	BookingID string
	Paid      bool
	Metadata  json.RawMessage
}

// CheckoutVerifier is implemented by hosted-checkout providers whose result
// the client reports back synchronously.
type CheckoutVerifier interface {
	VerifyCheckout(ctx context.Context, sessionID string) (*CheckoutStatus, error)
}

// CaptureResult is the outcome of capturing an approved order.
type CaptureResult struct {
	OrderID     string
	ReferenceID string
	Completed   bool
	Metadata    json.RawMessage
}

// OrderCapturer is implemented by providers that require an explicit
// capture after the payer approves.
type OrderCapturer interface {
	CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error)
}

// CallbackResult is a parsed asynchronous provider notification.
type CallbackResult struct {
	ExternalReference string
	Success           bool
	ResultCode        string
	Description       string
	Metadata          json.RawMessage
}

// MobileMoney is implemented by providers that push a prompt to the payer's
// phone and report the outcome through a webhook.
type MobileMoney interface {
	Provider
	NormalizePhone(raw string) (string, error)
	// AcceptsCurrency reports whether charges in the ISO code can be
	// collected.
	AcceptsCurrency(code string) bool
	ParseCallback(body []byte) (*CallbackResult, error)
	// WebhookSecret is the shared secret expected in the callback query.
	WebhookSecret() string
	// Ack is the response body the provider expects from the webhook.
	Ack() any
}

// ProviderError is a failed provider call.  Message is safe to show to the
// payer; Raw keeps the provider's response for operators.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
	Raw      json.RawMessage
}

func checkCurrency(mm MobileMoney, code string) error {
	if !mm.AcceptsCurrency(code) {
		return fmt.Errorf("%s: %w %q", mm.Name(), ErrUnsupportedCurrency, code)
	}
	return nil
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Registry looks providers up by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry indexes the given providers by Name().
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// All returns every provider sorted by name.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
