package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/iliyamo/wellness-appointments/internal/config"
)

// checkoutSessions is the subset of the Stripe session client we use.
type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type balanceReader interface {
	Get(params *stripe.BalanceParams) (*stripe.Balance, error)
}

// StripeProvider creates hosted Checkout Sessions and verifies them when
// the payer returns.
type StripeProvider struct {
	siteURL  string
	sessions checkoutSessions
	balance  balanceReader
}

// NewStripe builds the card checkout adapter.  With an empty secret key the
// adapter reports itself unconfigured.  A nil hc uses the SDK's default
// client.
func NewStripe(cfg config.StripeConfig, siteURL string, hc *http.Client) *StripeProvider {
	p := &StripeProvider{siteURL: strings.TrimRight(siteURL, "/")}
	if cfg.SecretKey != "" {
		var backends *stripe.Backends
		if hc != nil {
			backends = stripe.NewBackends(hc)
		}
		sc := &client.API{}
		sc.Init(cfg.SecretKey, backends)
		p.sessions = sc.CheckoutSessions
		p.balance = sc.Balance
	}
	return p
}

func (p *StripeProvider) Name() string { return Stripe }

func (p *StripeProvider) Configured() bool { return p.sessions != nil && p.siteURL != "" }

func (p *StripeProvider) Initiate(ctx context.Context, c Charge) (*InitiateResult, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	bid := url.QueryEscape(c.BookingID)
	desc := c.Description
	if desc == "" {
		desc = "Wellness session"
	}
	params := &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(c.Currency)),
				UnitAmount: stripe.Int64(c.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(desc),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		// {CHECKOUT_SESSION_ID} is substituted by Stripe and must stay unescaped.
		SuccessURL:        stripe.String(p.siteURL + "/booking/success?session_id={CHECKOUT_SESSION_ID}&booking_id=" + bid),
		CancelURL:         stripe.String(p.siteURL + "/booking/cancel?booking_id=" + bid),
		ClientReferenceID: stripe.String(c.BookingID),
	}
	if c.Email != "" {
		params.CustomerEmail = stripe.String(c.Email)
	}
	params.AddMetadata("booking_id", c.BookingID)

	s, err := p.sessions.New(params)
	if err != nil {
		return nil, stripeError(err)
	}
	meta, _ := json.Marshal(map[string]any{
		"session_id": s.ID,
		"status":     s.Status,
		"url":        s.URL,
	})
	return &InitiateResult{ExternalReference: s.ID, RedirectURL: s.URL, Metadata: meta}, nil
}

// VerifyCheckout reads the session back from Stripe.  The client's claim
// that it paid is never trusted.
func (p *StripeProvider) VerifyCheckout(ctx context.Context, sessionID string) (*CheckoutStatus, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	s, err := p.sessions.Get(sessionID, &stripe.CheckoutSessionParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return nil, stripeError(err)
	}
	bookingID := s.ClientReferenceID
	if bookingID == "" && s.Metadata != nil {
		bookingID = s.Metadata["booking_id"]
	}
	meta, _ := json.Marshal(map[string]any{
		"session_id":     s.ID,
		"status":         s.Status,
		"payment_status": s.PaymentStatus,
		"amount_total":   s.AmountTotal,
		"currency":       s.Currency,
	})
	return &CheckoutStatus{
		SessionID: s.ID,
		BookingID: bookingID,
		Paid:      s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:  meta,
	}, nil
}

// Probe reads the account balance, the cheapest authenticated call.
func (p *StripeProvider) Probe(ctx context.Context) error {
	if p.balance == nil {
		return ErrNotConfigured
	}
	if _, err := p.balance.Get(&stripe.BalanceParams{Params: stripe.Params{Context: ctx}}); err != nil {
		return stripeError(err)
	}
	return nil
}

func stripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Code == stripe.ErrorCodeResourceMissing || se.HTTPStatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		raw, _ := json.Marshal(map[string]any{"type": se.Type, "code": se.Code, "message": se.Msg})
		msg := "card checkout failed"
		if se.Msg != "" {
			msg += ": " + se.Msg
		}
		return &ProviderError{Provider: Stripe, Status: se.HTTPStatusCode, Message: msg, Raw: raw}
	}
	return transportError(Stripe, err)
}
