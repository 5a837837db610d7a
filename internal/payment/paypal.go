package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/iliyamo/wellness-appointments/internal/config"
)

// PayPalProvider creates Orders v2 checkout orders and captures them after
// the payer approves.
type PayPalProvider struct {
	cfg     config.PayPalConfig
	siteURL string
	hc      *http.Client
}

// NewPayPal builds the PayPal adapter.  hc is the underlying transport for
// both token and API calls.
func NewPayPal(cfg config.PayPalConfig, siteURL string, hc *http.Client) *PayPalProvider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &PayPalProvider{cfg: cfg, siteURL: strings.TrimRight(siteURL, "/"), hc: hc}
}

func (p *PayPalProvider) Name() string { return PayPal }

func (p *PayPalProvider) Configured() bool {
	return p.cfg.ClientID != "" && p.cfg.ClientSecret != "" && p.cfg.BaseURL != "" && p.siteURL != ""
}

func (p *PayPalProvider) credentials() *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		TokenURL:     p.cfg.BaseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
}

// client returns an HTTP client that fetches a bearer token on first use.
func (p *PayPalProvider) client(ctx context.Context) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.hc)
	c := p.credentials().Client(ctx)
	c.Timeout = p.hc.Timeout
	return c
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalOrder struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
	} `json:"purchase_units"`
}

type paypalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (p *PayPalProvider) Initiate(ctx context.Context, c Charge) (*InitiateResult, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	bid := url.QueryEscape(c.BookingID)
	desc := c.Description
	if desc == "" {
		desc = "Wellness session"
	}
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": c.BookingID,
			"description":  desc,
			"amount": map[string]string{
				"currency_code": strings.ToUpper(c.Currency),
				"value":         decimalAmount(c.AmountCents),
			},
		}},
		"application_context": map[string]string{
			"return_url":          p.siteURL + "/booking/paypal-return?booking_id=" + bid,
			"cancel_url":          p.siteURL + "/booking/cancel?booking_id=" + bid,
			"user_action":         "PAY_NOW",
			"shipping_preference": "NO_SHIPPING",
		},
	}
	var order paypalOrder
	raw, status, err := doJSON(ctx, p.client(ctx), http.MethodPost, p.cfg.BaseURL+"/v2/checkout/orders", nil, body, &order)
	if err != nil {
		return nil, paypalTransport(err, raw)
	}
	if !ok2xx(status) {
		return nil, paypalFailure(status, raw)
	}
	approve := ""
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	if order.ID == "" || approve == "" {
		return nil, &ProviderError{Provider: PayPal, Status: status, Message: "PayPal did not return an approval link", Raw: rawJSON(raw)}
	}
	return &InitiateResult{ExternalReference: order.ID, RedirectURL: approve, Metadata: rawJSON(raw)}, nil
}

// CaptureOrder captures an approved order.  An order that was already
// captured is read back and reported as completed, so a repeated capture
// call from the client is harmless.
func (p *PayPalProvider) CaptureOrder(ctx context.Context, orderID string) (*CaptureResult, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	hc := p.client(ctx)
	base := p.cfg.BaseURL + "/v2/checkout/orders/" + url.PathEscape(orderID)

	var order paypalOrder
	raw, status, err := doJSON(ctx, hc, http.MethodPost, base+"/capture", nil, struct{}{}, &order)
	if err != nil {
		return nil, paypalTransport(err, raw)
	}
	if status == http.StatusUnprocessableEntity && bytes.Contains(raw, []byte("ORDER_ALREADY_CAPTURED")) {
		order = paypalOrder{}
		raw, status, err = doJSON(ctx, hc, http.MethodGet, base, nil, nil, &order)
		if err != nil {
			return nil, paypalTransport(err, raw)
		}
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if !ok2xx(status) {
		return nil, paypalFailure(status, raw)
	}
	res := &CaptureResult{
		OrderID:   order.ID,
		Completed: order.Status == "COMPLETED",
		Metadata:  rawJSON(raw),
	}
	if len(order.PurchaseUnits) > 0 {
		res.ReferenceID = order.PurchaseUnits[0].ReferenceID
	}
	return res, nil
}

// Probe fetches an access token.
func (p *PayPalProvider) Probe(ctx context.Context) error {
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return ErrNotConfigured
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.hc)
	if _, err := p.credentials().Token(ctx); err != nil {
		return &ProviderError{Provider: PayPal, Message: "token request failed: " + err.Error()}
	}
	return nil
}

func paypalTransport(err error, raw []byte) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &ProviderError{Provider: PayPal, Status: status, Message: "PayPal authentication failed", Raw: rawJSON(re.Body)}
	}
	pe := transportError(PayPal, err)
	pe.Raw = rawJSON(raw)
	return pe
}

func paypalFailure(status int, raw []byte) error {
	var pe paypalError
	_ = json.Unmarshal(raw, &pe)
	msg := "PayPal request failed"
	switch {
	case len(pe.Details) > 0 && pe.Details[0].Description != "":
		msg += ": " + pe.Details[0].Description
	case pe.Message != "":
		msg += ": " + pe.Message
	}
	return &ProviderError{Provider: PayPal, Status: status, Message: msg, Raw: rawJSON(raw)}
}

// decimalAmount renders minor units as a two-decimal string: 1500 -> "15.00".
func decimalAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
