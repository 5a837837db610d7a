package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/iliyamo/wellness-appointments/internal/config"
)

// AirtelProvider submits Airtel Money request-to-pay collections.  The
// server issues the transaction reference; the result arrives only through
// the Airtel webhook.
type AirtelProvider struct {
	cfg   config.AirtelConfig
	hc    *http.Client
	newID func() string
}

// NewAirtel builds the Airtel Money adapter.
func NewAirtel(cfg config.AirtelConfig, hc *http.Client) *AirtelProvider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.Country = strings.ToUpper(cfg.Country)
	cfg.Currency = strings.ToUpper(cfg.Currency)
	return &AirtelProvider{cfg: cfg, hc: hc, newID: newReference}
}

// newReference returns a 20 character reference derived from a random UUID.
func newReference() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func (p *AirtelProvider) Name() string { return Airtel }

func (p *AirtelProvider) Configured() bool {
	c := p.cfg
	return c.ClientID != "" && c.ClientSecret != "" && c.BaseURL != "" && c.WebhookSecret != "" &&
		dialCodes[c.Country] != "" && c.Currency != ""
}

func (p *AirtelProvider) WebhookSecret() string { return p.cfg.WebhookSecret }

// AcceptsCurrency reports whether code matches the configured wallet
// currency.
func (p *AirtelProvider) AcceptsCurrency(code string) bool {
	return p.cfg.Currency != "" && strings.EqualFold(strings.TrimSpace(code), p.cfg.Currency)
}

// NormalizePhone returns the subscriber number without the country calling
// code, which is how Airtel identifies the payer.
func (p *AirtelProvider) NormalizePhone(raw string) (string, error) {
	dial, ok := dialCodes[p.cfg.Country]
	if !ok {
		return "", fmt.Errorf("%w: unsupported country %q", ErrInvalidPhone, p.cfg.Country)
	}
	full, err := normalizeMSISDN(raw, dial)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(full, dial), nil
}

type airtelToken struct {
	AccessToken string `json:"access_token"`
}

// token posts the client credentials as a JSON body, which the Airtel
// gateway requires instead of a form-encoded request.
func (p *AirtelProvider) token(ctx context.Context) (string, error) {
	body := map[string]string{
		"client_id":     p.cfg.ClientID,
		"client_secret": p.cfg.ClientSecret,
		"grant_type":    "client_credentials",
	}
	var tok airtelToken
	raw, status, err := doJSON(ctx, p.hc, http.MethodPost, p.cfg.BaseURL+"/auth/oauth2/token", nil, body, &tok)
	if err != nil {
		return "", transportError(Airtel, err)
	}
	if !ok2xx(status) || tok.AccessToken == "" {
		return "", &ProviderError{Provider: Airtel, Status: status, Message: "Airtel authentication failed", Raw: rawJSON(raw)}
	}
	return tok.AccessToken, nil
}

type airtelPaymentResponse struct {
	Data struct {
		Transaction struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"transaction"`
	} `json:"data"`
	Status struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		ResultCode string `json:"result_code"`
		Success    bool   `json:"success"`
	} `json:"status"`
}

func (p *AirtelProvider) Initiate(ctx context.Context, c Charge) (*InitiateResult, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	if err := checkCurrency(p, c.Currency); err != nil {
		return nil, err
	}
	msisdn, err := p.NormalizePhone(c.Phone)
	if err != nil {
		return nil, err
	}
	tok, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	ref := p.newID()
	body := map[string]any{
		"reference": "Wellness session",
		"subscriber": map[string]string{
			"country":  p.cfg.Country,
			"currency": p.cfg.Currency,
			"msisdn":   msisdn,
		},
		"transaction": map[string]any{
			"amount":   wholeUnits(c.AmountCents),
			"country":  p.cfg.Country,
			"currency": p.cfg.Currency,
			"id":       ref,
		},
	}
	hdr := http.Header{
		"Authorization": {"Bearer " + tok},
		"X-Country":     {p.cfg.Country},
		"X-Currency":    {p.cfg.Currency},
	}
	var out airtelPaymentResponse
	raw, status, err := doJSON(ctx, p.hc, http.MethodPost, p.cfg.BaseURL+"/merchant/v1/payments/", hdr, body, &out)
	if err != nil {
		pe := transportError(Airtel, err)
		pe.Raw = rawJSON(raw)
		return nil, pe
	}
	if !ok2xx(status) || !out.Status.Success {
		if !ok2xx(status) {
			_ = json.Unmarshal(raw, &out)
		}
		msg := "Airtel Money request failed"
		if out.Status.Message != "" {
			msg += ": " + out.Status.Message
		}
		return nil, &ProviderError{Provider: Airtel, Status: status, Message: msg, Raw: rawJSON(raw)}
	}
	return &InitiateResult{ExternalReference: ref, Pending: true, Metadata: rawJSON(raw)}, nil
}

type airtelCallback struct {
	Transaction struct {
		ID            string `json:"id"`
		Message       string `json:"message"`
		StatusCode    string `json:"status_code"`
		AirtelMoneyID string `json:"airtel_money_id"`
	} `json:"transaction"`
}

// ParseCallback decodes a collection result.  status_code TS is success; TF
// and anything else is a failure.
func (p *AirtelProvider) ParseCallback(body []byte) (*CallbackResult, error) {
	var cb airtelCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("decode airtel callback: %w", err)
	}
	t := cb.Transaction
	if t.ID == "" {
		return nil, fmt.Errorf("decode airtel callback: missing transaction id")
	}
	return &CallbackResult{
		ExternalReference: t.ID,
		Success:           strings.EqualFold(t.StatusCode, "TS"),
		ResultCode:        t.StatusCode,
		Description:       t.Message,
		Metadata:          rawJSON(body),
	}, nil
}

// Ack is the body returned to Airtel after a callback is processed.
func (p *AirtelProvider) Ack() any {
	return map[string]any{"status": "ok"}
}

// Probe fetches an access token.
func (p *AirtelProvider) Probe(ctx context.Context) error {
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return ErrNotConfigured
	}
	_, err := p.token(ctx)
	return err
}
