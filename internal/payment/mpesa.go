package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iliyamo/wellness-appointments/internal/config"
)

var nairobi = mustLoad("Africa/Nairobi")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("EAT", 3*60*60)
	}
	return loc
}

// MPesaProvider issues Daraja STK push prompts.  The outcome arrives later on
// the M-Pesa webhook.
type MPesaProvider struct {
	cfg config.MPesaConfig
	hc  *http.Client
	now func() time.Time
}

// NewMPesa builds the M-Pesa STK push adapter.
func NewMPesa(cfg config.MPesaConfig, hc *http.Client) *MPesaProvider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MPesaProvider{cfg: cfg, hc: hc, now: time.Now}
}

func (p *MPesaProvider) Name() string { return MPesa }

func (p *MPesaProvider) Configured() bool {
	c := p.cfg
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.ShortCode != "" && c.Passkey != "" &&
		c.BaseURL != "" && c.CallbackURL != "" && c.WebhookSecret != ""
}

func (p *MPesaProvider) WebhookSecret() string { return p.cfg.WebhookSecret }

// AcceptsCurrency reports whether code is KES, the only currency Daraja
// settles STK pushes in.
func (p *MPesaProvider) AcceptsCurrency(code string) bool {
	return strings.EqualFold(strings.TrimSpace(code), "KES")
}

// NormalizePhone returns the 2547XXXXXXXX form Daraja expects.
func (p *MPesaProvider) NormalizePhone(raw string) (string, error) {
	return normalizeMSISDN(raw, "254")
}

type mpesaToken struct {
	AccessToken string `json:"access_token"`
}

func (p *MPesaProvider) token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.ConsumerKey, p.cfg.ConsumerSecret)
	resp, err := p.hc.Do(req)
	if err != nil {
		return "", transportError(MPesa, err)
	}
	defer resp.Body.Close()
	var tok mpesaToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil || resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		return "", &ProviderError{Provider: MPesa, Status: resp.StatusCode, Message: "M-Pesa authentication failed"}
	}
	return tok.AccessToken, nil
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

func (p *MPesaProvider) Initiate(ctx context.Context, c Charge) (*InitiateResult, error) {
	if !p.Configured() {
		return nil, ErrNotConfigured
	}
	if err := checkCurrency(p, c.Currency); err != nil {
		return nil, err
	}
	phone, err := p.NormalizePhone(c.Phone)
	if err != nil {
		return nil, err
	}
	callback, err := withSecret(p.cfg.CallbackURL, p.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("mpesa callback url: %w", err)
	}
	tok, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	ts := p.now().In(nairobi).Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(p.cfg.ShortCode + p.cfg.Passkey + ts))
	account := c.BookingID
	if len(account) > 12 {
		account = account[:12]
	}
	body := map[string]any{
		"BusinessShortCode": p.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         ts,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            wholeUnits(c.AmountCents),
		"PartyA":            phone,
		"PartyB":            p.cfg.ShortCode,
		"PhoneNumber":       phone,
		"CallBackURL":       callback,
		"AccountReference":  account,
		"TransactionDesc":   "Wellness session",
	}
	var out stkPushResponse
	hdr := http.Header{"Authorization": {"Bearer " + tok}}
	raw, status, err := doJSON(ctx, p.hc, http.MethodPost, p.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", hdr, body, &out)
	if err != nil {
		pe := transportError(MPesa, err)
		pe.Raw = rawJSON(raw)
		return nil, pe
	}
	if !ok2xx(status) || out.ResponseCode != "0" || out.CheckoutRequestID == "" {
		if !ok2xx(status) {
			_ = json.Unmarshal(raw, &out)
		}
		msg := "M-Pesa request failed"
		switch {
		case out.ErrorMessage != "":
			msg += ": " + out.ErrorMessage
		case out.ResponseDescription != "":
			msg += ": " + out.ResponseDescription
		}
		return nil, &ProviderError{Provider: MPesa, Status: status, Message: msg, Raw: rawJSON(raw)}
	}
	return &InitiateResult{ExternalReference: out.CheckoutRequestID, Pending: true, Metadata: rawJSON(raw)}, nil
}

type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string          `json:"MerchantRequestID"`
			CheckoutRequestID string          `json:"CheckoutRequestID"`
			ResultCode        json.Number     `json:"ResultCode"`
			ResultDesc        string          `json:"ResultDesc"`
			CallbackMetadata  json.RawMessage `json:"CallbackMetadata,omitempty"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes an STK push result.  ResultCode 0 is success; any
// other code (1032 cancelled, 1037 timeout, ...) is a failure.
func (p *MPesaProvider) ParseCallback(body []byte) (*CallbackResult, error) {
	var cb stkCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("decode mpesa callback: %w", err)
	}
	s := cb.Body.StkCallback
	if s.CheckoutRequestID == "" {
		return nil, fmt.Errorf("decode mpesa callback: missing CheckoutRequestID")
	}
	code := s.ResultCode.String()
	return &CallbackResult{
		ExternalReference: s.CheckoutRequestID,
		Success:           code == "0",
		ResultCode:        code,
		Description:       s.ResultDesc,
		Metadata:          rawJSON(body),
	}, nil
}

// Ack is the body Daraja expects back from a callback.
func (p *MPesaProvider) Ack() any {
	return map[string]any{"ResultCode": 0, "ResultDesc": "Accepted"}
}

// Probe fetches an access token.
func (p *MPesaProvider) Probe(ctx context.Context) error {
	if p.cfg.ConsumerKey == "" || p.cfg.ConsumerSecret == "" {
		return ErrNotConfigured
	}
	_, err := p.token(ctx)
	return err
}

// wholeUnits converts minor units to whole currency units, rounding up.
func wholeUnits(cents int64) int64 {
	if cents <= 0 {
		return 0
	}
	return (cents + 99) / 100
}

func withSecret(raw, secret string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("secret", secret)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
