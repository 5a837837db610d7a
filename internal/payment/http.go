package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultTimeout = 15 * time.Second

// NewHTTPClient returns the client adapters use for provider calls.  Every
// request is traced.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   defaultTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// maxBody bounds how much of a provider response is read.
const maxBody = 1 << 20

// doJSON sends body (when non-nil) as JSON and decodes a 2xx response into
// out.  The raw response is always returned so callers can keep it as
// attempt metadata.
func doJSON(ctx context.Context, hc *http.Client, method, url string, header http.Header, body, out any) (raw []byte, status int, err error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, 0, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return raw, resp.StatusCode, nil
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, resp.StatusCode, nil
}

func ok2xx(status int) bool { return status >= 200 && status <= 299 }

// rawJSON returns b when it is valid JSON, otherwise wraps it as a string
// so it can still be stored in a JSON column.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return s
}

// transportError wraps a network-level failure in a ProviderError.
func transportError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Message: "could not reach payment provider: " + err.Error()}
}
