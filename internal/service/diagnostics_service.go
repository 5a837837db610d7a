package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/wellness-appointments/internal/payment"
)

// ProbeTimeout bounds each live provider check.
const ProbeTimeout = 10 * time.Second

// ProviderReport is the readiness of one provider.  Ready is only present
// when a live check ran.
type ProviderReport struct {
	Configured bool   `json:"configured"`
	Ready      *bool  `json:"ready,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DiagnosticsService reports provider configuration for operators.  It never
// reads or writes bookings.
type DiagnosticsService struct {
	providers *payment.Registry
	timeout   time.Duration
}

func NewDiagnosticsService(providers *payment.Registry) *DiagnosticsService {
	return &DiagnosticsService{providers: providers, timeout: ProbeTimeout}
}

// Run returns one report per provider.  With live set, every configured
// provider is probed concurrently; without it no outbound call is made.
func (d *DiagnosticsService) Run(ctx context.Context, live bool) map[string]ProviderReport {
	all := d.providers.All()
	out := make(map[string]ProviderReport, len(all))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range all {
		rep := ProviderReport{Configured: p.Configured()}
		if !live {
			out[p.Name()] = rep
			continue
		}
		p := p
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, d.timeout)
			defer cancel()
			ready := false
			if err := p.Probe(pctx); err != nil {
				rep.Error = probeMessage(err)
			} else {
				ready = true
			}
			rep.Ready = &ready
			mu.Lock()
			out[p.Name()] = rep
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func probeMessage(err error) string {
	var pe *payment.ProviderError
	switch {
	case errors.Is(err, payment.ErrNotConfigured):
		return payment.ErrNotConfigured.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.As(err, &pe):
		return pe.Message
	}
	return err.Error()
}
