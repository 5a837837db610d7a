package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iliyamo/wellness-appointments/internal/metrics"
	"github.com/iliyamo/wellness-appointments/internal/model"
	"github.com/iliyamo/wellness-appointments/internal/payment"
	"github.com/iliyamo/wellness-appointments/internal/queue"
	"github.com/iliyamo/wellness-appointments/internal/repository"
)

// Monday 2026-10-12 08:00 in Nairobi.
var testNow = time.Date(2026, 10, 12, 5, 0, 0, 0, time.UTC)

func testMetrics() *metrics.Metrics { return metrics.New(prometheus.NewRegistry()) }

func mondaySettings() model.Settings {
	return model.Settings{
		BookingEnabled: true,
		PriceCents:     1500,
		Currency:       "KES",
		AvailableDays:  []string{"mon"},
		TimeSlots:      map[string][]string{"mon": {"09:00", "10:00"}},
		Timezone:       "Africa/Nairobi",
	}
}

type memSettings struct {
	settings  model.Settings
	blackouts []string
	overrides []model.DateOverride
	replaced  int
}

func (m *memSettings) GetSettings(context.Context) (model.Settings, error) { return m.settings, nil }
func (m *memSettings) ListBlackouts(context.Context) ([]string, error)    { return m.blackouts, nil }
func (m *memSettings) ListOverrides(context.Context) ([]model.DateOverride, error) {
	return m.overrides, nil
}
func (m *memSettings) ReplaceCalendar(_ context.Context, s model.Settings, b []string, o []model.DateOverride) error {
	m.settings, m.blackouts, m.overrides = s, b, o
	m.replaced++
	return nil
}

// memBookings mirrors BookingRepo, including the Confirm exclusivity rules.
type memBookings struct {
	mu   sync.Mutex
	rows map[string]*model.Booking
	// raceBlocker is returned by FindBlocking only, simulating a hold
	// inserted between the open-slot check and the insert.
	raceBlocker *model.Booking
	expired     []string
}

func newMemBookings(bs ...*model.Booking) *memBookings {
	m := &memBookings{rows: map[string]*model.Booking{}}
	for _, b := range bs {
		m.rows[b.ID] = b
	}
	return m
}

func (m *memBookings) get(id string) model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memBookings) Create(_ context.Context, b *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.rows[b.ID] = &cp
	return nil
}

func (m *memBookings) GetByID(_ context.Context, id string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memBookings) ListActiveInRange(_ context.Context, from, to string, now time.Time) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Booking{}
	for _, b := range m.rows {
		if b.Date >= from && b.Date <= to && b.Blocks(now) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date+out[i].Time < out[j].Date+out[j].Time })
	return out, nil
}

func (m *memBookings) FindBlocking(_ context.Context, date, hhmm string, now time.Time) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raceBlocker != nil {
		return m.raceBlocker, nil
	}
	for _, b := range m.rows {
		if b.Date == date && b.Time == hhmm && b.Blocks(now) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memBookings) ExpireIfLapsed(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok || b.Status != model.BookingPending || b.HoldExpiresAt == nil || b.HoldExpiresAt.After(now) {
		return false, nil
	}
	b.Status = model.BookingExpired
	m.expired = append(m.expired, id)
	return true, nil
}

func (m *memBookings) MarkFailed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok || b.Status != model.BookingPending {
		return false, nil
	}
	b.Status = model.BookingFailed
	return true, nil
}

func (m *memBookings) SetPaymentReference(_ context.Context, id, provider, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.rows[id]; ok && b.Status == model.BookingPending {
		b.SetPayment(provider, reference)
	}
	return nil
}

func (m *memBookings) Confirm(_ context.Context, id, provider, reference string, now time.Time) (model.ConfirmOutcome, *model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return 0, nil, repository.ErrNotFound
	}
	switch b.Status {
	case model.BookingConfirmed:
		cp := *b
		return model.ConfirmAlready, &cp, nil
	case model.BookingConflict:
		cp := *b
		return model.ConfirmConflict, &cp, nil
	}
	for _, other := range m.rows {
		if other.ID != b.ID && other.Date == b.Date && other.Time == b.Time && other.Status == model.BookingConfirmed {
			b.Status = model.BookingConflict
			b.HoldExpiresAt = nil
			b.SetPayment(provider, reference)
			cp := *b
			return model.ConfirmConflict, &cp, nil
		}
	}
	paid := now
	b.Status = model.BookingConfirmed
	b.PaidAt = &paid
	b.HoldExpiresAt = nil
	b.SetPayment(provider, reference)
	cp := *b
	return model.ConfirmApplied, &cp, nil
}

type memAttempts struct {
	mu   sync.Mutex
	rows []*model.PaymentAttempt
}

func (m *memAttempts) byID(id string) *model.PaymentAttempt {
	for _, a := range m.rows {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *memAttempts) forBooking(id string) []model.PaymentAttempt {
	out, _ := m.ListByBooking(context.Background(), id)
	return out
}

func (m *memAttempts) Create(_ context.Context, a *model.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memAttempts) RecordInitiated(_ context.Context, id, reference string, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID(id)
	a.ExternalReference = &reference
	a.Metadata = metadata
	return nil
}

func (m *memAttempts) Resolve(_ context.Context, id string, status model.AttemptStatus, errMsg string, metadata json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID(id)
	if a == nil || a.Status != model.AttemptPending {
		return false, nil
	}
	a.Status = status
	if errMsg != "" {
		a.ErrorMessage = &errMsg
	}
	if len(metadata) > 0 {
		a.Metadata = metadata
	}
	return true, nil
}

func (m *memAttempts) FindByReference(_ context.Context, provider, reference string) (*model.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		a := m.rows[i]
		if a.Provider == provider && a.ExternalReference != nil && *a.ExternalReference == reference {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memAttempts) ListByBooking(_ context.Context, bookingID string) ([]model.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.PaymentAttempt{}
	for _, a := range m.rows {
		if a.BookingID == bookingID {
			out = append(out, *a)
		}
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.AppointmentConfirmedEvent
}

func (f *fakePublisher) PublishAppointmentConfirmed(_ context.Context, ev queue.AppointmentConfirmedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeCache struct{ purged int }

func (f *fakeCache) Purge(context.Context) error { f.purged++; return nil }

// fakeProvider is a configurable payment.Provider.
type fakeProvider struct {
	name       string
	configured bool
	result     *payment.InitiateResult
	err        error
	probeErr   error
	probeDelay time.Duration

	mu      sync.Mutex
	charges []payment.Charge
	probes  atomic.Int32
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Configured() bool { return f.configured }

func (f *fakeProvider) Initiate(_ context.Context, c payment.Charge) (*payment.InitiateResult, error) {
	f.mu.Lock()
	f.charges = append(f.charges, c)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeProvider) Probe(ctx context.Context) error {
	f.probes.Add(1)
	if f.probeDelay > 0 {
		select {
		case <-time.After(f.probeDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.probeErr
}

// fakeMobile accepts callbacks of the form {"ref":"…","ok":true,"code":"0"}.
type fakeMobile struct {
	*fakeProvider
	secret string
}

func (f *fakeMobile) NormalizePhone(raw string) (string, error) {
	if raw == "bad" {
		return "", payment.ErrInvalidPhone
	}
	return raw, nil
}

func (f *fakeMobile) ParseCallback(body []byte) (*payment.CallbackResult, error) {
	var cb struct {
		Ref  string `json:"ref"`
		OK   bool   `json:"ok"`
		Code string `json:"code"`
		Desc string `json:"desc"`
	}
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, err
	}
	return &payment.CallbackResult{ExternalReference: cb.Ref, Success: cb.OK, ResultCode: cb.Code, Description: cb.Desc, Metadata: body}, nil
}

func (f *fakeMobile) AcceptsCurrency(code string) bool { return code == "KES" }

func (f *fakeMobile) WebhookSecret() string { return f.secret }
func (f *fakeMobile) Ack() any              { return map[string]any{"ResultCode": 0} }

type fakeCheckout struct {
	*fakeProvider
	sessions map[string]*payment.CheckoutStatus
}

func (f *fakeCheckout) VerifyCheckout(_ context.Context, id string) (*payment.CheckoutStatus, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return s, nil
}

type fakeCapturer struct {
	*fakeProvider
	capture *payment.CaptureResult
	err     error
	calls   atomic.Int32
}

func (f *fakeCapturer) CaptureOrder(context.Context, string) (*payment.CaptureResult, error) {
	f.calls.Add(1)
	return f.capture, f.err
}

func pendingBooking(id, date, hhmm string, holdLeft time.Duration) *model.Booking {
	hold := testNow.Add(holdLeft)
	return &model.Booking{
		ID: id, Name: "Amani", Email: "amani@example.com", Purpose: "exam stress",
		Date: date, Time: hhmm, Status: model.BookingPending,
		AmountCents: 1500, Currency: "KES", HoldExpiresAt: &hold, CreatedAt: testNow.Add(-time.Minute),
	}
}
