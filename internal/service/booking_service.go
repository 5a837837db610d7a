package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/iliyamo/wellness-appointments/internal/metrics"
	"github.com/iliyamo/wellness-appointments/internal/model"
	"github.com/iliyamo/wellness-appointments/internal/safety"
	"github.com/iliyamo/wellness-appointments/internal/schedule"
)

// defaultRangeDays is the availability window used when the caller omits
// end.
const defaultRangeDays = 13

// BookingService owns the calendar and slot reservations.  It holds no
// booking state of its own; every decision is made against the store.
type BookingService struct {
	settings SettingsStore
	bookings BookingStore
	gate     CrisisGate
	metrics  *metrics.Metrics
	cache    CacheInvalidator
	validate *validator.Validate

	now   func() time.Time
	newID func() string
}

// NewBookingService wires the booking service.  cache may be nil.
func NewBookingService(settings SettingsStore, bookings BookingStore, gate CrisisGate, m *metrics.Metrics, cache CacheInvalidator) *BookingService {
	return &BookingService{
		settings: settings,
		bookings: bookings,
		gate:     gate,
		metrics:  m,
		cache:    cache,
		validate: newValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validationMessage turns the first validator failure into a sentence.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be a valid email address"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fe.Field() + " is invalid"
	}
}

// CalendarView is the full editable calendar.
type CalendarView struct {
	Settings  model.Settings       `json:"settings"`
	Blackouts []string             `json:"blackouts"`
	Overrides []model.DateOverride `json:"overrides"`
}

func (s *BookingService) loadCalendar(ctx context.Context) (*CalendarView, error) {
	st, err := s.settings.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	blackouts, err := s.settings.ListBlackouts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load blackouts: %w", err)
	}
	overrides, err := s.settings.ListOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	return &CalendarView{Settings: st, Blackouts: blackouts, Overrides: overrides}, nil
}

// GetCalendar returns settings, blackouts and overrides.
func (s *BookingService) GetCalendar(ctx context.Context) (*CalendarView, error) {
	v, err := s.loadCalendar(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return v, nil
}

// UpdateCalendar validates and replaces the whole calendar.  Times are
// normalised to HH:MM and de-duplicated; blackout dates are de-duplicated
// and sorted.  Two overrides for the same date are rejected.
func (s *BookingService) UpdateCalendar(ctx context.Context, in CalendarView) (*CalendarView, error) {
	st := in.Settings
	if err := st.Normalize(); err != nil {
		return nil, newError(KindValidation, err.Error())
	}

	seen := make(map[string]bool, len(in.Blackouts))
	blackouts := make([]string, 0, len(in.Blackouts))
	for _, d := range in.Blackouts {
		d = strings.TrimSpace(d)
		if !model.ValidDate(d) {
			return nil, newError(KindValidation, fmt.Sprintf("invalid blackout date %q", d))
		}
		if !seen[d] {
			seen[d] = true
			blackouts = append(blackouts, d)
		}
	}
	sort.Strings(blackouts)

	overrides := make([]model.DateOverride, 0, len(in.Overrides))
	byDate := make(map[string]bool, len(in.Overrides))
	for _, o := range in.Overrides {
		date := strings.TrimSpace(o.Date)
		if !model.ValidDate(date) {
			return nil, newError(KindValidation, fmt.Sprintf("invalid override date %q", o.Date))
		}
		if byDate[date] {
			return nil, newError(KindValidation, fmt.Sprintf("duplicate override for %s", date))
		}
		byDate[date] = true
		slots, err := model.NormalizeSlots(o.TimeSlots)
		if err != nil {
			return nil, newError(KindValidation, err.Error())
		}
		overrides = append(overrides, model.DateOverride{Date: date, TimeSlots: slots})
	}
	sort.Slice(overrides, func(i, j int) bool { return overrides[i].Date < overrides[j].Date })

	if err := s.settings.ReplaceCalendar(ctx, st, blackouts, overrides); err != nil {
		return nil, internalError(err)
	}
	if s.cache != nil {
		if err := s.cache.Purge(ctx); err != nil {
			slog.Warn("purge settings cache", "error", err)
		}
	}
	slog.Info("appointment settings updated",
		"booking_enabled", st.BookingEnabled, "price_cents", st.PriceCents,
		"blackouts", len(blackouts), "overrides", len(overrides))
	return s.GetCalendar(ctx)
}

// Availability is the public view of a date range.
type Availability struct {
	Start     string               `json:"start"`
	End       string               `json:"end"`
	Settings  model.Settings       `json:"settings"`
	Blackouts []string             `json:"blackouts"`
	Overrides []model.DateOverride `json:"overrides"`
	Bookings  []model.BookedSlot   `json:"bookings"`
	Slots     []schedule.DaySlots  `json:"slots"`
}

// Availability resolves open slots for [start, end].  An empty start means
// today in the calendar's timezone; an empty end means two weeks from
// start.
func (s *BookingService) Availability(ctx context.Context, start, end string) (*Availability, error) {
	cal, err := s.loadCalendar(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	now := s.now()
	if start == "" {
		start = now.In(cal.Settings.Location()).Format("2006-01-02")
	}
	if end == "" {
		if from, err := time.Parse("2006-01-02", start); err == nil {
			end = from.AddDate(0, 0, defaultRangeDays).Format("2006-01-02")
		}
	}
	if _, _, err := schedule.ParseRange(start, end); err != nil {
		return nil, newError(KindValidation, err.Error())
	}

	bookings, err := s.bookings.ListActiveInRange(ctx, start, end, now)
	if err != nil {
		return nil, internalError(err)
	}
	slots, err := schedule.Resolve(schedule.NewCalendar(cal.Settings, cal.Overrides, cal.Blackouts), bookings, start, end, now)
	if err != nil {
		return nil, newError(KindValidation, err.Error())
	}

	booked := make([]model.BookedSlot, 0, len(bookings))
	for _, b := range bookings {
		if b.Blocks(now) {
			booked = append(booked, model.BookedSlot{Date: b.Date, Time: b.Time, Status: b.EffectiveStatus(now)})
		}
	}
	return &Availability{
		Start:     start,
		End:       end,
		Settings:  cal.Settings,
		Blackouts: cal.Blackouts,
		Overrides: cal.Overrides,
		Bookings:  booked,
		Slots:     slots,
	}, nil
}

// ReserveInput is a visitor's booking request.
type ReserveInput struct {
	Name    string `json:"name" validate:"required,max=120"`
	Email   string `json:"email" validate:"required,email,max=254"`
	Purpose string `json:"purpose" validate:"required,max=2000"`
	Date    string `json:"date" validate:"required"`
	Time    string `json:"time" validate:"required"`
}

func (in *ReserveInput) trim() {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Purpose = strings.TrimSpace(in.Purpose)
	in.Date = strings.TrimSpace(in.Date)
	in.Time = strings.TrimSpace(in.Time)
}

// Reserve places a 15 minute hold on a slot.  The crisis gate runs first so
// a refused request never reaches the store.
func (s *BookingService) Reserve(ctx context.Context, in ReserveInput) (*model.Booking, error) {
	in.trim()

	if m, hit := s.gate.Check(in.Purpose); hit {
		s.metrics.CrisisRefusalsTotal.WithLabelValues(m.Category).Inc()
		slog.Info("booking refused by crisis gate", "category", m.Category, "pattern", m.PatternID)
		return nil, &Error{Kind: KindCrisis, Message: safety.RefusalMessage, RedirectURL: s.gate.RedirectURL()}
	}

	if err := s.validate.Struct(in); err != nil {
		s.metrics.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, newError(KindValidation, validationMessage(err))
	}
	if !model.ValidDate(in.Date) {
		s.metrics.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, newError(KindValidation, "date must be YYYY-MM-DD")
	}
	if !model.ValidTime(in.Time) {
		s.metrics.BookingsTotal.WithLabelValues("invalid").Inc()
		return nil, newError(KindValidation, "time must be HH:MM")
	}

	b, err := s.reserve(ctx, in)
	switch KindOf(err) {
	case KindUnavailable:
		s.metrics.BookingsTotal.WithLabelValues("unavailable").Inc()
	case KindSlotTaken:
		s.metrics.BookingsTotal.WithLabelValues("slot_taken").Inc()
	}
	return b, err
}

func (s *BookingService) reserve(ctx context.Context, in ReserveInput) (*model.Booking, error) {
	cal, err := s.loadCalendar(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	st := cal.Settings
	if !st.BookingEnabled {
		return nil, newError(KindUnavailable, "bookings are currently closed")
	}
	if st.PriceCents <= 0 {
		return nil, newError(KindUnavailable, "booking price is not configured")
	}

	c := schedule.NewCalendar(st, cal.Overrides, cal.Blackouts)
	scheduled, ok := c.ScheduledSlots(in.Date)
	if !ok {
		return nil, newError(KindUnavailable, "date is not available for booking")
	}
	if !contains(scheduled, in.Time) {
		return nil, newError(KindUnavailable, "slot unavailable")
	}

	now := s.now()
	sameDay, err := s.bookings.ListActiveInRange(ctx, in.Date, in.Date, now)
	if err != nil {
		return nil, internalError(err)
	}
	for _, b := range sameDay {
		if b.Time == in.Time && b.Blocks(now) {
			return nil, newError(KindSlotTaken, "slot just booked")
		}
	}

	start, err := c.SlotStart(in.Date, in.Time)
	if err != nil {
		return nil, newError(KindValidation, "invalid date or time")
	}
	if !start.After(now) {
		return nil, newError(KindUnavailable, "slot is in the past")
	}

	// Second look immediately before insert; Confirm remains the
	// authoritative exclusivity check.
	blocking, err := s.bookings.FindBlocking(ctx, in.Date, in.Time, now)
	if err != nil {
		return nil, internalError(err)
	}
	if blocking != nil {
		return nil, newError(KindSlotTaken, "slot just booked")
	}

	hold := now.Add(model.HoldDuration)
	b := &model.Booking{
		ID:            s.newID(),
		Name:          in.Name,
		Email:         in.Email,
		Purpose:       in.Purpose,
		Date:          in.Date,
		Time:          in.Time,
		Status:        model.BookingPending,
		AmountCents:   st.PriceCents,
		Currency:      st.Currency,
		HoldExpiresAt: &hold,
		CreatedAt:     now,
	}
	if err := s.bookings.Create(ctx, b); err != nil {
		return nil, internalError(err)
	}
	s.metrics.BookingsTotal.WithLabelValues("created").Inc()
	slog.Info("booking held", "booking_id", b.ID, "date", b.Date, "time", b.Time, "hold_expires_at", hold)
	return b, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
