package model

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// Weekday keys used in Settings.AvailableDays and Settings.TimeSlots.
var weekdayKeys = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// Settings is the singleton appointment_settings row.  It controls whether
// bookings are accepted, what a session costs and which weekly time slots
// are offered.
//
// Fields:
//  BookingEnabled – global switch for new holds.
//  PriceCents     – price of a session in minor units.
//  Currency       – ISO-4217 code, upper case.
//  AvailableDays  – enabled weekday keys (mon..sun).
//  TimeSlots      – weekday key → sorted, de-duplicated HH:MM list.
//  Timezone       – IANA zone in which dates and times are interpreted.
type Settings struct {
	BookingEnabled bool                `json:"bookingEnabled"`
	PriceCents     int64               `json:"priceCents"`
	Currency       string              `json:"currency"`
	AvailableDays  []string            `json:"availableDays"`
	TimeSlots      map[string][]string `json:"timeSlots"`
	Timezone       string              `json:"timezone"`
	UpdatedAt      *time.Time          `json:"updatedAt,omitempty"`
}

// DateOverride replaces the weekly schedule for a single date.
type DateOverride struct {
	Date      string   `json:"date"`
	TimeSlots []string `json:"timeSlots"`
}

// DefaultSettings is returned when the settings row has never been written.
func DefaultSettings() Settings {
	return Settings{
		BookingEnabled: false,
		PriceCents:     0,
		Currency:       "KES",
		AvailableDays:  []string{},
		TimeSlots:      map[string][]string{},
		Timezone:       "Africa/Nairobi",
	}
}

var (
	dateRe     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe     = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)
	strictTime = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
	currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)
)

// ValidDate reports whether s is a real calendar date in YYYY-MM-DD form.
func ValidDate(s string) bool {
	if !dateRe.MatchString(s) {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// ValidTime reports whether s is a zero-padded 24-hour HH:MM value.
func ValidTime(s string) bool { return strictTime.MatchString(s) }

// NormalizeTime accepts H:MM or HH:MM and returns the zero-padded form.
func NormalizeTime(s string) (string, error) {
	m := timeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	h, _ := strconv.Atoi(m[1])
	return fmt.Sprintf("%02d:%s", h, m[2]), nil
}

// NormalizeSlots pads, de-duplicates and sorts a list of times.
func NormalizeSlots(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		t, err := NormalizeTime(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// WeekdayKey maps a time.Weekday to the three-letter key used in settings.
func WeekdayKey(d time.Weekday) string { return weekdayKeys[d] }

func isWeekdayKey(k string) bool {
	for _, w := range weekdayKeys {
		if w == k {
			return true
		}
	}
	return false
}

// Normalize validates the settings in place.  Day keys are lower-cased,
// slot lists padded/sorted/de-duplicated and the currency upper-cased.
func (s *Settings) Normalize() error {
	if s.PriceCents < 0 {
		return fmt.Errorf("priceCents must be >= 0")
	}
	s.Currency = strings.ToUpper(strings.TrimSpace(s.Currency))
	if !currencyRe.MatchString(s.Currency) {
		return fmt.Errorf("invalid currency %q", s.Currency)
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q", s.Timezone)
	}
	days := make([]string, 0, len(s.AvailableDays))
	seen := map[string]bool{}
	for _, d := range s.AvailableDays {
		k := strings.ToLower(strings.TrimSpace(d))
		if !isWeekdayKey(k) {
			return fmt.Errorf("invalid day %q", d)
		}
		if !seen[k] {
			seen[k] = true
			days = append(days, k)
		}
	}
	s.AvailableDays = days
	slots := make(map[string][]string, len(s.TimeSlots))
	for day, list := range s.TimeSlots {
		k := strings.ToLower(strings.TrimSpace(day))
		if !isWeekdayKey(k) {
			return fmt.Errorf("invalid day %q in timeSlots", day)
		}
		norm, err := NormalizeSlots(list)
		if err != nil {
			return err
		}
		slots[k] = norm
	}
	s.TimeSlots = slots
	return nil
}

// DayEnabled reports whether the weekday key is in AvailableDays.
func (s Settings) DayEnabled(key string) bool {
	for _, d := range s.AvailableDays {
		if d == key {
			return true
		}
	}
	return false
}

// Location resolves the configured timezone, falling back to UTC.
func (s Settings) Location() *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}
