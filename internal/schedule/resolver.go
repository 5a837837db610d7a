// Package schedule computes bookable appointment slots.  Everything here is
// a pure function of its inputs: settings, overrides, blackouts, existing
// bookings and the current time.  Nothing is read from or written to the
// store.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/wellness-appointments/internal/model"
)

const dateLayout = "2006-01-02"

// MaxRangeDays bounds a single availability query.
const MaxRangeDays = 92

// ErrInvalidRange is returned when the requested date range is malformed.
var ErrInvalidRange = errors.New("invalid date range")

// Calendar bundles the schedule inputs read from the settings store.
type Calendar struct {
	Settings  model.Settings
	Overrides map[string][]string // date → replacement slot list
	Blackouts map[string]bool     // date → fully unavailable
}

// NewCalendar indexes override and blackout lists by date.
func NewCalendar(s model.Settings, overrides []model.DateOverride, blackouts []string) Calendar {
	cal := Calendar{
		Settings:  s,
		Overrides: make(map[string][]string, len(overrides)),
		Blackouts: make(map[string]bool, len(blackouts)),
	}
	for _, o := range overrides {
		cal.Overrides[o.Date] = o.TimeSlots
	}
	for _, d := range blackouts {
		cal.Blackouts[d] = true
	}
	return cal
}

// DaySlots is the set of open times for a single date.
type DaySlots struct {
	Date  string   `json:"date"`
	Times []string `json:"times"`
}

// ScheduledSlots returns the slots a date offers before bookings and the
// clock are taken into account.  ok is false when the date is blacked out
// or its weekday is disabled and no override exists.
func (c Calendar) ScheduledSlots(date string) (slots []string, ok bool) {
	if c.Blackouts[date] {
		return nil, false
	}
	if o, has := c.Overrides[date]; has {
		return o, true
	}
	d, err := time.ParseInLocation(dateLayout, date, c.Settings.Location())
	if err != nil {
		return nil, false
	}
	key := model.WeekdayKey(d.Weekday())
	if !c.Settings.DayEnabled(key) {
		return nil, false
	}
	return c.Settings.TimeSlots[key], true
}

// SlotStart returns the instant a date/time slot begins in the calendar's
// timezone.
func (c Calendar) SlotStart(date, hhmm string) (time.Time, error) {
	return time.ParseInLocation(dateLayout+" 15:04", date+" "+hhmm, c.Settings.Location())
}

// OpenSlots returns the bookable times of one date at instant now.
func (c Calendar) OpenSlots(date string, bookings []model.Booking, now time.Time) []string {
	scheduled, ok := c.ScheduledSlots(date)
	if !ok {
		return []string{}
	}
	taken := occupied(bookings, now)
	open := make([]string, 0, len(scheduled))
	for _, t := range scheduled {
		if taken[date+" "+t] {
			continue
		}
		start, err := c.SlotStart(date, t)
		if err != nil || !start.After(now) {
			continue
		}
		open = append(open, t)
	}
	return open
}

// Resolve returns open slots for every date in [start, end].  Dates without
// any open time are included with an empty list so callers can render the
// full range.
func Resolve(c Calendar, bookings []model.Booking, start, end string, now time.Time) ([]DaySlots, error) {
	from, to, err := ParseRange(start, end)
	if err != nil {
		return nil, err
	}
	byDate := make(map[string][]model.Booking)
	for _, b := range bookings {
		byDate[b.Date] = append(byDate[b.Date], b)
	}
	out := make([]DaySlots, 0, int(to.Sub(from).Hours()/24)+1)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := d.Format(dateLayout)
		out = append(out, DaySlots{Date: date, Times: c.OpenSlots(date, byDate[date], now)})
	}
	return out, nil
}

// ParseRange validates an inclusive YYYY-MM-DD range.
func ParseRange(start, end string) (time.Time, time.Time, error) {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: bad start %q", ErrInvalidRange, start)
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: bad end %q", ErrInvalidRange, end)
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end before start", ErrInvalidRange)
	}
	if to.Sub(from) > time.Duration(MaxRangeDays)*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: more than %d days", ErrInvalidRange, MaxRangeDays)
	}
	return from, to, nil
}

func occupied(bookings []model.Booking, now time.Time) map[string]bool {
	m := make(map[string]bool, len(bookings))
	for _, b := range bookings {
		if b.Blocks(now) {
			m[b.Date+" "+b.Time] = true
		}
	}
	return m
}
