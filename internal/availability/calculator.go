// Package availability turns a service's weekly window into concrete slot start times.
package availability

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// MinDuration is the shortest bookable service.
const MinDuration = 15 * time.Minute

var (
	ErrNoDays         = errors.New("availability: at least one weekday required")
	ErrInvalidClock   = errors.New("availability: invalid time of day")
	ErrWindowTooSmall = errors.New("availability: window shorter than one slot")
	ErrShortDuration  = errors.New("availability: duration below minimum")
)

// Clock is a time of day in minutes after midnight.
type Clock int

// ParseClock reads "HH:MM".
func ParseClock(raw string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, raw)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Window is the weekly availability of one service.
type Window struct {
	Days     []time.Weekday
	Start    Clock
	End      Clock
	Duration time.Duration
}

// Validate rejects windows that can never produce a slot.
func (w Window) Validate() error {
	if len(w.Days) == 0 {
		return ErrNoDays
	}
	if w.Start < 0 || w.End > 24*60 || w.Start >= w.End {
		return fmt.Errorf("%w: start %s end %s", ErrInvalidClock, w.Start, w.End)
	}
	if w.Duration < MinDuration {
		return fmt.Errorf("%w: %s", ErrShortDuration, w.Duration)
	}
	if time.Duration(w.End-w.Start)*time.Minute < w.Duration {
		return ErrWindowTooSmall
	}
	return nil
}

// Slots yields the start times offered on date, interpreted in date's location.
// A slot is only yielded when it ends at or before the window end. The sequence
// is empty when date falls on a day outside the window.
func Slots(w Window, date time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if w.Duration < time.Minute || !slices.Contains(w.Days, date.Weekday()) {
			return
		}
		y, m, d := date.Date()
		loc := date.Location()
		first := time.Date(y, m, d, int(w.Start)/60, int(w.Start)%60, 0, 0, loc)
		closing := time.Date(y, m, d, int(w.End)/60, int(w.End)%60, 0, 0, loc)
		last := closing.Add(-w.Duration)
		if last.Before(first) {
			return
		}
		rule, err := rrule.NewRRule(rrule.ROption{
			Freq:     rrule.MINUTELY,
			Interval: int(w.Duration / time.Minute),
			Dtstart:  first,
			Until:    last,
		})
		if err != nil {
			return
		}
		next := rule.Iterator()
		for {
			slot, ok := next()
			if !ok || !yield(slot) {
				return
			}
		}
	}
}

// List collects the slots for date.
func List(w Window, date time.Time) []time.Time {
	return slices.Collect(Slots(w, date))
}

// IsSlot reports whether at is exactly one of the slots offered on its own date.
func IsSlot(w Window, at time.Time) bool {
	for slot := range Slots(w, at) {
		if slot.Equal(at) {
			return true
		}
		if slot.After(at) {
			return false
		}
	}
	return false
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts full or three-letter English day names in any case.
func ParseWeekday(raw string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if day, ok := weekdayNames[name]; ok {
		return day, nil
	}
	if len(name) == 3 {
		for full, day := range weekdayNames {
			if strings.HasPrefix(full, name) {
				return day, nil
			}
		}
	}
	return 0, fmt.Errorf("availability: unknown weekday %q", raw)
}

// ParseWeekdays parses a list of day names, dropping duplicates.
func ParseWeekdays(raw []string) ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(raw))
	for _, r := range raw {
		day, err := ParseWeekday(r)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(days, day) {
			days = append(days, day)
		}
	}
	slices.Sort(days)
	return days, nil
}

// FormatWeekdays renders days as lowercase names, the stored form.
func FormatWeekdays(days []time.Weekday) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, strings.ToLower(d.String()))
	}
	return out
}
