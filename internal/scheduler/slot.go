package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Slot is a wall-clock time of day, optionally restricted to some weekdays.
// It is written in cron form with a fixed minute and hour and wildcard day
// and month fields, e.g. "0 10 * * *" or "0 17 * * 5".
type Slot struct {
	Hour   int
	Minute int
	// Weekdays is nil for every day.
	Weekdays []time.Weekday
}

// ParseSlot parses a report slot expression.
func ParseSlot(expr string) (*Slot, error) {
	f := strings.Fields(expr)
	if len(f) != 5 {
		return nil, fmt.Errorf("slot %q: expected 5 fields, got %d", expr, len(f))
	}
	minute, err := strconv.Atoi(f[0])
	if err != nil || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("slot %q: minute must be a number 0-59", expr)
	}
	hour, err := strconv.Atoi(f[1])
	if err != nil || hour < 0 || hour > 23 {
		return nil, fmt.Errorf("slot %q: hour must be a number 0-23", expr)
	}
	if f[2] != "*" || f[3] != "*" {
		return nil, fmt.Errorf("slot %q: day-of-month and month must be *", expr)
	}
	s := &Slot{Hour: hour, Minute: minute}
	if f[4] != "*" {
		if s.Weekdays, err = parseWeekdays(f[4]); err != nil {
			return nil, fmt.Errorf("slot %q: %w", expr, err)
		}
	}
	return s, nil
}

// parseWeekdays reads "5", "1-5" or "1,3,5" (0 is Sunday).
func parseWeekdays(field string) ([]time.Weekday, error) {
	var seen [7]bool
	for _, part := range strings.Split(field, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			hi = lo
		}
		a, errA := strconv.Atoi(lo)
		b, errB := strconv.Atoi(hi)
		if errA != nil || errB != nil || a < 0 || b > 6 || a > b {
			return nil, fmt.Errorf("invalid day-of-week %q", part)
		}
		for d := a; d <= b; d++ {
			seen[d] = true
		}
	}
	var out []time.Weekday
	for d, ok := range seen {
		if ok {
			out = append(out, time.Weekday(d))
		}
	}
	return out, nil
}

func (s *Slot) onDay(d time.Weekday) bool {
	if s.Weekdays == nil {
		return true
	}
	for _, w := range s.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// Matches reports whether t falls in the slot's minute.
func (s *Slot) Matches(t time.Time) bool {
	return t.Hour() == s.Hour && t.Minute() == s.Minute && s.onDay(t.Weekday())
}

// LastToday returns the slot on t's calendar day if it is not after t.
func (s *Slot) LastToday(t time.Time) (time.Time, bool) {
	if !s.onDay(t.Weekday()) {
		return time.Time{}, false
	}
	at := time.Date(t.Year(), t.Month(), t.Day(), s.Hour, s.Minute, 0, 0, t.Location())
	if at.After(t) {
		return time.Time{}, false
	}
	return at, true
}

func (s *Slot) String() string {
	days := "*"
	if s.Weekdays != nil {
		names := make([]string, len(s.Weekdays))
		for i, d := range s.Weekdays {
			names[i] = d.String()[:3]
		}
		days = strings.Join(names, ",")
	}
	return fmt.Sprintf("%02d:%02d %s", s.Hour, s.Minute, days)
}
