package timex

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Recurrence describes how a task's next fire time is derived from the
// previous one: a time of day, optionally restricted to a set of weekdays.
//
// Days uses time.Weekday numbering (Sunday = 0). An empty Days means every
// day. CronSpec, when set, is the original cron expression this recurrence
// was compiled from; it is informational only — Next always uses the
// compiled TimeOfDay/Days fields.
type Recurrence struct {
	TimeOfDay string         `json:"time_of_day"`
	Days      []time.Weekday `json:"days_of_week,omitempty"`
	CronSpec  string         `json:"cron,omitempty"`
}

func (r Recurrence) Validate() error {
	if _, _, err := ParseHHMM(r.TimeOfDay); err != nil {
		return err
	}
	for _, d := range r.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	return nil
}

// Next returns the next occurrence of the recurrence strictly after now.
func (r Recurrence) Next(now time.Time) (time.Time, error) {
	h, m, err := ParseHHMM(r.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	return NextOccurrence(now, h, m, r.Days), nil
}

// NextOccurrence returns the next time-of-day occurrence strictly after now.
// If the time today has already passed, tomorrow is used; if days is
// non-empty and a candidate day is not in the set, the search advances in
// circular weekday order.
func NextOccurrence(now time.Time, hour, minute int, days []time.Weekday) time.Time {
	allowed := func(d time.Weekday) bool {
		if len(days) == 0 {
			return true
		}
		for _, w := range days {
			if w == d {
				return true
			}
		}
		return false
	}

	// Worst case: the only allowed weekday is today's, and today's time has
	// passed — the answer is 7 days out.
	for add := 0; add <= 7; add++ {
		c := time.Date(now.Year(), now.Month(), now.Day()+add, hour, minute, 0, 0, now.Location())
		if c.After(now) && allowed(c.Weekday()) {
			return c
		}
	}
	// Unreachable: the loop above always finds a candidate within 8 days.
	return time.Date(now.Year(), now.Month(), now.Day()+7, hour, minute, 0, 0, now.Location())
}

// WindowEnd computes the end timestamp of a window opened at start with the
// given end time-of-day. An end at or before the start time-of-day is
// interpreted as "next calendar day" (cross-midnight window).
func WindowEnd(start time.Time, endHHMM string) (time.Time, error) {
	h, m, err := ParseHHMM(endHHMM)
	if err != nil {
		return time.Time{}, err
	}
	end := time.Date(start.Year(), start.Month(), start.Day(), h, m, 0, 0, start.Location())
	if !end.After(start) {
		end = time.Date(start.Year(), start.Month(), start.Day()+1, h, m, 0, 0, start.Location())
	}
	return end, nil
}

// ParseHHMM parses a 24h "HH:MM" string.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// CompileCron compiles a standard 5-field cron expression into a Recurrence.
// Only expressions of the "fixed minute + fixed hour (+ optional weekday
// set)" shape are accepted; anything touching day-of-month or month, or
// firing more than once per day, cannot be represented.
func CompileCron(spec string) (Recurrence, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return Recurrence{}, err
	}
	ss, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return Recurrence{}, fmt.Errorf("unsupported cron spec %q", spec)
	}

	if !allBitsSet(ss.Dom, 1, 31) || !allBitsSet(ss.Month, 1, 12) {
		return Recurrence{}, errors.New("cron spec restricts day-of-month or month; only time-of-day + weekday recurrences are supported")
	}

	minute, ok := singleBit(ss.Minute, 0, 59)
	if !ok {
		return Recurrence{}, errors.New("cron spec must have a fixed minute")
	}
	hour, ok := singleBit(ss.Hour, 0, 23)
	if !ok {
		return Recurrence{}, errors.New("cron spec must have a fixed hour")
	}

	var days []time.Weekday
	if !allBitsSet(ss.Dow, 0, 6) {
		for d := 0; d <= 6; d++ {
			if ss.Dow&(1<<uint(d)) != 0 {
				days = append(days, time.Weekday(d))
			}
		}
	}

	return Recurrence{
		TimeOfDay: fmt.Sprintf("%02d:%02d", hour, minute),
		Days:      days,
		CronSpec:  spec,
	}, nil
}

func allBitsSet(field uint64, lo, hi int) bool {
	for i := lo; i <= hi; i++ {
		if field&(1<<uint(i)) == 0 {
			return false
		}
	}
	return true
}

func singleBit(field uint64, lo, hi int) (int, bool) {
	found := -1
	for i := lo; i <= hi; i++ {
		if field&(1<<uint(i)) != 0 {
			if found != -1 {
				return 0, false
			}
			found = i
		}
	}
	if found == -1 {
		return 0, false
	}
	return found, true
}
