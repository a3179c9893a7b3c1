package cronwatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is an immutable cron expression producing a monotone sequence
// of absolute timestamps. It supports the usual five space-separated
// fields (minute hour day-of-month month day-of-week) plus an optional
// leading seconds field, each accepting "*", "*/n", lists ("1,2,3"),
// ranges ("1-5") and steps ("1-30/5").
type Schedule struct {
	seconds    fieldSet
	minutes    fieldSet
	hours      fieldSet
	daysOfMon  fieldSet
	months     fieldSet
	daysOfWeek fieldSet
}

type fieldSet map[int]struct{}

func (f fieldSet) has(v int) bool {
	_, ok := f[v]
	return ok
}

// ParseSchedule parses a cron expression. Six fields are interpreted as
// "sec min hour dom month dow"; five fields assume a seconds field of "0".
func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 5:
		fields = append([]string{"0"}, fields...)
	case 6:
		// already has seconds
	default:
		return nil, fmt.Errorf("cron: expected 5 or 6 fields, got %d in %q", len(fields), expr)
	}

	secs, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron: seconds field: %w", err)
	}
	mins, err := parseField(fields[1], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron: minute field: %w", err)
	}
	hrs, err := parseField(fields[2], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("cron: hour field: %w", err)
	}
	doms, err := parseField(fields[3], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	mons, err := parseField(fields[4], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("cron: month field: %w", err)
	}
	dows, err := parseField(fields[5], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-week field: %w", err)
	}

	return &Schedule{
		seconds:    secs,
		minutes:    mins,
		hours:      hrs,
		daysOfMon:  doms,
		months:     mons,
		daysOfWeek: dows,
	}, nil
}

func parseField(field string, min, max int) (fieldSet, error) {
	set := fieldSet{}
	for _, part := range strings.Split(field, ",") {
		if err := parsePart(part, min, max, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parsePart(part string, min, max int, set fieldSet) error {
	step := 1
	if idx := strings.IndexByte(part, '/'); idx != -1 {
		s, err := strconv.Atoi(part[idx+1:])
		if err != nil || s <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = s
		part = part[:idx]
	}

	var lo, hi int
	switch {
	case part == "*":
		lo, hi = min, max
	case strings.Contains(part, "-"):
		bounds := strings.SplitN(part, "-", 2)
		a, err := strconv.Atoi(bounds[0])
		if err != nil {
			return fmt.Errorf("invalid range start in %q", part)
		}
		b, err := strconv.Atoi(bounds[1])
		if err != nil {
			return fmt.Errorf("invalid range end in %q", part)
		}
		lo, hi = a, b
	default:
		v, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid value %q", part)
		}
		lo, hi = v, v
	}

	if lo < min || hi > max || lo > hi {
		return fmt.Errorf("value out of range [%d,%d] in %q", min, max, part)
	}

	for v := lo; v <= hi; v += step {
		set[v] = struct{}{}
	}
	return nil
}

// maxScanYears bounds the search for the next occurrence; a schedule
// with no match within this horizon is treated as having no future
// occurrence (e.g. February 30th).
const maxScanYears = 5

// Next returns the earliest timestamp strictly after `after` that
// matches the schedule, or the zero time with ok=false if none exists
// within the scan horizon.
func (s *Schedule) Next(after time.Time) (time.Time, bool) {
	loc := after.Location()
	t := after.Truncate(time.Second).Add(time.Second)
	deadline := t.AddDate(maxScanYears, 0, 0)

	for t.Before(deadline) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
			continue
		}
		if !s.daysOfMon.has(t.Day()) || !s.daysOfWeek.has(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			continue
		}
		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc).Add(time.Hour)
			continue
		}
		if !s.minutes.has(t.Minute()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc).Add(time.Minute)
			continue
		}
		if !s.seconds.has(t.Second()) {
			t = t.Add(time.Second)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}
