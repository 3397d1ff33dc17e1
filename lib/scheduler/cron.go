// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed 5-field cron expression.
type Schedule struct {
	minutes     bitset64
	hours       bitset64
	daysOfMonth bitset64
	months      bitset64
	daysOfWeek  bitset64

	// Restricted day fields combine with OR, as in vixie cron.
	daysOfMonthRestricted bool
	daysOfWeekRestricted  bool
}

type bitset64 uint64

func (b bitset64) has(value int) bool { return b&(1<<uint(value)) != 0 }
func (b *bitset64) set(value int)     { *b |= 1 << uint(value) }

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// ParseSchedule parses "minute hour day-of-month month day-of-week".
// Fields accept values, ranges, lists, steps and "*"; months and days
// of week also accept three-letter names, and day of week 7 is Sunday.
func ParseSchedule(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("scheduler: expected 5 cron fields, got %d", len(fields))
	}
	return ParseFields(fields[0], fields[1], fields[2], fields[3], fields[4])
}

// ParseFields parses the five cron fields given separately, the way
// cron job rows store them.
func ParseFields(minute, hour, dayOfMonth, month, dayOfWeek string) (Schedule, error) {
	var schedule Schedule
	var err error
	if schedule.minutes, err = parseField(minute, 0, 59, nil); err != nil {
		return Schedule{}, fmt.Errorf("scheduler: minute field: %w", err)
	}
	if schedule.hours, err = parseField(hour, 0, 23, nil); err != nil {
		return Schedule{}, fmt.Errorf("scheduler: hour field: %w", err)
	}
	if schedule.daysOfMonth, err = parseField(dayOfMonth, 1, 31, nil); err != nil {
		return Schedule{}, fmt.Errorf("scheduler: day-of-month field: %w", err)
	}
	if schedule.months, err = parseField(month, 1, 12, monthNames); err != nil {
		return Schedule{}, fmt.Errorf("scheduler: month field: %w", err)
	}
	if schedule.daysOfWeek, err = parseField(dayOfWeek, 0, 7, dayNames); err != nil {
		return Schedule{}, fmt.Errorf("scheduler: day-of-week field: %w", err)
	}
	if schedule.daysOfWeek.has(7) {
		schedule.daysOfWeek.set(0)
	}
	schedule.daysOfMonthRestricted = !strings.HasPrefix(dayOfMonth, "*")
	schedule.daysOfWeekRestricted = !strings.HasPrefix(dayOfWeek, "*")
	return schedule, nil
}

// Matches reports whether the minute containing t is scheduled. t is
// interpreted in its own location.
func (s Schedule) Matches(t time.Time) bool {
	if !s.minutes.has(t.Minute()) || !s.hours.has(t.Hour()) || !s.months.has(int(t.Month())) {
		return false
	}
	return s.dayMatches(t)
}

func (s Schedule) dayMatches(t time.Time) bool {
	dayOfMonth := s.daysOfMonth.has(t.Day())
	dayOfWeek := s.daysOfWeek.has(int(t.Weekday()))
	if s.daysOfMonthRestricted && s.daysOfWeekRestricted {
		return dayOfMonth || dayOfWeek
	}
	return dayOfMonth && dayOfWeek
}

// Next returns the earliest scheduled minute strictly after t, in t's
// location. It fails for schedules with no occurrence within four
// years, such as February 31.
func (s Schedule) Next(t time.Time) (time.Time, error) {
	location := t.Location()
	t = t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		if !s.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, location)
			continue
		}
		if !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, location)
			continue
		}
		if !s.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, location)
			continue
		}
		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("scheduler: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

// parseField parses comma-separated terms into a bitset.
func parseField(field string, minimum, maximum int, names map[string]int) (bitset64, error) {
	var result bitset64
	for _, term := range strings.Split(field, ",") {
		bits, err := parseTerm(term, minimum, maximum, names)
		if err != nil {
			return 0, err
		}
		result |= bits
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q produces empty set", field)
	}
	return result, nil
}

// parseTerm parses *, */N, V, V-V or V-V/N.
func parseTerm(term string, minimum, maximum int, names map[string]int) (bitset64, error) {
	rangeExpression, stepText, stepped := strings.Cut(term, "/")
	step := 1
	if stepped {
		parsed, err := strconv.Atoi(stepText)
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", stepText, err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var start, end int
	if rangeExpression == "*" {
		start, end = minimum, maximum
	} else if startText, endText, isRange := strings.Cut(rangeExpression, "-"); isRange {
		var err error
		if start, err = parseValue(startText, names); err != nil {
			return 0, err
		}
		if end, err = parseValue(endText, names); err != nil {
			return 0, err
		}
		if start > end {
			return 0, fmt.Errorf("range start %d > end %d", start, end)
		}
	} else {
		value, err := parseValue(rangeExpression, names)
		if err != nil {
			return 0, err
		}
		start, end = value, value
		if stepped {
			end = maximum
		}
	}
	if start < minimum || end > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, start, end)
	}

	var result bitset64
	for value := start; value <= end; value += step {
		result.set(value)
	}
	return result, nil
}

func parseValue(text string, names map[string]int) (int, error) {
	if value, ok := names[strings.ToLower(text)]; ok {
		return value, nil
	}
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", text)
	}
	return value, nil
}
