// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"strings"
	"testing"
	"time"
)

func mustParse(t *testing.T, expression string) Schedule {
	t.Helper()
	schedule, err := ParseSchedule(expression)
	if err != nil {
		t.Fatalf("ParseSchedule(%q): %v", expression, err)
	}
	return schedule
}

func utc(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		wantErr    string
	}{
		{"too_few_fields", "* * * *", "expected 5 cron fields"},
		{"too_many_fields", "* * * * * *", "expected 5 cron fields"},
		{"minute_out_of_range", "60 * * * *", "out of range"},
		{"hour_out_of_range", "* 24 * * *", "out of range"},
		{"day_zero", "* * 0 * *", "out of range"},
		{"month_out_of_range", "* * * 13 *", "out of range"},
		{"dow_out_of_range", "* * * * 8", "out of range"},
		{"zero_step", "*/0 * * * *", "step must be positive"},
		{"bad_range", "5-3 * * * *", "range start 5 > end 3"},
		{"non_numeric", "abc * * * *", "invalid value"},
		{"name_in_wrong_field", "* * mon * *", "invalid value"},
		{"bad_step_value", "*/x * * * *", "invalid step"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseSchedule(test.expression)
			if err == nil {
				t.Fatalf("ParseSchedule(%q) = nil, want error containing %q", test.expression, test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("ParseSchedule(%q) = %q, want error containing %q", test.expression, err, test.wantErr)
			}
		})
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		from       time.Time
		want       time.Time
	}{
		{"every_minute", "* * * * *", utc(2026, 2, 18, 10, 30), utc(2026, 2, 18, 10, 31)},
		{"daily_before", "0 7 * * *", utc(2026, 2, 18, 5, 0), utc(2026, 2, 18, 7, 0)},
		{"daily_strictly_after", "0 7 * * *", utc(2026, 2, 18, 7, 0), utc(2026, 2, 19, 7, 0)},
		{"quarter_hour_wrap", "*/15 * * * *", utc(2026, 2, 18, 23, 50), utc(2026, 2, 19, 0, 0)},
		{"weekdays_friday_to_monday", "0 9 * * 1-5", utc(2026, 2, 20, 10, 0), utc(2026, 2, 23, 9, 0)},
		{"month_without_31st", "0 0 31 * *", utc(2026, 2, 1, 0, 0), utc(2026, 3, 31, 0, 0)},
		{"leap_day", "0 0 29 2 *", utc(2026, 1, 1, 0, 0), utc(2028, 2, 29, 0, 0)},
		{"year_rollover", "0 7 * * *", utc(2026, 12, 31, 8, 0), utc(2027, 1, 1, 7, 0)},
		{"sub_minute_input", "0 * * * *", utc(2026, 2, 18, 10, 59).Add(30 * time.Second), utc(2026, 2, 18, 11, 0)},
		{"range_with_step", "0-30/5 * * * *", utc(2026, 2, 18, 10, 31), utc(2026, 2, 18, 11, 0)},
		{"sunday_as_seven", "0 3 * * 7", utc(2026, 2, 18, 0, 0), utc(2026, 2, 22, 3, 0)},
		{"named_day", "0 3 * * sun", utc(2026, 2, 18, 0, 0), utc(2026, 2, 22, 3, 0)},
		{"named_month", "0 0 1 jul *", utc(2026, 2, 18, 0, 0), utc(2026, 7, 1, 0, 0)},
		{"value_with_step", "10/20 * * * *", utc(2026, 2, 18, 10, 31), utc(2026, 2, 18, 10, 50)},
		// Both day fields restricted: the 15th OR any Monday. Feb 18
		// 2026 is a Wednesday, so the next Monday (23rd) comes before
		// March 15th.
		{"day_fields_or", "0 0 15 * mon", utc(2026, 2, 18, 0, 0), utc(2026, 2, 23, 0, 0)},
		{"day_fields_or_month_day", "0 0 19 * mon", utc(2026, 2, 18, 0, 0), utc(2026, 2, 19, 0, 0)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			next, err := mustParse(t, test.expression).Next(test.from)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !next.Equal(test.want) {
				t.Errorf("Next(%v) = %v, want %v", test.from, next, test.want)
			}
		})
	}
}

func TestNextImpossible(t *testing.T) {
	if _, err := mustParse(t, "0 0 31 2 *").Next(utc(2026, 1, 1, 0, 0)); err == nil {
		t.Error("Next found a February 31st")
	}
}

func TestNextKeepsLocation(t *testing.T) {
	location := time.FixedZone("UTC+2", 2*60*60)
	from := time.Date(2026, 2, 18, 6, 0, 0, 0, location)
	next, err := mustParse(t, "0 7 * * *").Next(from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 2, 18, 7, 0, 0, 0, location); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestMatches(t *testing.T) {
	schedule := mustParse(t, "*/5 1-3 * * *")
	if !schedule.Matches(utc(2026, 2, 18, 2, 10).Add(42 * time.Second)) {
		t.Error("02:10:42 does not match */5 1-3")
	}
	if schedule.Matches(utc(2026, 2, 18, 2, 11)) {
		t.Error("02:11 matches */5")
	}
	if schedule.Matches(utc(2026, 2, 18, 4, 10)) {
		t.Error("04:10 matches hours 1-3")
	}
}

func TestParseFields(t *testing.T) {
	schedule, err := ParseFields("0", "*/6", "*", "*", "*")
	if err != nil {
		t.Fatal(err)
	}
	cursor := utc(2026, 2, 18, 0, 0)
	for _, want := range []time.Time{utc(2026, 2, 18, 6, 0), utc(2026, 2, 18, 12, 0), utc(2026, 2, 18, 18, 0), utc(2026, 2, 19, 0, 0)} {
		next, err := schedule.Next(cursor)
		if err != nil {
			t.Fatal(err)
		}
		if !next.Equal(want) {
			t.Errorf("Next(%v) = %v, want %v", cursor, next, want)
		}
		cursor = next
	}
}

func TestParseFieldValues(t *testing.T) {
	tests := []struct {
		name  string
		field string
		min   int
		max   int
		want  []int
	}{
		{"single", "5", 0, 59, []int{5}},
		{"range", "1-3", 0, 59, []int{1, 2, 3}},
		{"list", "1,3,5", 0, 59, []int{1, 3, 5}},
		{"star", "*", 0, 5, []int{0, 1, 2, 3, 4, 5}},
		{"star_step", "*/2", 0, 5, []int{0, 2, 4}},
		{"range_step", "1-10/3", 0, 59, []int{1, 4, 7, 10}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bits, err := parseField(test.field, test.min, test.max, nil)
			if err != nil {
				t.Fatalf("parseField(%q): %v", test.field, err)
			}
			count := 0
			for value := test.min; value <= test.max; value++ {
				if bits.has(value) {
					count++
				}
			}
			for _, value := range test.want {
				if !bits.has(value) {
					t.Errorf("parseField(%q): missing value %d", test.field, value)
				}
			}
			if count != len(test.want) {
				t.Errorf("parseField(%q): got %d values, want %d", test.field, count, len(test.want))
			}
		})
	}
}
