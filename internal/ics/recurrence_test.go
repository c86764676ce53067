package ics

import (
	"errors"
	"testing"

	"github.com/teambition/rrule-go"
)

func TestParseRecurrence(t *testing.T) {
	cases := []struct {
		rule string
		want Recurrence
	}{
		{"FREQ=MONTHLY;COUNT=3", BoundedRepeat{Freq: rrule.MONTHLY, Count: 3}},
		{"freq=weekly;count=2", BoundedRepeat{Freq: rrule.WEEKLY, Count: 2}},
		{"FREQ=DAILY", BoundedRepeat{Freq: rrule.YEARLY, Count: UnboundedRepeatYears}},
		{"FREQ=DAILY;UNTIL=20240301T000000Z;COUNT=3", Until{Date: "20240301T000000Z"}},
		{"FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4", BoundedRepeat{Freq: rrule.WEEKLY, Count: 4}},
	}
	for _, tc := range cases {
		got, err := ParseRecurrence(tc.rule)
		if err != nil {
			t.Errorf("ParseRecurrence(%q) error: %v", tc.rule, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseRecurrence(%q) = %#v, want %#v", tc.rule, got, tc.want)
		}
	}
}

func TestParseRecurrenceErrors(t *testing.T) {
	cases := []struct {
		rule string
		want error
	}{
		{"COUNT=3", ErrNoFrequency},
		{"FREQ=HOURLY;COUNT=3", ErrUnsupportedFrequency},
		{"FREQ=FORTNIGHTLY", ErrUnsupportedFrequency},
		{"FREQ=DAILY;COUNT=x", ErrBadCount},
		{"FREQ=DAILY;COUNT=-1", ErrBadCount},
	}
	for _, tc := range cases {
		_, err := ParseRecurrence(tc.rule)
		if !errors.Is(err, tc.want) {
			t.Errorf("ParseRecurrence(%q) error = %v, want %v", tc.rule, err, tc.want)
		}
	}
}

func TestEstimateEnd(t *testing.T) {
	cases := []struct {
		name string
		end  string
		rule string
		want string
	}{
		{"monthly clamps into leap february", "20240131", "FREQ=MONTHLY;COUNT=1", "20240229"},
		{"monthly crosses year and clamps", "20240131", "FREQ=MONTHLY;COUNT=13", "20250228"},
		{"yearly keeps month and day", "20240331", "FREQ=YEARLY;COUNT=1", "20250331"},
		{"unbounded daily is a century", "20240101", "FREQ=DAILY", "21240101"},
		{"daily crosses year", "20241225", "FREQ=DAILY;COUNT=10", "20250104"},
		{"weekly keeps time suffix", "20240101T100000Z", "FREQ=WEEKLY;COUNT=2", "20240115T100000Z"},
		{"until is taken verbatim", "20240101", "FREQ=DAILY;UNTIL=20240105", "20240105"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := ParseRecurrence(tc.rule)
			if err != nil {
				t.Fatalf("ParseRecurrence(%q): %v", tc.rule, err)
			}
			got, err := EstimateEnd(tc.end, r)
			if err != nil {
				t.Fatalf("EstimateEnd(%q): %v", tc.end, err)
			}
			if got != tc.want {
				t.Errorf("EstimateEnd(%q, %q) = %q, want %q", tc.end, tc.rule, got, tc.want)
			}
		})
	}
}

func TestEstimateEndErrors(t *testing.T) {
	cases := []struct {
		name string
		end  string
		r    Recurrence
		want error
	}{
		{"leap day into non-leap year", "20240229", BoundedRepeat{Freq: rrule.YEARLY, Count: 1}, ErrDateOutOfRange},
		{"beyond year 9999", "99990101", BoundedRepeat{Freq: rrule.YEARLY, Count: 100}, ErrDateOutOfRange},
		{"short anchor", "2024", BoundedRepeat{Freq: rrule.DAILY, Count: 1}, ErrBadAnchor},
		{"garbage anchor", "2024XX01", BoundedRepeat{Freq: rrule.DAILY, Count: 1}, ErrBadAnchor},
		{"hourly", "20240101", BoundedRepeat{Freq: rrule.HOURLY, Count: 1}, ErrUnsupportedFrequency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EstimateEnd(tc.end, tc.r)
			if !errors.Is(err, tc.want) {
				t.Fatalf("EstimateEnd(%q) error = %v, want %v", tc.end, err, tc.want)
			}
			if got != tc.end {
				t.Errorf("EstimateEnd(%q) = %q on error, want input back", tc.end, got)
			}
		})
	}
}
