package model

import (
	"testing"
	"time"
)

func TestParseTimeRange(t *testing.T) {
	r, err := ParseTimeRange("09:00", "09:30")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if r.Start != 540 || r.End != 570 || r.String() != "09:00-09:30" {
		t.Fatalf("unexpected range %+v (%s)", r, r)
	}
	if _, err := ParseTimeRange("10:00", "09:00"); err == nil {
		t.Fatal("expected inverted range to fail")
	}
	if _, err := ParseTimeRange("9am", "10:00"); err == nil {
		t.Fatal("expected malformed clock to fail")
	}
	if r, err := ParseTimeRange("23:00", "24:00"); err != nil || r.End != EndOfDay {
		t.Fatalf("expected 24:00 to parse as end of day, got %+v (%v)", r, err)
	}
}

func TestOverlapsIsHalfOpen(t *testing.T) {
	a := TimeRange{Start: 540, End: 600}
	if a.Overlaps(TimeRange{Start: 600, End: 660}) {
		t.Fatal("adjacent ranges must not overlap")
	}
	if !a.Overlaps(TimeRange{Start: 599, End: 660}) {
		t.Fatal("expected overlap")
	}
	if !a.Contains(TimeRange{Start: 540, End: 570}) || a.Contains(TimeRange{Start: 530, End: 570}) {
		t.Fatal("contains mismatch")
	}
}

func TestBlackoutMatching(t *testing.T) {
	saturday := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	exact := BlackoutWindow{Date: saturday, Active: true}
	if !exact.Matches(saturday) || exact.Matches(saturday.AddDate(0, 0, 7)) {
		t.Fatal("exact window should match only its date")
	}
	weekly := BlackoutWindow{Recurring: true, RecurringDays: []time.Weekday{time.Saturday}}
	if !weekly.MatchesRecurring(saturday.AddDate(0, 0, 7)) || weekly.Matches(saturday.AddDate(0, 0, 1)) {
		t.Fatal("recurring window should match every saturday only")
	}
	morning := TimeRange{Start: 540, End: 720}
	partial := BlackoutWindow{Date: saturday, Range: &morning}
	if !partial.Covers(TimeRange{Start: 600, End: 630}) || partial.Covers(TimeRange{Start: 780, End: 810}) {
		t.Fatal("partial-day window should cover only overlapping ranges")
	}
	if !exact.Covers(TimeRange{Start: 1200, End: 1230}) {
		t.Fatal("whole-day window covers every range")
	}
}

func TestStatusHelpers(t *testing.T) {
	for _, s := range AllStatuses {
		if _, err := ParseStatus(string(s)); err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
	}
	if _, err := ParseStatus("booked"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
	if StatusCancelled.CountsTowardLimits() || !StatusNoShow.CountsTowardLimits() {
		t.Fatal("only cancelled appointments are excluded from counts")
	}
	if StatusApproved.Terminal() || !StatusNoShow.Terminal() {
		t.Fatal("terminal mismatch")
	}
	if got := UncountedStatuses(); len(got) != 1 || got[0] != StatusCancelled {
		t.Fatalf("unexpected uncounted statuses %v", got)
	}
}
