package model

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// Clock is a time of day in minutes after midnight.
type Clock int

const (
	MinutesPerDay       = 24 * 60
	EndOfDay      Clock = MinutesPerDay
)

func ParseClock(raw string) (Clock, error) {
	if raw == "24:00" {
		return EndOfDay, nil
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", raw)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c Clock) Valid() bool {
	return c >= 0 && c <= EndOfDay
}

// TimeRange is the half-open interval [Start, End) within one day.
type TimeRange struct {
	Start Clock
	End   Clock
}

func ParseTimeRange(start, end string) (TimeRange, error) {
	s, err := ParseClock(start)
	if err != nil {
		return TimeRange{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return TimeRange{}, err
	}
	r := TimeRange{Start: s, End: e}
	if !r.Valid() {
		return TimeRange{}, fmt.Errorf("end time %s must be after start time %s", e, s)
	}
	return r, nil
}

func (r TimeRange) Valid() bool {
	return r.Start.Valid() && r.End.Valid() && r.End > r.Start
}

// Overlaps reports whether [r.Start,r.End) and [o.Start,o.End) intersect.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r TimeRange) Contains(o TimeRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

func (r TimeRange) Duration() time.Duration {
	return time.Duration(r.End-r.Start) * time.Minute
}

func (r TimeRange) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// DateOf truncates t to its calendar date at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", raw)
	}
	return t, nil
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Slot is a bookable (date, start, end) tuple.
type Slot struct {
	Date  time.Time
	Range TimeRange
}

func (s Slot) String() string {
	return FormatDate(s.Date) + " " + s.Range.String()
}
