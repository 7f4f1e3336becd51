package model

import (
	"slices"
	"time"
)

const DefaultDailyLimitPerUser = 3

// CapacityPolicy is the organisation-wide booking quota. Exactly one policy is
// current at a time; Active=false disables the daily limit entirely.
type CapacityPolicy struct {
	ID                string
	DailyLimitPerUser int
	Active            bool
	Description       string
	LastUpdatedBy     string
	UpdatedAt         time.Time
}

func DefaultPolicy() CapacityPolicy {
	return CapacityPolicy{
		DailyLimitPerUser: DefaultDailyLimitPerUser,
		Active:            true,
		Description:       "default policy",
		LastUpdatedBy:     "system",
	}
}

type SlotCapacityRule struct {
	ID                     string
	DayOfWeek              time.Weekday
	Range                  TimeRange
	MaxAppointmentsPerSlot int
	Active                 bool
	Description            string
}

// BlackoutWindow blocks bookings on a literal date or on recurring weekdays.
// A nil Range blacks out the whole day.
type BlackoutWindow struct {
	ID            string
	Date          time.Time
	Recurring     bool
	RecurringDays []time.Weekday
	Range         *TimeRange
	Active        bool
	Reason        string
}

func (b BlackoutWindow) MatchesExact(date time.Time) bool {
	return !b.Date.IsZero() && SameDate(b.Date, date)
}

func (b BlackoutWindow) MatchesRecurring(date time.Time) bool {
	return b.Recurring && slices.Contains(b.RecurringDays, date.Weekday())
}

func (b BlackoutWindow) Matches(date time.Time) bool {
	return b.MatchesExact(date) || b.MatchesRecurring(date)
}

// Covers reports whether the window blocks the requested range on a matching date.
func (b BlackoutWindow) Covers(r TimeRange) bool {
	return b.Range == nil || b.Range.Overlaps(r)
}
