// Package availability decides whether a (date, time range) can take another
// appointment given blackout windows and per-slot capacity rules.
package availability

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
)

type Decision struct {
	Allowed bool          `json:"allowed"`
	Reason  apperr.Reason `json:"reason,omitempty"`
	Detail  string        `json:"detail,omitempty"`
}

// Err returns nil for an allowed decision and the matching apperr otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.New(d.Reason, "%s", d.Detail)
}

type Engine struct {
	store storage.Store
	now   func() time.Time
}

func NewEngine(store storage.Store) *Engine {
	return &Engine{store: store, now: time.Now}
}

// IsBookable checks the slot against committed state without locking.
func (e *Engine) IsBookable(ctx context.Context, date time.Time, r model.TimeRange) (Decision, error) {
	return e.Check(ctx, e.store, model.Slot{Date: model.DateOf(date), Range: r})
}

// Check evaluates blackouts, then the slot capacity rule, inside q.
func (e *Engine) Check(ctx context.Context, q storage.Queries, slot model.Slot) (Decision, error) {
	windows, err := q.ListBlackouts(ctx, slot.Date)
	if err != nil {
		return Decision{}, err
	}
	if b, ok := BlackoutFor(windows, slot.Date, slot.Range); ok {
		return Decision{Reason: apperr.ReasonBlackoutDate, Detail: blackoutDetail(b, slot)}, nil
	}

	rules, err := q.ListSlotRules(ctx, slot.Date.Weekday())
	if err != nil {
		return Decision{}, err
	}
	rule, ok := RuleFor(rules, slot.Range)
	if !ok {
		return Decision{Allowed: true}, nil
	}

	booked, err := countBooked(ctx, q, slot)
	if err != nil {
		return Decision{}, err
	}
	if booked >= rule.MaxAppointmentsPerSlot {
		return Decision{
			Reason: apperr.ReasonSlotFull,
			Detail: "slot " + slot.String() + " is full",
		}, nil
	}
	return Decision{Allowed: true}, nil
}

func countBooked(ctx context.Context, q storage.Queries, slot model.Slot) (int, error) {
	r := slot.Range
	return q.CountAppointments(ctx, storage.AppointmentFilter{
		Date:            slot.Date,
		Range:           &r,
		ExcludeStatuses: model.UncountedStatuses(),
	})
}

func blackoutDetail(b model.BlackoutWindow, slot model.Slot) string {
	if b.Reason != "" {
		return model.FormatDate(slot.Date) + " is blacked out: " + b.Reason
	}
	return model.FormatDate(slot.Date) + " is blacked out"
}

// BlackoutFor returns the first active window blocking r on date. Exact-date
// windows are consulted before recurring ones.
func BlackoutFor(windows []model.BlackoutWindow, date time.Time, r model.TimeRange) (model.BlackoutWindow, bool) {
	for _, b := range windows {
		if b.Active && b.MatchesExact(date) && b.Covers(r) {
			return b, true
		}
	}
	for _, b := range windows {
		if b.Active && b.MatchesRecurring(date) && b.Covers(r) {
			return b, true
		}
	}
	return model.BlackoutWindow{}, false
}

// RuleFor returns the active rule whose range contains r.
func RuleFor(rules []model.SlotCapacityRule, r model.TimeRange) (model.SlotCapacityRule, bool) {
	for _, rule := range rules {
		if rule.Active && rule.Range.Contains(r) {
			return rule, true
		}
	}
	return model.SlotCapacityRule{}, false
}

type SlotAvailability struct {
	Date        string `json:"date"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	Capacity    int    `json:"capacity"`
	Booked      int    `json:"booked"`
	Remaining   int    `json:"remaining"`
	Blocked     bool   `json:"blocked"`
	BlockReason string `json:"block_reason,omitempty"`
}

// Slots lists the capacity-ruled slots of date. A zero length reports each
// rule window as one slot; otherwise windows are cut into length-sized slots.
// Slots already started today are omitted and past dates yield nothing.
func (e *Engine) Slots(ctx context.Context, date time.Time, length time.Duration) ([]SlotAvailability, error) {
	date = model.DateOf(date)
	now := e.now().UTC()
	today := model.DateOf(now)
	if date.Before(today) {
		return nil, nil
	}
	var notBefore model.Clock
	if date.Equal(today) {
		notBefore = model.Clock(now.Hour()*60 + now.Minute())
	}

	rules, err := e.store.ListSlotRules(ctx, date.Weekday())
	if err != nil {
		return nil, err
	}
	windows, err := e.store.ListBlackouts(ctx, date)
	if err != nil {
		return nil, err
	}

	var out []SlotAvailability
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		ranges := []model.TimeRange{rule.Range}
		if length > 0 {
			ranges = Enumerate(rule.Range, length, length, notBefore)
		} else if rule.Range.Start < notBefore {
			continue
		}
		for _, r := range ranges {
			slot := model.Slot{Date: date, Range: r}
			booked, err := countBooked(ctx, e.store, slot)
			if err != nil {
				return nil, err
			}
			sa := SlotAvailability{
				Date:      model.FormatDate(date),
				StartTime: r.Start.String(),
				EndTime:   r.End.String(),
				Capacity:  rule.MaxAppointmentsPerSlot,
				Booked:    booked,
				Remaining: max(0, rule.MaxAppointmentsPerSlot-booked),
			}
			if b, ok := BlackoutFor(windows, date, r); ok {
				sa.Blocked = true
				sa.BlockReason = b.Reason
				sa.Remaining = 0
			}
			out = append(out, sa)
		}
	}
	return out, nil
}
