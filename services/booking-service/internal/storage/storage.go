// Package storage persists appointments, capacity policy, slot rules,
// blackout windows and outbox events. Postgres is the production backend;
// Memory backs local runs and tests with the same locking semantics.
package storage

import (
	"context"
	"slices"
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
)

// AppointmentFilter selects non-deleted appointments. Zero fields match everything.
type AppointmentFilter struct {
	UserID          string
	Date            time.Time
	Range           *model.TimeRange // exact slot match
	Statuses        []model.Status
	ExcludeStatuses []model.Status
	Limit           int
}

func (f AppointmentFilter) matches(a model.Appointment) bool {
	if a.DeletedAt != nil {
		return false
	}
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if !f.Date.IsZero() && !model.SameDate(f.Date, a.Date) {
		return false
	}
	if f.Range != nil && a.Range != *f.Range {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if slices.Contains(f.ExcludeStatuses, a.Status) {
		return false
	}
	return true
}

// Queries is the unit of work seen by the domain components. Outside a
// transaction Lock is a no-op.
type Queries interface {
	outbox.Inserter

	// Lock takes exclusive transaction-scoped locks on keys in sorted order.
	Lock(ctx context.Context, keys ...string) error

	CountAppointments(ctx context.Context, f AppointmentFilter) (int, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	// InsertAppointment assigns ID, CreatedAt and UpdatedAt.
	InsertAppointment(ctx context.Context, a *model.Appointment) error
	UpdateAppointment(ctx context.Context, a model.Appointment) error
	StatusCounts(ctx context.Context, date time.Time) (map[model.Status]int, error)

	CurrentPolicy(ctx context.Context) (model.CapacityPolicy, bool, error)
	// EnsurePolicy materialises def as the current policy unless one exists.
	EnsurePolicy(ctx context.Context, def model.CapacityPolicy) (model.CapacityPolicy, error)
	UpdatePolicy(ctx context.Context, p model.CapacityPolicy) (model.CapacityPolicy, error)

	// ListBlackouts returns active windows that match date exactly or by weekday.
	ListBlackouts(ctx context.Context, date time.Time) ([]model.BlackoutWindow, error)
	// ListSlotRules returns active and inactive rules for day ordered by start.
	ListSlotRules(ctx context.Context, day time.Weekday) ([]model.SlotCapacityRule, error)
	UpsertBlackout(ctx context.Context, b *model.BlackoutWindow) error
	UpsertSlotRule(ctx context.Context, r *model.SlotCapacityRule) error
}

type Store interface {
	Queries
	outbox.Source

	// WithTx runs fn in one atomic unit. Nothing fn wrote is visible when it
	// returns an error or ctx is done before commit.
	WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	Ping(ctx context.Context) error
}

func sortedKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

func validateBlackout(b model.BlackoutWindow) error {
	if b.Date.IsZero() && !b.Recurring {
		return apperr.New(apperr.ReasonInvalidPolicy, "blackout needs a date or recurring days")
	}
	if b.Recurring && len(b.RecurringDays) == 0 {
		return apperr.New(apperr.ReasonInvalidPolicy, "recurring blackout needs at least one weekday")
	}
	for _, d := range b.RecurringDays {
		if d < time.Sunday || d > time.Saturday {
			return apperr.New(apperr.ReasonInvalidPolicy, "invalid weekday %d", d)
		}
	}
	if b.Range != nil && !b.Range.Valid() {
		return apperr.New(apperr.ReasonInvalidPolicy, "invalid blackout range %s", b.Range)
	}
	return nil
}

// validateSlotRule rejects malformed rules and active rules overlapping another
// active rule on the same weekday.
func validateSlotRule(r model.SlotCapacityRule, existing []model.SlotCapacityRule) error {
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return apperr.New(apperr.ReasonInvalidPolicy, "invalid weekday %d", r.DayOfWeek)
	}
	if !r.Range.Valid() {
		return apperr.New(apperr.ReasonInvalidPolicy, "invalid rule range %s", r.Range)
	}
	if r.MaxAppointmentsPerSlot < 1 {
		return apperr.New(apperr.ReasonInvalidPolicy, "max appointments per slot must be at least 1")
	}
	if !r.Active {
		return nil
	}
	for _, other := range existing {
		if other.ID == r.ID || !other.Active || other.DayOfWeek != r.DayOfWeek {
			continue
		}
		if other.Range.Overlaps(r.Range) {
			return apperr.New(apperr.ReasonInvalidPolicy, "rule %s overlaps rule %s on %s", r.Range, other.Range, r.DayOfWeek)
		}
	}
	return nil
}
