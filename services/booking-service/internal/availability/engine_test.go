package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
)

var monday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func rng(t *testing.T, start, end string) model.TimeRange {
	t.Helper()
	r, err := model.ParseTimeRange(start, end)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	return r
}

func seedRule(t *testing.T, mem *storage.Memory, day time.Weekday, r model.TimeRange, max int) {
	t.Helper()
	rule := &model.SlotCapacityRule{DayOfWeek: day, Range: r, MaxAppointmentsPerSlot: max, Active: true}
	if err := mem.UpsertSlotRule(context.Background(), rule); err != nil {
		t.Fatalf("rule: %v", err)
	}
}

func book(t *testing.T, mem *storage.Memory, r model.TimeRange, status model.Status) {
	t.Helper()
	a := &model.Appointment{UserID: "u", Date: monday, Range: r, Status: status}
	if err := mem.InsertAppointment(context.Background(), a); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestIsBookableUnconstrainedWithoutRule(t *testing.T) {
	mem := storage.NewMemory()
	e := NewEngine(mem)
	for i := 0; i < 5; i++ {
		book(t, mem, rng(t, "09:00", "10:00"), model.StatusPending)
	}
	d, err := e.IsBookable(context.Background(), monday, rng(t, "09:00", "10:00"))
	if err != nil || !d.Allowed {
		t.Fatalf("expected allowed, got %+v err=%v", d, err)
	}
}

func TestIsBookableSlotFullAtCapacity(t *testing.T) {
	mem := storage.NewMemory()
	e := NewEngine(mem)
	slot := rng(t, "09:00", "10:00")
	seedRule(t, mem, time.Monday, rng(t, "09:00", "12:00"), 2)

	book(t, mem, slot, model.StatusPending)
	book(t, mem, slot, model.StatusCancelled)
	d, _ := e.IsBookable(context.Background(), monday, slot)
	if !d.Allowed {
		t.Fatalf("cancelled bookings must not count: %+v", d)
	}

	book(t, mem, slot, model.StatusCompleted)
	d, _ = e.IsBookable(context.Background(), monday, slot)
	if d.Allowed || d.Reason != apperr.ReasonSlotFull {
		t.Fatalf("expected slot full, got %+v", d)
	}
	if !errors.Is(d.Err(), apperr.ErrSlotFull) {
		t.Fatalf("decision error should match ErrSlotFull: %v", d.Err())
	}

	other, _ := e.IsBookable(context.Background(), monday, rng(t, "10:00", "11:00"))
	if !other.Allowed {
		t.Fatalf("capacity is per exact slot, got %+v", other)
	}
}

func TestIsBookableRangeOutsideRule(t *testing.T) {
	mem := storage.NewMemory()
	e := NewEngine(mem)
	seedRule(t, mem, time.Monday, rng(t, "09:00", "12:00"), 1)
	book(t, mem, rng(t, "11:30", "12:30"), model.StatusPending)
	d, _ := e.IsBookable(context.Background(), monday, rng(t, "11:30", "12:30"))
	if !d.Allowed {
		t.Fatalf("range not contained by any rule is unconstrained, got %+v", d)
	}
}

func TestIsBookableBlackouts(t *testing.T) {
	mem := storage.NewMemory()
	e := NewEngine(mem)
	ctx := context.Background()
	lunch := rng(t, "12:00", "13:00")
	if err := mem.UpsertBlackout(ctx, &model.BlackoutWindow{Recurring: true, RecurringDays: []time.Weekday{time.Monday}, Range: &lunch, Active: true, Reason: "lunch"}); err != nil {
		t.Fatalf("blackout: %v", err)
	}

	cases := []struct {
		name    string
		r       model.TimeRange
		allowed bool
	}{
		{"overlaps lunch", rng(t, "12:30", "13:30"), false},
		{"ends at lunch", rng(t, "11:00", "12:00"), true},
		{"starts after lunch", rng(t, "13:00", "14:00"), true},
	}
	for _, tc := range cases {
		d, err := e.IsBookable(ctx, monday, tc.r)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if d.Allowed != tc.allowed {
			t.Fatalf("%s: expected allowed=%v got %+v", tc.name, tc.allowed, d)
		}
		if !d.Allowed && d.Reason != apperr.ReasonBlackoutDate {
			t.Fatalf("%s: expected blackout reason, got %s", tc.name, d.Reason)
		}
	}

	if err := mem.UpsertBlackout(ctx, &model.BlackoutWindow{Date: monday, Active: true, Reason: "holiday"}); err != nil {
		t.Fatalf("blackout: %v", err)
	}
	d, _ := e.IsBookable(ctx, monday, rng(t, "08:00", "09:00"))
	if d.Allowed || d.Detail != "2025-03-10 is blacked out: holiday" {
		t.Fatalf("expected exact whole-day blackout, got %+v", d)
	}
	tuesday, _ := e.IsBookable(ctx, monday.AddDate(0, 0, 1), rng(t, "12:00", "13:00"))
	if !tuesday.Allowed {
		t.Fatalf("monday blackouts must not affect tuesday: %+v", tuesday)
	}
}

func TestBlackoutForPrefersExact(t *testing.T) {
	windows := []model.BlackoutWindow{
		{ID: "r", Recurring: true, RecurringDays: []time.Weekday{time.Monday}, Active: true},
		{ID: "e", Date: monday, Active: true},
	}
	b, ok := BlackoutFor(windows, monday, model.TimeRange{Start: 0, End: 60})
	if !ok || b.ID != "e" {
		t.Fatalf("expected exact window first, got %+v ok=%v", b, ok)
	}
}

func TestSlotsReadModel(t *testing.T) {
	mem := storage.NewMemory()
	e := NewEngine(mem)
	e.now = func() time.Time { return monday.Add(-24 * time.Hour) }
	seedRule(t, mem, time.Monday, rng(t, "09:00", "11:00"), 2)
	book(t, mem, rng(t, "09:00", "10:00"), model.StatusApproved)

	lunch := rng(t, "10:30", "11:00")
	if err := mem.UpsertBlackout(context.Background(), &model.BlackoutWindow{Date: monday, Range: &lunch, Active: true, Reason: "meeting"}); err != nil {
		t.Fatalf("blackout: %v", err)
	}

	slots, err := e.Slots(context.Background(), monday, time.Hour)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %+v", slots)
	}
	if slots[0].Booked != 1 || slots[0].Remaining != 1 || slots[0].Blocked {
		t.Fatalf("unexpected first slot %+v", slots[0])
	}
	if !slots[1].Blocked || slots[1].Remaining != 0 || slots[1].BlockReason != "meeting" {
		t.Fatalf("unexpected second slot %+v", slots[1])
	}

	e.now = func() time.Time { return monday.Add(48 * time.Hour) }
	past, _ := e.Slots(context.Background(), monday, time.Hour)
	if len(past) != 0 {
		t.Fatalf("past dates have no slots, got %+v", past)
	}
}
