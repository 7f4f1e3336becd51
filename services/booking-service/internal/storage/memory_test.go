package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC) // Monday

func nineToTen() model.TimeRange {
	return model.TimeRange{Start: 9 * 60, End: 10 * 60}
}

func TestMemoryTxRollbackOnError(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	err := m.WithTx(context.Background(), func(ctx context.Context, q Queries) error {
		a := &model.Appointment{UserID: "u1", Date: day, Range: nineToTen(), Status: model.StatusPending}
		if err := q.InsertAppointment(ctx, a); err != nil {
			return err
		}
		if n, _ := q.CountAppointments(ctx, AppointmentFilter{UserID: "u1"}); n != 1 {
			t.Fatalf("expected staged write visible inside tx, got %d", n)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n, _ := m.CountAppointments(context.Background(), AppointmentFilter{UserID: "u1"}); n != 0 {
		t.Fatalf("expected rollback, found %d appointments", n)
	}
}

func TestMemoryTxCancelledBeforeCommitDiscardsWrites(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	err := m.WithTx(ctx, func(ctx context.Context, q Queries) error {
		if err := q.InsertAppointment(ctx, &model.Appointment{UserID: "u1", Date: day, Range: nineToTen()}); err != nil {
			return err
		}
		if err := q.InsertEvent(ctx, outbox.Event{EventType: "x"}); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, apperr.ErrAborted) {
		t.Fatalf("expected aborted, got %v", err)
	}
	if n, _ := m.CountAppointments(context.Background(), AppointmentFilter{}); n != 0 {
		t.Fatalf("expected no appointments, got %d", n)
	}
	if len(m.Events()) != 0 {
		t.Fatalf("expected no events")
	}
}

func TestMemoryLockSerialisesSameKey(t *testing.T) {
	m := NewMemory()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithTx(context.Background(), func(ctx context.Context, q Queries) error {
				if err := q.Lock(ctx, "slot:a", "user:b"); err != nil {
					return err
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected exclusive critical section, saw %d concurrent holders", maxInside)
	}
	if len(m.locks.held) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(m.locks.held))
	}
}

func TestMemoryUnrelatedKeysDoNotBlock(t *testing.T) {
	m := NewMemory()
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithTx(context.Background(), func(ctx context.Context, q Queries) error {
			_ = q.Lock(ctx, "user:a:2025-03-10")
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := m.WithTx(ctx, func(ctx context.Context, q Queries) error {
		return q.Lock(ctx, "user:b:2025-03-10")
	})
	if err != nil {
		t.Fatalf("unrelated key blocked: %v", err)
	}
}

func TestMemoryLockHonoursContext(t *testing.T) {
	m := NewMemory()
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithTx(context.Background(), func(ctx context.Context, q Queries) error {
			_ = q.Lock(ctx, "policy")
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithTx(ctx, func(ctx context.Context, q Queries) error {
		return q.Lock(ctx, "policy")
	})
	if !errors.Is(err, apperr.ErrAborted) {
		t.Fatalf("expected aborted, got %v", err)
	}
}

func TestMemoryFilterExcludesDeletedAndStatuses(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, st := range []model.Status{model.StatusPending, model.StatusCancelled, model.StatusCompleted} {
		if err := m.InsertAppointment(ctx, &model.Appointment{UserID: "u1", Date: day, Range: nineToTen(), Status: st}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	r := nineToTen()
	n, _ := m.CountAppointments(ctx, AppointmentFilter{Date: day, Range: &r, ExcludeStatuses: []model.Status{model.StatusCancelled}})
	if n != 2 {
		t.Fatalf("expected 2 non-cancelled, got %d", n)
	}

	list, _ := m.ListAppointments(ctx, AppointmentFilter{Statuses: []model.Status{model.StatusPending}})
	deleted := list[0]
	now := time.Now()
	deleted.DeletedAt = &now
	if err := m.UpdateAppointment(ctx, deleted); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := m.GetAppointment(ctx, deleted.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected deleted appointment to be hidden, got %v", err)
	}
	counts, _ := m.StatusCounts(ctx, day)
	if counts[model.StatusPending] != 0 || counts[model.StatusCancelled] != 1 || counts[model.StatusCompleted] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestMemoryPolicyEnsureAndUpdate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, ok, _ := m.CurrentPolicy(ctx); ok {
		t.Fatalf("expected no policy before ensure")
	}
	p, err := m.EnsurePolicy(ctx, model.DefaultPolicy())
	if err != nil || p.DailyLimitPerUser != 3 || !p.Active || p.ID == "" {
		t.Fatalf("unexpected default policy %+v err=%v", p, err)
	}
	again, _ := m.EnsurePolicy(ctx, model.CapacityPolicy{DailyLimitPerUser: 9})
	if again.ID != p.ID || again.DailyLimitPerUser != 3 {
		t.Fatalf("ensure must not replace existing policy: %+v", again)
	}
	p.DailyLimitPerUser = 5
	updated, err := m.UpdatePolicy(ctx, p)
	if err != nil || updated.DailyLimitPerUser != 5 || updated.ID != p.ID {
		t.Fatalf("update: %+v err=%v", updated, err)
	}
}

func TestSlotRuleOverlapRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first := &model.SlotCapacityRule{DayOfWeek: time.Monday, Range: model.TimeRange{Start: 540, End: 720}, MaxAppointmentsPerSlot: 2, Active: true}
	if err := m.UpsertSlotRule(ctx, first); err != nil {
		t.Fatalf("first rule: %v", err)
	}
	overlap := &model.SlotCapacityRule{DayOfWeek: time.Monday, Range: model.TimeRange{Start: 660, End: 780}, MaxAppointmentsPerSlot: 1, Active: true}
	if err := m.UpsertSlotRule(ctx, overlap); !errors.Is(err, apperr.ErrInvalidPolicy) {
		t.Fatalf("expected invalid policy, got %v", err)
	}
	overlap.Active = false
	if err := m.UpsertSlotRule(ctx, overlap); err != nil {
		t.Fatalf("inactive overlapping rule should be accepted: %v", err)
	}
	other := &model.SlotCapacityRule{DayOfWeek: time.Tuesday, Range: model.TimeRange{Start: 540, End: 720}, MaxAppointmentsPerSlot: 1, Active: true}
	if err := m.UpsertSlotRule(ctx, other); err != nil {
		t.Fatalf("different weekday: %v", err)
	}
	bad := &model.SlotCapacityRule{DayOfWeek: time.Monday, Range: model.TimeRange{Start: 800, End: 900}, MaxAppointmentsPerSlot: 0, Active: true}
	if err := m.UpsertSlotRule(ctx, bad); !errors.Is(err, apperr.ErrInvalidPolicy) {
		t.Fatalf("expected invalid policy for zero capacity, got %v", err)
	}
	rules, _ := m.ListSlotRules(ctx, time.Monday)
	if len(rules) != 2 {
		t.Fatalf("expected 2 monday rules, got %d", len(rules))
	}
}

func TestListBlackoutsExactBeforeRecurring(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	recurring := &model.BlackoutWindow{Recurring: true, RecurringDays: []time.Weekday{time.Monday}, Active: true, Reason: "weekly"}
	exact := &model.BlackoutWindow{Date: day, Active: true, Reason: "holiday"}
	inactive := &model.BlackoutWindow{Date: day, Active: false}
	for _, b := range []*model.BlackoutWindow{recurring, exact, inactive} {
		if err := m.UpsertBlackout(ctx, b); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	got, _ := m.ListBlackouts(ctx, day)
	if len(got) != 2 || got[0].Reason != "holiday" || got[1].Reason != "weekly" {
		t.Fatalf("unexpected blackouts %+v", got)
	}
	if err := m.UpsertBlackout(ctx, &model.BlackoutWindow{Active: true}); !errors.Is(err, apperr.ErrInvalidPolicy) {
		t.Fatalf("expected invalid policy for empty window, got %v", err)
	}
}

func TestMemoryClaimBatchMarksPublished(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = m.InsertEvent(ctx, outbox.Event{EventType: outbox.TopicSettingsUpdated, Payload: []byte(`{}`)})
	}
	var seen int
	err := m.ClaimBatch(ctx, 2, func(recs []outbox.Record) ([]int64, error) {
		seen = len(recs)
		return []int64{recs[0].ID, recs[1].ID}, nil
	})
	if err != nil || seen != 2 {
		t.Fatalf("claim: seen=%d err=%v", seen, err)
	}
	_ = m.ClaimBatch(ctx, 10, func(recs []outbox.Record) ([]int64, error) {
		seen = len(recs)
		return nil, nil
	})
	if seen != 1 {
		t.Fatalf("expected 1 unpublished event left, got %d", seen)
	}
}

func TestMemoryClaimBatchDropsPublished(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.InsertEvent(ctx, outbox.Event{EventType: "x"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	err := m.ClaimBatch(ctx, 2, func(batch []outbox.Record) ([]int64, error) {
		if len(batch) != 2 {
			t.Fatalf("expected batch of 2, got %d", len(batch))
		}
		return []int64{batch[0].ID, batch[1].ID}, nil
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	left := m.Events()
	if len(left) != 1 || left[0].ID != 3 {
		t.Fatalf("expected only record 3 to remain, got %+v", left)
	}
}

func TestMemoryEventRetentionDropsOldest(t *testing.T) {
	m := NewMemory()
	m.SetEventRetention(2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := m.InsertEvent(ctx, outbox.Event{EventType: "x"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	left := m.Events()
	if len(left) != 2 || left[0].ID != 4 || left[1].ID != 5 {
		t.Fatalf("expected the two newest records, got %+v", left)
	}
}
