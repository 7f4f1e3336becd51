package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
)

var monday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

var staff = Actor{ID: "staff-1", Role: "staff"}

func newService() (*Service, *storage.Memory) {
	mem := storage.NewMemory()
	return NewService(mem, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil))), mem
}

func seed(t *testing.T, mem *storage.Memory, status model.Status) model.Appointment {
	t.Helper()
	a := &model.Appointment{UserID: "u1", Date: monday, Range: model.TimeRange{Start: 540, End: 600}, Status: status}
	if err := mem.InsertAppointment(context.Background(), a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return *a
}

func eventsOf(mem *storage.Memory, topic string) []outbox.Record {
	var out []outbox.Record
	for _, e := range mem.Events() {
		if e.EventType == topic {
			out = append(out, e)
		}
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	all := model.AllStatuses
	for _, from := range all {
		for _, to := range all {
			t.Run(fmt.Sprintf("%s_to_%s", from, to), func(t *testing.T) {
				svc, mem := newService()
				a := seed(t, mem, from)
				_, err := svc.Transition(context.Background(), a.ID, to, staff, "")
				want := CanTransition(from, to)
				if want && err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if !want && !errors.Is(err, apperr.ErrInvalidTransition) {
					t.Fatalf("expected invalid transition, got %v", err)
				}
			})
		}
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, st := range model.AllStatuses {
		if st.Terminal() && len(edges[st]) != 0 {
			t.Fatalf("terminal status %s has outgoing edges", st)
		}
	}
}

func TestCompleteStampsAndIsNotRepeatable(t *testing.T) {
	svc, mem := newService()
	a := seed(t, mem, model.StatusApproved)

	done, err := svc.Complete(context.Background(), a.ID, "staff-9", "all good")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != model.StatusCompleted || done.CompletedAt == nil || done.CompletedBy != "staff-9" || done.CompletionNotes != "all good" {
		t.Fatalf("completion not stamped: %+v", done)
	}

	_, err = svc.Complete(context.Background(), a.ID, "staff-9", "again")
	if !errors.Is(err, apperr.ErrAlreadyCompleted) || !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected already completed (an invalid transition), got %v", err)
	}
	stored, _ := mem.GetAppointment(context.Background(), a.ID)
	if stored.CompletionNotes != "all good" {
		t.Fatalf("second completion must not overwrite notes")
	}
}

func TestCompletePendingIsInvalid(t *testing.T) {
	svc, mem := newService()
	a := seed(t, mem, model.StatusPending)
	_, err := svc.Complete(context.Background(), a.ID, "staff-1", "")
	if !errors.Is(err, apperr.ErrInvalidTransition) || errors.Is(err, apperr.ErrAlreadyCompleted) {
		t.Fatalf("expected plain invalid transition, got %v", err)
	}
}

func TestCancelStampsReasonAndPublishes(t *testing.T) {
	svc, mem := newService()
	a := seed(t, mem, model.StatusPending)
	got, err := svc.Transition(context.Background(), a.ID, model.StatusCancelled, staff, "patient request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.CancelledAt == nil || got.CancelReason != "patient request" {
		t.Fatalf("cancel not stamped: %+v", got)
	}
	changed := eventsOf(mem, outbox.TopicAppointmentStatusChanged)
	if len(changed) != 1 {
		t.Fatalf("expected 1 status event, got %d", len(changed))
	}
	snapshots := eventsOf(mem, outbox.TopicAnalyticsUpdated)
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 analytics snapshot, got %d", len(snapshots))
	}
	var snap outbox.AnalyticsUpdated
	_ = json.Unmarshal(snapshots[0].Payload, &snap)
	if snap.Snapshot["cancelled"] != 1 || snap.Snapshot["total"] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestTransitionUnknownAppointment(t *testing.T) {
	svc, _ := newService()
	_, err := svc.Transition(context.Background(), "missing", model.StatusApproved, staff, "")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBatchTooLargeHasNoSideEffects(t *testing.T) {
	svc, mem := newService()
	ids := make([]string, 0, MaxBatchSize+1)
	for i := 0; i <= MaxBatchSize; i++ {
		ids = append(ids, seed(t, mem, model.StatusPending).ID)
	}
	before := len(mem.Events())

	_, err := svc.BatchTransition(context.Background(), ids, model.StatusApproved, staff, "", BatchOptions{Notify: true})
	if !errors.Is(err, apperr.ErrBatchTooLarge) {
		t.Fatalf("expected batch too large, got %v", err)
	}
	n, _ := mem.CountAppointments(context.Background(), storage.AppointmentFilter{Statuses: []model.Status{model.StatusApproved}})
	if n != 0 || len(mem.Events()) != before {
		t.Fatalf("oversized batch changed state: approved=%d events=%d", n, len(mem.Events())-before)
	}
}

func TestBatchPartialFailure(t *testing.T) {
	svc, mem := newService()
	p1 := seed(t, mem, model.StatusPending)
	p2 := seed(t, mem, model.StatusPending)
	done := seed(t, mem, model.StatusCompleted)

	ids := []string{p1.ID, done.ID, "missing", p2.ID, p1.ID}
	res, err := svc.BatchTransition(context.Background(), ids, model.StatusApproved, staff, "bulk approve", BatchOptions{Notify: true, IncludeReason: true})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(res.Succeeded) != 2 || res.Succeeded[0] != p1.ID || res.Succeeded[1] != p2.ID {
		t.Fatalf("unexpected succeeded %v", res.Succeeded)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("unexpected failures %+v", res.Failed)
	}
	if res.Failed[0].ID != done.ID || res.Failed[0].Reason != apperr.ReasonInvalidTransition {
		t.Fatalf("unexpected first failure %+v", res.Failed[0])
	}
	if res.Failed[1].ID != "missing" || res.Failed[1].Reason != apperr.ReasonNotFound {
		t.Fatalf("unexpected second failure %+v", res.Failed[1])
	}

	changed := eventsOf(mem, outbox.TopicAppointmentStatusChanged)
	if len(changed) != 2 {
		t.Fatalf("expected one event per success, got %d", len(changed))
	}
	var evt outbox.AppointmentStatusChanged
	_ = json.Unmarshal(changed[0].Payload, &evt)
	if evt.Reason != "bulk approve" || evt.From != "pending" || evt.To != "approved" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestBatchWithoutNotifyOrReason(t *testing.T) {
	svc, mem := newService()
	a := seed(t, mem, model.StatusPending)
	b := seed(t, mem, model.StatusPending)

	if _, err := svc.BatchTransition(context.Background(), []string{a.ID}, model.StatusApproved, staff, "quiet", BatchOptions{}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if n := len(eventsOf(mem, outbox.TopicAppointmentStatusChanged)); n != 0 {
		t.Fatalf("notify=false must not publish status events, got %d", n)
	}

	if _, err := svc.BatchTransition(context.Background(), []string{b.ID}, model.StatusApproved, staff, "secret", BatchOptions{Notify: true}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	changed := eventsOf(mem, outbox.TopicAppointmentStatusChanged)
	var evt outbox.AppointmentStatusChanged
	_ = json.Unmarshal(changed[0].Payload, &evt)
	if evt.Reason != "" {
		t.Fatalf("reason leaked without IncludeReason: %q", evt.Reason)
	}
}

func TestBatchCancelledContextAbortsRemaining(t *testing.T) {
	svc, mem := newService()
	a := seed(t, mem, model.StatusPending)
	b := seed(t, mem, model.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := svc.BatchTransition(ctx, []string{a.ID, b.ID}, model.StatusApproved, staff, "", BatchOptions{})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(res.Succeeded) != 0 || len(res.Failed) != 2 || res.Failed[0].Reason != apperr.ReasonAborted {
		t.Fatalf("expected all aborted, got %+v", res)
	}
	n, _ := mem.CountAppointments(context.Background(), storage.AppointmentFilter{Statuses: []model.Status{model.StatusApproved}})
	if n != 0 {
		t.Fatalf("aborted batch approved %d appointments", n)
	}
}

func TestDeleteHidesAppointment(t *testing.T) {
	svc, mem := newService()
	a := seed(t, mem, model.StatusPending)
	if err := svc.Delete(context.Background(), a.ID, staff); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(context.Background(), a.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := svc.Delete(context.Background(), a.ID, staff); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	list, _ := svc.List(context.Background(), "u1", monday, nil)
	if len(list) != 0 {
		t.Fatalf("deleted appointment still listed")
	}
}

func TestSnapshotFailureDoesNotFailTransition(t *testing.T) {
	svc, mem := newService()
	a := seed(t, mem, model.StatusPending)
	svc.store = failingSnapshots{Memory: mem}
	if _, err := svc.Transition(context.Background(), a.ID, model.StatusApproved, staff, ""); err != nil {
		t.Fatalf("transition should succeed despite snapshot failure: %v", err)
	}
}

type failingSnapshots struct {
	*storage.Memory
}

func (failingSnapshots) InsertEvent(context.Context, outbox.Event) error {
	return errors.New("outbox unavailable")
}

func TestTerminalAppointmentRejectsTransitions(t *testing.T) {
	svc, mem := newService()
	a := seed(t, mem, model.StatusCancelled)
	_, err := svc.Transition(context.Background(), a.ID, model.StatusApproved, Actor{ID: "staff-1", Role: "staff"}, "")
	if !errors.Is(err, apperr.ErrInvalidTransition) || !strings.Contains(err.Error(), "already cancelled") {
		t.Fatalf("expected terminal rejection, got %v", err)
	}
	if CanTransition(model.StatusNoShow, model.StatusCompleted) {
		t.Fatal("no-show must have no outgoing edges")
	}
}
