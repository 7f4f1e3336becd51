// Package lifecycle moves appointments through their status state machine.
package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
)

// MaxBatchSize bounds BatchTransition inputs.
const MaxBatchSize = 100

var edges = map[model.Status][]model.Status{
	model.StatusPending:  {model.StatusApproved, model.StatusCancelled, model.StatusNoShow},
	model.StatusApproved: {model.StatusCompleted, model.StatusCancelled, model.StatusNoShow},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to model.Status) bool {
	if from.Terminal() {
		return false
	}
	return slices.Contains(edges[from], to)
}

type Actor struct {
	ID   string
	Role string
}

type BatchOptions struct {
	// Notify publishes a status-changed event per succeeded item.
	Notify bool
	// IncludeReason copies the transition reason into those events.
	IncludeReason bool
}

type BatchFailure struct {
	ID      string        `json:"id"`
	Reason  apperr.Reason `json:"reason"`
	Message string        `json:"message"`
}

type BatchResult struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

type Service struct {
	store   storage.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
}

func NewService(store storage.Store, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		tracer:  otel.Tracer("booking/lifecycle"),
	}
}

func lockKey(id string) string { return "appointment:" + id }

func (s *Service) Get(ctx context.Context, id string) (model.Appointment, error) {
	return s.store.GetAppointment(ctx, id)
}

// List returns the user's appointments on date, or all of the user's
// appointments when date is zero.
func (s *Service) List(ctx context.Context, userID string, date time.Time, statuses []model.Status) ([]model.Appointment, error) {
	return s.store.ListAppointments(ctx, storage.AppointmentFilter{UserID: userID, Date: date, Statuses: statuses})
}

// Transition moves appointment id to target. Completing through Transition
// stamps the completion fields the same way Complete does.
func (s *Service) Transition(ctx context.Context, id string, target model.Status, actor Actor, reason string) (model.Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "appointment.transition", trace.WithAttributes(
		attribute.String("appointment.id", id),
		attribute.String("appointment.target", string(target)),
	))
	defer span.End()

	appt, from, err := s.apply(ctx, id, target, actor, reason, "", BatchOptions{Notify: true, IncludeReason: true})
	s.observe(target, err)
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment transitioned", "appointment_id", id, "from", from, "to", target, "actor", actor.ID)
	s.publishSnapshot(ctx, appt.Date)
	return appt, nil
}

// Complete marks an approved appointment completed.
func (s *Service) Complete(ctx context.Context, id, completedBy, notes string) (model.Appointment, error) {
	appt, _, err := s.apply(ctx, id, model.StatusCompleted, Actor{ID: completedBy}, "", notes, BatchOptions{Notify: true})
	s.observe(model.StatusCompleted, err)
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment completed", "appointment_id", id, "completed_by", completedBy)
	s.publishSnapshot(ctx, appt.Date)
	return appt, nil
}

// BatchTransition applies target to every distinct id, each in its own
// transaction. A cancelled ctx stops the batch and reports the rest as aborted.
func (s *Service) BatchTransition(ctx context.Context, ids []string, target model.Status, actor Actor, reason string, opts BatchOptions) (BatchResult, error) {
	if len(ids) > MaxBatchSize {
		return BatchResult{}, apperr.New(apperr.ReasonBatchTooLarge, "batch of %d exceeds maximum of %d", len(ids), MaxBatchSize)
	}
	if !target.Valid() {
		return BatchResult{}, apperr.New(apperr.ReasonInvalidRequest, "unknown target status %q", target)
	}

	ctx, span := s.tracer.Start(ctx, "appointment.batch_transition", trace.WithAttributes(
		attribute.Int("batch.size", len(ids)),
		attribute.String("appointment.target", string(target)),
	))
	defer span.End()

	seen := make(map[string]bool, len(ids))
	res := BatchResult{Succeeded: []string{}, Failed: []BatchFailure{}}
	dates := make(map[time.Time]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		if err := ctx.Err(); err != nil {
			res.Failed = append(res.Failed, BatchFailure{ID: id, Reason: apperr.ReasonAborted, Message: "batch aborted"})
			continue
		}
		appt, _, err := s.apply(ctx, id, target, actor, reason, "", opts)
		s.observe(target, err)
		if err != nil {
			res.Failed = append(res.Failed, failure(id, err))
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
		dates[appt.Date] = true
	}

	s.logger.Info("batch transition finished",
		"target", target,
		"actor", actor.ID,
		"succeeded", len(res.Succeeded),
		"failed", len(res.Failed),
	)
	for date := range dates {
		s.publishSnapshot(context.WithoutCancel(ctx), date)
	}
	return res, nil
}

// Delete soft-deletes an appointment; it disappears from reads and counts.
func (s *Service) Delete(ctx context.Context, id string, actor Actor) error {
	var date time.Time
	err := s.store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		if err := q.Lock(ctx, lockKey(id)); err != nil {
			return err
		}
		appt, err := q.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		appt.DeletedAt = &now
		date = appt.Date
		return q.UpdateAppointment(ctx, appt)
	})
	if err != nil {
		return err
	}
	s.logger.Info("appointment deleted", "appointment_id", id, "actor", actor.ID)
	s.publishSnapshot(ctx, date)
	return nil
}

func (s *Service) apply(ctx context.Context, id string, target model.Status, actor Actor, reason, notes string, opts BatchOptions) (model.Appointment, model.Status, error) {
	var (
		appt model.Appointment
		from model.Status
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		if err := q.Lock(ctx, lockKey(id)); err != nil {
			return err
		}
		var err error
		appt, err = q.GetAppointment(ctx, id)
		if err != nil {
			return err
		}
		from = appt.Status

		if target == model.StatusCompleted && (appt.Status == model.StatusCompleted || appt.CompletedAt != nil) {
			return apperr.AlreadyCompleted(id)
		}
		if appt.Status.Terminal() {
			return apperr.New(apperr.ReasonInvalidTransition, "appointment %s is already %s", id, appt.Status)
		}
		if !CanTransition(appt.Status, target) {
			return apperr.New(apperr.ReasonInvalidTransition, "cannot move appointment %s from %s to %s", id, appt.Status, target)
		}

		now := s.now()
		appt.Status = target
		switch target {
		case model.StatusCompleted:
			appt.CompletedAt = &now
			appt.CompletedBy = actor.ID
			appt.CompletionNotes = notes
		case model.StatusCancelled:
			appt.CancelledAt = &now
			appt.CancelReason = reason
		}
		if err := q.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		if !opts.Notify {
			return nil
		}
		evt := outbox.AppointmentStatusChanged{
			AppointmentID: appt.ID,
			UserID:        appt.UserID,
			From:          string(from),
			To:            string(target),
			Actor:         actor.ID,
			Timestamp:     now.UTC().Format(time.RFC3339),
		}
		if opts.IncludeReason {
			evt.Reason = reason
		}
		return outbox.Publish(ctx, q, outbox.TopicAppointmentStatusChanged, "appointment", appt.ID, evt)
	})
	return appt, from, err
}

// publishSnapshot emits the per-date status counts. Loss of a snapshot is
// tolerated; the next transition publishes a fresh one.
func (s *Service) publishSnapshot(ctx context.Context, date time.Time) {
	counts, err := s.store.StatusCounts(ctx, date)
	if err != nil {
		s.logger.Warn("analytics snapshot skipped", "date", model.FormatDate(date), "err", err)
		return
	}
	snapshot := make(map[string]int, len(counts)+1)
	total := 0
	for st, n := range counts {
		snapshot[string(st)] = n
		total += n
	}
	snapshot["total"] = total
	outbox.PublishBestEffort(ctx, s.logger, s.store, outbox.TopicAnalyticsUpdated, "analytics", model.FormatDate(date), outbox.AnalyticsUpdated{
		Date:      model.FormatDate(date),
		Snapshot:  snapshot,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Service) observe(target model.Status, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.ReasonOf(err))
		if result == "" {
			result = "error"
		}
	}
	s.metrics.ObserveTransition(string(target), result)
}

func failure(id string, err error) BatchFailure {
	reason := apperr.ReasonOf(err)
	if reason == "" {
		reason = apperr.ReasonPersistenceUnavailable
	}
	return BatchFailure{ID: id, Reason: reason, Message: err.Error()}
}
