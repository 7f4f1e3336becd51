// Package admission decides whether a booking request becomes a pending
// appointment. The decision and the insert run as one atomic unit under
// per-user-day and per-slot locks, so concurrent requests cannot overshoot
// the daily limit or the slot capacity.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
)

type Request struct {
	UserID    string
	ServiceID string
	StaffID   string
	Purpose   string
	Notes     string
	Date      time.Time
	Range     model.TimeRange
}

func (r Request) validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return apperr.New(apperr.ReasonInvalidRequest, "user id is required")
	case r.Date.IsZero():
		return apperr.New(apperr.ReasonInvalidRequest, "date is required")
	case !r.Range.Valid():
		return apperr.New(apperr.ReasonInvalidRequest, "invalid time range %s", r.Range)
	}
	return nil
}

func (r Request) slot() model.Slot {
	return model.Slot{Date: model.DateOf(r.Date), Range: r.Range}
}

// LockKeys returns the keys guarding the request's user-day quota and slot capacity.
func LockKeys(r Request) []string {
	date := model.FormatDate(r.Date)
	return []string{
		fmt.Sprintf("user:%s:%s", r.UserID, date),
		fmt.Sprintf("slot:%s:%s", date, r.Range),
	}
}

type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

type Controller struct {
	store    storage.Store
	policies *policy.Store
	engine   *availability.Engine
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config
	tracer   trace.Tracer
}

func NewController(store storage.Store, policies *policy.Store, engine *availability.Engine, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Controller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	return &Controller{
		store:    store,
		policies: policies,
		engine:   engine,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		tracer:   otel.Tracer("booking/admission"),
	}
}

// Admit runs the admission decision and, when allowed, stores a pending
// appointment. Concurrency conflicts are retried up to MaxAttempts.
func (c *Controller) Admit(ctx context.Context, req Request) (model.Appointment, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "booking.admit", trace.WithAttributes(
		attribute.String("booking.user_id", req.UserID),
		attribute.String("booking.slot", req.slot().String()),
	))
	defer span.End()

	appt, err := c.admit(ctx, req)

	result := "admitted"
	if err != nil {
		result = string(apperr.ReasonOf(err))
		if result == "" {
			result = "error"
		}
		span.SetStatus(codes.Error, result)
	}
	c.metrics.ObserveAdmission(result, time.Since(start))
	span.SetAttributes(attribute.String("booking.result", result))

	switch {
	case err == nil:
		c.logger.Info("booking admitted", "appointment_id", appt.ID, "user_id", appt.UserID, "slot", appt.Slot().String())
	case apperr.Rejection(err):
		c.logger.Info("booking rejected", "user_id", req.UserID, "reason", result)
	default:
		c.logger.Error("booking admission failed", "user_id", req.UserID, "err", err)
	}
	return appt, err
}

func (c *Controller) admit(ctx context.Context, req Request) (model.Appointment, error) {
	if err := req.validate(); err != nil {
		return model.Appointment{}, err
	}
	req.Date = model.DateOf(req.Date)

	var appt model.Appointment
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err = c.store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
			if err := q.Lock(ctx, LockKeys(req)...); err != nil {
				return err
			}
			pol, err := c.policies.ActiveIn(ctx, q)
			if err != nil {
				return err
			}
			if err := c.Decide(ctx, q, pol, req); err != nil {
				return err
			}
			appt, err = insertPending(ctx, q, req)
			return err
		})
		if !apperr.Retryable(err) {
			return appt, err
		}
		if attempt < c.cfg.MaxAttempts {
			c.logger.Warn("admission conflict, retrying", "attempt", attempt, "user_id", req.UserID, "err", err)
			select {
			case <-ctx.Done():
				return model.Appointment{}, apperr.Wrap(apperr.ReasonAborted, ctx.Err(), "admission retry")
			case <-time.After(time.Duration(attempt) * c.cfg.RetryBackoff):
			}
		}
	}
	return model.Appointment{}, err
}

// Decide applies the daily limit (when pol is active) and then the
// availability engine. It returns nil when the request may be admitted.
func (c *Controller) Decide(ctx context.Context, q storage.Queries, pol model.CapacityPolicy, req Request) error {
	if pol.Active {
		n, err := q.CountAppointments(ctx, storage.AppointmentFilter{
			UserID:          req.UserID,
			Date:            req.Date,
			ExcludeStatuses: model.UncountedStatuses(),
		})
		if err != nil {
			return err
		}
		if n >= pol.DailyLimitPerUser {
			return apperr.New(apperr.ReasonDailyLimitReached,
				"daily limit of %d bookings reached for %s", pol.DailyLimitPerUser, model.FormatDate(req.Date))
		}
	}

	d, err := c.engine.Check(ctx, q, req.slot())
	if err != nil {
		return err
	}
	return d.Err()
}

func insertPending(ctx context.Context, q storage.Queries, req Request) (model.Appointment, error) {
	appt := model.Appointment{
		UserID:    req.UserID,
		ServiceID: req.ServiceID,
		StaffID:   req.StaffID,
		Purpose:   req.Purpose,
		Notes:     req.Notes,
		Date:      req.Date,
		Range:     req.Range,
		Status:    model.StatusPending,
	}
	if err := q.InsertAppointment(ctx, &appt); err != nil {
		return model.Appointment{}, err
	}
	err := outbox.Publish(ctx, q, outbox.TopicAppointmentAdmitted, "appointment", appt.ID, outbox.AppointmentAdmitted{
		AppointmentID: appt.ID,
		UserID:        appt.UserID,
		ServiceID:     appt.ServiceID,
		StaffID:       appt.StaffID,
		Date:          model.FormatDate(appt.Date),
		StartTime:     appt.Range.Start.String(),
		EndTime:       appt.Range.End.String(),
	})
	return appt, err
}

// RemainingBookings reports how many more bookings userID may make on date.
// It returns nil when the policy is inactive and no limit applies.
func (c *Controller) RemainingBookings(ctx context.Context, userID string, date time.Time) (*int, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.New(apperr.ReasonInvalidRequest, "user id is required")
	}
	pol, err := c.policies.Active(ctx)
	if err != nil {
		return nil, err
	}
	if !pol.Active {
		return nil, nil
	}
	n, err := c.store.CountAppointments(ctx, storage.AppointmentFilter{
		UserID:          userID,
		Date:            model.DateOf(date),
		ExcludeStatuses: model.UncountedStatuses(),
	})
	if err != nil {
		return nil, err
	}
	remaining := max(0, pol.DailyLimitPerUser-n)
	return &remaining, nil
}
