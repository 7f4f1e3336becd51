package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/bookinggate/libs/db"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	*pgQueries
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pgQueries: &pgQueries{q: pool.Pool}, pool: pool}
}

func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	err := p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgQueries{q: tx, inTx: true})
	})
	return mapErr("transaction", err)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return mapErr("ping", p.pool.Ping(ctx))
}

// ClaimBatch locks up to limit unpublished rows with SKIP LOCKED so parallel
// relays never send the same event, and marks the ids fn returns as published.
func (p *Postgres) ClaimBatch(ctx context.Context, limit int, fn func([]outbox.Record) ([]int64, error)) error {
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, event_id, aggregate_type, aggregate_id, event_type, payload,
				COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return err
		}
		records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Record, error) {
			var r outbox.Record
			err := row.Scan(&r.ID, &r.EventID, &r.AggregateType, &r.AggregateID, &r.EventType, &r.Payload,
				&r.Traceparent, &r.Tracestate, &r.CreatedAt)
			return r, err
		})
		if err != nil {
			return err
		}

		ids, err := fn(records)
		if err != nil || len(ids) == 0 {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE outbox_events
			SET published_at = now()
			WHERE id = ANY($1)
		`, ids)
		return err
	})
}

type pgQueries struct {
	q    querier
	inTx bool
}

func (s *pgQueries) Lock(ctx context.Context, keys ...string) error {
	if !s.inTx {
		return nil
	}
	for _, key := range sortedKeys(keys) {
		if _, err := s.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return mapErr("lock "+key, err)
		}
	}
	return nil
}

const appointmentColumns = `
	id, user_id, staff_id, service_id, appointment_date, start_minute, end_minute, status,
	purpose, notes, staff_notes, completed_at, completion_notes, completed_by,
	cancelled_at, cancel_reason, created_at, updated_at, deleted_at`

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		a          model.Appointment
		start, end int
		status     string
	)
	err := row.Scan(&a.ID, &a.UserID, &a.StaffID, &a.ServiceID, &a.Date, &start, &end, &status,
		&a.Purpose, &a.Notes, &a.StaffNotes, &a.CompletedAt, &a.CompletionNotes, &a.CompletedBy,
		&a.CancelledAt, &a.CancelReason, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Date = model.DateOf(a.Date)
	a.Range = model.TimeRange{Start: model.Clock(start), End: model.Clock(end)}
	a.Status = model.Status(status)
	return a, nil
}

func appointmentWhere(f AppointmentFilter) (string, []any) {
	conds := []string{"deleted_at IS NULL"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if !f.Date.IsZero() {
		add("appointment_date = $%d", model.DateOf(f.Date))
	}
	if f.Range != nil {
		add("start_minute = $%d", int(f.Range.Start))
		add("end_minute = $%d", int(f.Range.End))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusStrings(f.Statuses))
	}
	if len(f.ExcludeStatuses) > 0 {
		add("NOT (status = ANY($%d))", statusStrings(f.ExcludeStatuses))
	}
	return strings.Join(conds, " AND "), args
}

func statusStrings(in []model.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (s *pgQueries) CountAppointments(ctx context.Context, f AppointmentFilter) (int, error) {
	where, args := appointmentWhere(f)
	var n int
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM appointments WHERE `+where, args...).Scan(&n)
	return n, mapErr("count appointments", err)
}

func (s *pgQueries) ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	where, args := appointmentWhere(f)
	sql := `SELECT ` + appointmentColumns + ` FROM appointments WHERE ` + where +
		` ORDER BY appointment_date, start_minute, created_at`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr("list appointments", err)
	}
	appts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Appointment, error) {
		return scanAppointment(row)
	})
	return appts, mapErr("list appointments", err)
}

func (s *pgQueries) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Appointment{}, apperr.New(apperr.ReasonNotFound, "appointment %s not found", id)
	}
	a, err := scanAppointment(s.q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND deleted_at IS NULL
	`, id))
	if db.IsNotFound(err) {
		return model.Appointment{}, apperr.New(apperr.ReasonNotFound, "appointment %s not found", id)
	}
	return a, mapErr("get appointment", err)
}

func (s *pgQueries) InsertAppointment(ctx context.Context, a *model.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO appointments
			(id, user_id, staff_id, service_id, appointment_date, start_minute, end_minute, status, purpose, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, a.ID, a.UserID, a.StaffID, a.ServiceID, model.DateOf(a.Date), int(a.Range.Start), int(a.Range.End),
		string(a.Status), a.Purpose, a.Notes).Scan(&a.CreatedAt, &a.UpdatedAt)
	return mapErr("insert appointment", err)
}

func (s *pgQueries) UpdateAppointment(ctx context.Context, a model.Appointment) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
			staff_notes = $3,
			completed_at = $4,
			completion_notes = $5,
			completed_by = $6,
			cancelled_at = $7,
			cancel_reason = $8,
			deleted_at = $9,
			updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, a.ID, string(a.Status), a.StaffNotes, a.CompletedAt, a.CompletionNotes, a.CompletedBy,
		a.CancelledAt, a.CancelReason, a.DeletedAt)
	if err != nil {
		return mapErr("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.ReasonNotFound, "appointment %s not found", a.ID)
	}
	return nil
}

func (s *pgQueries) StatusCounts(ctx context.Context, date time.Time) (map[model.Status]int, error) {
	rows, err := s.q.Query(ctx, `
		SELECT status, count(*)
		FROM appointments
		WHERE appointment_date = $1 AND deleted_at IS NULL
		GROUP BY status
	`, model.DateOf(date))
	if err != nil {
		return nil, mapErr("status counts", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapErr("status counts", err)
		}
		counts[model.Status(status)] = n
	}
	return counts, mapErr("status counts", rows.Err())
}

const policyColumns = `id, daily_limit_per_user, active, description, last_updated_by, updated_at`

func scanPolicy(row pgx.Row) (model.CapacityPolicy, error) {
	var p model.CapacityPolicy
	err := row.Scan(&p.ID, &p.DailyLimitPerUser, &p.Active, &p.Description, &p.LastUpdatedBy, &p.UpdatedAt)
	return p, err
}

func (s *pgQueries) CurrentPolicy(ctx context.Context) (model.CapacityPolicy, bool, error) {
	p, err := scanPolicy(s.q.QueryRow(ctx, `SELECT `+policyColumns+` FROM capacity_policies WHERE is_current`))
	if db.IsNotFound(err) {
		return model.CapacityPolicy{}, false, nil
	}
	if err != nil {
		return model.CapacityPolicy{}, false, mapErr("current policy", err)
	}
	return p, true, nil
}

func (s *pgQueries) EnsurePolicy(ctx context.Context, def model.CapacityPolicy) (model.CapacityPolicy, error) {
	if p, ok, err := s.CurrentPolicy(ctx); err != nil || ok {
		return p, err
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO capacity_policies (id, daily_limit_per_user, active, description, last_updated_by, is_current)
		VALUES ($1, $2, $3, $4, $5, true)
		ON CONFLICT (is_current) WHERE is_current DO NOTHING
	`, uuid.NewString(), def.DailyLimitPerUser, def.Active, def.Description, def.LastUpdatedBy)
	if err != nil {
		return model.CapacityPolicy{}, mapErr("ensure policy", err)
	}
	p, _, err := s.CurrentPolicy(ctx)
	return p, err
}

func (s *pgQueries) UpdatePolicy(ctx context.Context, p model.CapacityPolicy) (model.CapacityPolicy, error) {
	out, err := scanPolicy(s.q.QueryRow(ctx, `
		UPDATE capacity_policies
		SET daily_limit_per_user = $1,
			active = $2,
			description = $3,
			last_updated_by = $4,
			updated_at = now()
		WHERE is_current
		RETURNING `+policyColumns,
		p.DailyLimitPerUser, p.Active, p.Description, p.LastUpdatedBy))
	if db.IsNotFound(err) {
		return model.CapacityPolicy{}, apperr.New(apperr.ReasonNotFound, "no current capacity policy")
	}
	return out, mapErr("update policy", err)
}

func (s *pgQueries) ListBlackouts(ctx context.Context, date time.Time) ([]model.BlackoutWindow, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, blackout_date, recurring, recurring_days, start_minute, end_minute, active, reason
		FROM blackout_windows
		WHERE active
			AND (blackout_date = $1 OR (recurring AND $2 = ANY(recurring_days)))
		ORDER BY recurring, created_at
	`, model.DateOf(date), int32(date.Weekday()))
	if err != nil {
		return nil, mapErr("list blackouts", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.BlackoutWindow, error) {
		var (
			b          model.BlackoutWindow
			date       *time.Time
			days       []int32
			start, end *int
		)
		if err := row.Scan(&b.ID, &date, &b.Recurring, &days, &start, &end, &b.Active, &b.Reason); err != nil {
			return b, err
		}
		if date != nil {
			b.Date = model.DateOf(*date)
		}
		for _, d := range days {
			b.RecurringDays = append(b.RecurringDays, time.Weekday(d))
		}
		if start != nil && end != nil {
			b.Range = &model.TimeRange{Start: model.Clock(*start), End: model.Clock(*end)}
		}
		return b, nil
	})
	return out, mapErr("list blackouts", err)
}

func (s *pgQueries) ListSlotRules(ctx context.Context, day time.Weekday) ([]model.SlotCapacityRule, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, day_of_week, start_minute, end_minute, max_appointments_per_slot, active, description
		FROM slot_capacity_rules
		WHERE day_of_week = $1
		ORDER BY start_minute
	`, int(day))
	if err != nil {
		return nil, mapErr("list slot rules", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SlotCapacityRule, error) {
		var (
			r               model.SlotCapacityRule
			dow, start, end int
		)
		err := row.Scan(&r.ID, &dow, &start, &end, &r.MaxAppointmentsPerSlot, &r.Active, &r.Description)
		r.DayOfWeek = time.Weekday(dow)
		r.Range = model.TimeRange{Start: model.Clock(start), End: model.Clock(end)}
		return r, err
	})
	return out, mapErr("list slot rules", err)
}

func (s *pgQueries) UpsertBlackout(ctx context.Context, b *model.BlackoutWindow) error {
	if err := validateBlackout(*b); err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	var (
		date       *time.Time
		start, end *int
	)
	if !b.Date.IsZero() {
		d := model.DateOf(b.Date)
		date = &d
	}
	if b.Range != nil {
		st, en := int(b.Range.Start), int(b.Range.End)
		start, end = &st, &en
	}
	days := make([]int32, 0, len(b.RecurringDays))
	for _, d := range b.RecurringDays {
		days = append(days, int32(d))
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO blackout_windows (id, blackout_date, recurring, recurring_days, start_minute, end_minute, active, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET blackout_date = EXCLUDED.blackout_date,
			recurring = EXCLUDED.recurring,
			recurring_days = EXCLUDED.recurring_days,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			active = EXCLUDED.active,
			reason = EXCLUDED.reason
	`, b.ID, date, b.Recurring, days, start, end, b.Active, b.Reason)
	return mapErr("upsert blackout", err)
}

func (s *pgQueries) UpsertSlotRule(ctx context.Context, r *model.SlotCapacityRule) error {
	if err := s.Lock(ctx, fmt.Sprintf("rules:%d", r.DayOfWeek)); err != nil {
		return err
	}
	existing, err := s.ListSlotRules(ctx, r.DayOfWeek)
	if err != nil {
		return err
	}
	if err := validateSlotRule(*r, existing); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO slot_capacity_rules (id, day_of_week, start_minute, end_minute, max_appointments_per_slot, active, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET day_of_week = EXCLUDED.day_of_week,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			max_appointments_per_slot = EXCLUDED.max_appointments_per_slot,
			active = EXCLUDED.active,
			description = EXCLUDED.description
	`, r.ID, int(r.DayOfWeek), int(r.Range.Start), int(r.Range.End), r.MaxAppointmentsPerSlot, r.Active, r.Description)
	return mapErr("upsert slot rule", err)
}

func (s *pgQueries) InsertEvent(ctx context.Context, evt outbox.Event) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, evt.EventID, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, evt.Traceparent, evt.Tracestate)
	return mapErr("insert outbox event", err)
}

// mapErr translates driver failures into the apperr taxonomy. Errors that are
// already classified pass through untouched.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case db.IsNotFound(err):
		return apperr.Wrap(apperr.ReasonNotFound, err, op)
	case db.IsRetryable(err):
		return apperr.Wrap(apperr.ReasonConcurrencyConflict, err, op)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.ReasonAborted, err, op)
	case db.ErrorCode(err) == db.CodeCheckViolation:
		return apperr.Wrap(apperr.ReasonInvalidRequest, err, op)
	default:
		return apperr.Wrap(apperr.ReasonPersistenceUnavailable, err, op)
	}
}
