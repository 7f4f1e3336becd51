package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
)

// Memory is an in-process Store. Transactions read committed state plus their
// own staged writes, and apply the staged writes at commit.
type Memory struct {
	mu           sync.Mutex
	appointments map[string]model.Appointment
	policy       *model.CapacityPolicy
	blackouts    map[string]model.BlackoutWindow
	rules        map[string]model.SlotCapacityRule
	events       []outbox.Record // unpublished, oldest first
	eventCap     int
	nextEventID  int64

	relayMu    sync.Mutex
	locks      keyLocks
	now        func() time.Time
	commitHook func(ctx context.Context) error
}

// DefaultEventRetention bounds the unpublished records Memory keeps. With no
// relay sink nothing drains the queue, so the oldest records are dropped.
const DefaultEventRetention = 10000

func NewMemory() *Memory {
	return &Memory{
		appointments: make(map[string]model.Appointment),
		blackouts:    make(map[string]model.BlackoutWindow),
		rules:        make(map[string]model.SlotCapacityRule),
		locks:        keyLocks{held: make(map[string]*keyLock)},
		eventCap:     DefaultEventRetention,
		now:          time.Now,
	}
}

// SetCommitHook installs fn to run just before each commit; a non-nil error
// aborts the commit. Tests use it to inject conflicts.
func (m *Memory) SetCommitHook(fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitHook = fn
}

// SetEventRetention changes how many unpublished records are kept; n < 1
// restores the default.
func (m *Memory) SetEventRetention(n int) {
	if n < 1 {
		n = DefaultEventRetention
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCap = n
	m.trimEventsLocked()
}

// Events returns the committed outbox records not yet relayed, oldest first.
func (m *Memory) Events() []outbox.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.ReasonAborted, err, "begin transaction")
	}
	tx := &memTx{
		appointments: make(map[string]model.Appointment),
		blackouts:    make(map[string]model.BlackoutWindow),
		rules:        make(map[string]model.SlotCapacityRule),
		held:         make(map[string]bool),
	}
	defer m.releaseAll(tx)

	if err := fn(ctx, &memQueries{m: m, tx: tx}); err != nil {
		return err
	}

	m.mu.Lock()
	hook := m.commitHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.ReasonAborted, err, "commit")
	}
	maps.Copy(m.appointments, tx.appointments)
	maps.Copy(m.blackouts, tx.blackouts)
	maps.Copy(m.rules, tx.rules)
	if tx.policy != nil {
		p := *tx.policy
		m.policy = &p
	}
	for _, evt := range tx.events {
		m.appendEventLocked(evt)
	}
	return nil
}

func (m *Memory) appendEventLocked(evt outbox.Event) {
	m.nextEventID++
	m.events = append(m.events, outbox.Record{ID: m.nextEventID, Event: evt, CreatedAt: m.now()})
	m.trimEventsLocked()
}

func (m *Memory) trimEventsLocked() {
	if over := len(m.events) - m.eventCap; over > 0 {
		m.events = slices.Delete(m.events, 0, over)
	}
}

// ClaimBatch serialises relays with a mutex, which is enough for one process.
// Published records are dropped rather than flagged.
func (m *Memory) ClaimBatch(ctx context.Context, limit int, fn func([]outbox.Record) ([]int64, error)) error {
	m.relayMu.Lock()
	defer m.relayMu.Unlock()

	m.mu.Lock()
	if limit < 1 || limit > len(m.events) {
		limit = len(m.events)
	}
	batch := slices.Clone(m.events[:limit])
	m.mu.Unlock()

	ids, err := fn(batch)
	if err != nil || len(ids) == 0 {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = slices.DeleteFunc(m.events, func(r outbox.Record) bool {
		return slices.Contains(ids, r.ID)
	})
	return nil
}

func (m *Memory) releaseAll(tx *memTx) {
	for key := range tx.held {
		m.locks.release(key)
	}
}

// Queries outside a transaction write through immediately.
func (m *Memory) Lock(context.Context, ...string) error { return nil }

func (m *Memory) direct() *memQueries { return &memQueries{m: m} }

func (m *Memory) CountAppointments(ctx context.Context, f AppointmentFilter) (int, error) {
	return m.direct().CountAppointments(ctx, f)
}

func (m *Memory) ListAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	return m.direct().ListAppointments(ctx, f)
}

func (m *Memory) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	return m.direct().GetAppointment(ctx, id)
}

func (m *Memory) InsertAppointment(ctx context.Context, a *model.Appointment) error {
	return m.direct().InsertAppointment(ctx, a)
}

func (m *Memory) UpdateAppointment(ctx context.Context, a model.Appointment) error {
	return m.direct().UpdateAppointment(ctx, a)
}

func (m *Memory) StatusCounts(ctx context.Context, date time.Time) (map[model.Status]int, error) {
	return m.direct().StatusCounts(ctx, date)
}

func (m *Memory) CurrentPolicy(ctx context.Context) (model.CapacityPolicy, bool, error) {
	return m.direct().CurrentPolicy(ctx)
}

func (m *Memory) EnsurePolicy(ctx context.Context, def model.CapacityPolicy) (model.CapacityPolicy, error) {
	return m.direct().EnsurePolicy(ctx, def)
}

func (m *Memory) UpdatePolicy(ctx context.Context, p model.CapacityPolicy) (model.CapacityPolicy, error) {
	return m.direct().UpdatePolicy(ctx, p)
}

func (m *Memory) ListBlackouts(ctx context.Context, date time.Time) ([]model.BlackoutWindow, error) {
	return m.direct().ListBlackouts(ctx, date)
}

func (m *Memory) ListSlotRules(ctx context.Context, day time.Weekday) ([]model.SlotCapacityRule, error) {
	return m.direct().ListSlotRules(ctx, day)
}

func (m *Memory) UpsertBlackout(ctx context.Context, b *model.BlackoutWindow) error {
	return m.direct().UpsertBlackout(ctx, b)
}

func (m *Memory) UpsertSlotRule(ctx context.Context, r *model.SlotCapacityRule) error {
	return m.direct().UpsertSlotRule(ctx, r)
}

func (m *Memory) InsertEvent(ctx context.Context, evt outbox.Event) error {
	return m.direct().InsertEvent(ctx, evt)
}

type memTx struct {
	appointments map[string]model.Appointment
	policy       *model.CapacityPolicy
	blackouts    map[string]model.BlackoutWindow
	rules        map[string]model.SlotCapacityRule
	events       []outbox.Event
	held         map[string]bool
}

// memQueries reads committed state overlaid with tx's staged writes. A nil tx
// writes straight to the committed state.
type memQueries struct {
	m  *Memory
	tx *memTx
}

func (q *memQueries) Lock(ctx context.Context, keys ...string) error {
	if q.tx == nil {
		return nil
	}
	for _, key := range sortedKeys(keys) {
		if q.tx.held[key] {
			continue
		}
		if err := q.m.locks.acquire(ctx, key); err != nil {
			return apperr.Wrap(apperr.ReasonAborted, err, "lock "+key)
		}
		q.tx.held[key] = true
	}
	return nil
}

func (q *memQueries) appointmentsView() []model.Appointment {
	q.m.mu.Lock()
	view := maps.Clone(q.m.appointments)
	q.m.mu.Unlock()
	if q.tx != nil {
		maps.Copy(view, q.tx.appointments)
	}
	out := slices.Collect(maps.Values(view))
	slices.SortFunc(out, func(a, b model.Appointment) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if a.Range.Start != b.Range.Start {
			return int(a.Range.Start - b.Range.Start)
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
	return out
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (q *memQueries) CountAppointments(_ context.Context, f AppointmentFilter) (int, error) {
	n := 0
	for _, a := range q.appointmentsView() {
		if f.matches(a) {
			n++
		}
	}
	return n, nil
}

func (q *memQueries) ListAppointments(_ context.Context, f AppointmentFilter) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range q.appointmentsView() {
		if !f.matches(a) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (q *memQueries) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	if q.tx != nil {
		if a, ok := q.tx.appointments[id]; ok && a.DeletedAt == nil {
			return a, nil
		}
	}
	q.m.mu.Lock()
	a, ok := q.m.appointments[id]
	q.m.mu.Unlock()
	if !ok || a.DeletedAt != nil {
		return model.Appointment{}, apperr.New(apperr.ReasonNotFound, "appointment %s not found", id)
	}
	return a, nil
}

func (q *memQueries) InsertAppointment(_ context.Context, a *model.Appointment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := q.m.now()
	a.Date = model.DateOf(a.Date)
	a.CreatedAt, a.UpdatedAt = now, now
	q.put(*a)
	return nil
}

func (q *memQueries) UpdateAppointment(ctx context.Context, a model.Appointment) error {
	if _, err := q.GetAppointment(ctx, a.ID); err != nil {
		return err
	}
	a.UpdatedAt = q.m.now()
	q.put(a)
	return nil
}

func (q *memQueries) put(a model.Appointment) {
	if q.tx != nil {
		q.tx.appointments[a.ID] = a
		return
	}
	q.m.mu.Lock()
	q.m.appointments[a.ID] = a
	q.m.mu.Unlock()
}

func (q *memQueries) StatusCounts(_ context.Context, date time.Time) (map[model.Status]int, error) {
	counts := make(map[model.Status]int, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}
	f := AppointmentFilter{Date: date}
	for _, a := range q.appointmentsView() {
		if f.matches(a) {
			counts[a.Status]++
		}
	}
	return counts, nil
}

func (q *memQueries) CurrentPolicy(context.Context) (model.CapacityPolicy, bool, error) {
	if q.tx != nil && q.tx.policy != nil {
		return *q.tx.policy, true, nil
	}
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if q.m.policy == nil {
		return model.CapacityPolicy{}, false, nil
	}
	return *q.m.policy, true, nil
}

// EnsurePolicy commits the default immediately, even inside a transaction,
// matching the insert-if-absent race semantics of the SQL backend closely enough.
func (q *memQueries) EnsurePolicy(ctx context.Context, def model.CapacityPolicy) (model.CapacityPolicy, error) {
	if p, ok, _ := q.CurrentPolicy(ctx); ok {
		return p, nil
	}
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if q.m.policy == nil {
		p := def
		p.ID = uuid.NewString()
		p.UpdatedAt = q.m.now()
		q.m.policy = &p
	}
	return *q.m.policy, nil
}

func (q *memQueries) UpdatePolicy(ctx context.Context, p model.CapacityPolicy) (model.CapacityPolicy, error) {
	cur, ok, _ := q.CurrentPolicy(ctx)
	if !ok {
		return model.CapacityPolicy{}, apperr.New(apperr.ReasonNotFound, "no current capacity policy")
	}
	p.ID = cur.ID
	p.UpdatedAt = q.m.now()
	if q.tx != nil {
		q.tx.policy = &p
		return p, nil
	}
	q.m.mu.Lock()
	q.m.policy = &p
	q.m.mu.Unlock()
	return p, nil
}

func (q *memQueries) ListBlackouts(_ context.Context, date time.Time) ([]model.BlackoutWindow, error) {
	q.m.mu.Lock()
	view := maps.Clone(q.m.blackouts)
	q.m.mu.Unlock()
	if q.tx != nil {
		maps.Copy(view, q.tx.blackouts)
	}
	var out []model.BlackoutWindow
	for _, b := range view {
		if b.Active && b.Matches(date) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b model.BlackoutWindow) int {
		if a.Recurring != b.Recurring {
			if !a.Recurring {
				return -1
			}
			return 1
		}
		return compareStrings(a.ID, b.ID)
	})
	return out, nil
}

func (q *memQueries) ListSlotRules(_ context.Context, day time.Weekday) ([]model.SlotCapacityRule, error) {
	q.m.mu.Lock()
	view := maps.Clone(q.m.rules)
	q.m.mu.Unlock()
	if q.tx != nil {
		maps.Copy(view, q.tx.rules)
	}
	var out []model.SlotCapacityRule
	for _, r := range view {
		if r.DayOfWeek == day {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.SlotCapacityRule) int {
		return int(a.Range.Start - b.Range.Start)
	})
	return out, nil
}

func (q *memQueries) UpsertBlackout(_ context.Context, b *model.BlackoutWindow) error {
	if err := validateBlackout(*b); err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if !b.Date.IsZero() {
		b.Date = model.DateOf(b.Date)
	}
	if q.tx != nil {
		q.tx.blackouts[b.ID] = *b
		return nil
	}
	q.m.mu.Lock()
	q.m.blackouts[b.ID] = *b
	q.m.mu.Unlock()
	return nil
}

func (q *memQueries) UpsertSlotRule(ctx context.Context, r *model.SlotCapacityRule) error {
	if err := q.Lock(ctx, fmt.Sprintf("rules:%d", r.DayOfWeek)); err != nil {
		return err
	}
	existing, _ := q.ListSlotRules(ctx, r.DayOfWeek)
	if err := validateSlotRule(*r, existing); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if q.tx != nil {
		q.tx.rules[r.ID] = *r
		return nil
	}
	q.m.mu.Lock()
	q.m.rules[r.ID] = *r
	q.m.mu.Unlock()
	return nil
}

func (q *memQueries) InsertEvent(_ context.Context, evt outbox.Event) error {
	if q.tx != nil {
		q.tx.events = append(q.tx.events, evt)
		return nil
	}
	q.m.mu.Lock()
	q.m.appendEventLocked(evt)
	q.m.mu.Unlock()
	return nil
}

// keyLocks hands out one exclusive lock per key. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func (k *keyLocks) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	l := k.held[key]
	if l == nil {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.dropLocked(key, l)
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *keyLocks) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.held[key]
	if l == nil {
		return
	}
	<-l.ch
	k.dropLocked(key, l)
}

func (k *keyLocks) dropLocked(key string, l *keyLock) {
	l.refs--
	if l.refs == 0 {
		delete(k.held, key)
	}
}
