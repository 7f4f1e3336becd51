// Package policy owns the organisation-wide capacity policy.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
)

// LockKey serialises policy writers. Readers never take it.
const LockKey = "policy"

type Store struct {
	store    storage.Store
	defaults model.CapacityPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewStore materialises defaults as the current policy on first access.
func NewStore(store storage.Store, defaults model.CapacityPolicy, logger *slog.Logger) *Store {
	return &Store{store: store, defaults: defaults, logger: logger, now: time.Now}
}

// Active always reads through to the repository.
func (s *Store) Active(ctx context.Context) (model.CapacityPolicy, error) {
	return s.ActiveIn(ctx, s.store)
}

// ActiveIn reads the policy inside the caller's unit of work.
func (s *Store) ActiveIn(ctx context.Context, q storage.Queries) (model.CapacityPolicy, error) {
	p, ok, err := q.CurrentPolicy(ctx)
	if err != nil || ok {
		return p, err
	}
	p, err = q.EnsurePolicy(ctx, s.defaults)
	if err != nil {
		return model.CapacityPolicy{}, err
	}
	s.logger.Info("capacity policy initialised", "policy_id", p.ID, "daily_limit", p.DailyLimitPerUser)
	return p, nil
}

type UpdateRequest struct {
	Limit       int
	Active      bool
	Description string
	UpdatedBy   string
}

// Update replaces the current policy and records a settings-updated event in
// the same transaction. It returns the previous limit alongside the new policy.
func (s *Store) Update(ctx context.Context, req UpdateRequest) (int, model.CapacityPolicy, error) {
	if req.Limit < 0 {
		return 0, model.CapacityPolicy{}, apperr.New(apperr.ReasonInvalidPolicy, "daily limit must be >= 0, got %d", req.Limit)
	}

	var (
		oldLimit int
		updated  model.CapacityPolicy
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, q storage.Queries) error {
		if err := q.Lock(ctx, LockKey); err != nil {
			return err
		}
		cur, err := s.ActiveIn(ctx, q)
		if err != nil {
			return err
		}
		oldLimit = cur.DailyLimitPerUser

		next := cur
		next.DailyLimitPerUser = req.Limit
		next.Active = req.Active
		next.LastUpdatedBy = req.UpdatedBy
		if req.Description != "" {
			next.Description = req.Description
		}
		updated, err = q.UpdatePolicy(ctx, next)
		if err != nil {
			return err
		}
		return outbox.Publish(ctx, q, outbox.TopicSettingsUpdated, "capacity_policy", updated.ID, outbox.SettingsUpdated{
			PolicyID:  updated.ID,
			OldLimit:  oldLimit,
			NewLimit:  updated.DailyLimitPerUser,
			Active:    updated.Active,
			UpdatedBy: updated.LastUpdatedBy,
			Timestamp: s.now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return 0, model.CapacityPolicy{}, err
	}

	s.logger.Info("capacity policy updated",
		"policy_id", updated.ID,
		"old_limit", oldLimit,
		"new_limit", updated.DailyLimitPerUser,
		"active", updated.Active,
		"updated_by", updated.LastUpdatedBy,
	)
	return oldLimit, updated, nil
}
