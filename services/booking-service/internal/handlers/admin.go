package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/storage"
)

// AdminHandler manages the capacity policy, slot rules and blackout windows.
type AdminHandler struct {
	policies *policy.Store
	store    storage.Store
	logger   *slog.Logger
}

func NewAdminHandler(policies *policy.Store, store storage.Store, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{policies: policies, store: store, logger: logger}
}

type policyResponse struct {
	ID                string `json:"id"`
	DailyLimitPerUser int    `json:"daily_limit_per_user"`
	Active            bool   `json:"active"`
	Description       string `json:"description,omitempty"`
	LastUpdatedBy     string `json:"last_updated_by,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
	PreviousLimit     *int   `json:"previous_limit,omitempty"`
}

type updatePolicyRequest struct {
	DailyLimitPerUser *int   `json:"daily_limit_per_user"`
	Active            *bool  `json:"active"`
	Description       string `json:"description"`
}

type blackoutRequest struct {
	ID            string `json:"id"`
	Date          string `json:"date"`
	RecurringDays []int  `json:"recurring_days"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Active        *bool  `json:"active"`
	Reason        string `json:"reason"`
}

type blackoutResponse struct {
	ID            string `json:"id"`
	Date          string `json:"date,omitempty"`
	RecurringDays []int  `json:"recurring_days,omitempty"`
	StartTime     string `json:"start_time,omitempty"`
	EndTime       string `json:"end_time,omitempty"`
	Active        bool   `json:"active"`
	Reason        string `json:"reason,omitempty"`
}

type slotRuleRequest struct {
	ID                     string `json:"id"`
	DayOfWeek              int    `json:"day_of_week"`
	StartTime              string `json:"start_time"`
	EndTime                string `json:"end_time"`
	MaxAppointmentsPerSlot int    `json:"max_appointments_per_slot"`
	Active                 *bool  `json:"active"`
	Description            string `json:"description"`
}

type slotRuleResponse struct {
	ID                     string `json:"id"`
	DayOfWeek              int    `json:"day_of_week"`
	StartTime              string `json:"start_time"`
	EndTime                string `json:"end_time"`
	MaxAppointmentsPerSlot int    `json:"max_appointments_per_slot"`
	Active                 bool   `json:"active"`
	Description            string `json:"description,omitempty"`
}

func toPolicyResponse(p model.CapacityPolicy) policyResponse {
	out := policyResponse{
		ID:                p.ID,
		DailyLimitPerUser: p.DailyLimitPerUser,
		Active:            p.Active,
		Description:       p.Description,
		LastUpdatedBy:     p.LastUpdatedBy,
	}
	if !p.UpdatedAt.IsZero() {
		out.UpdatedAt = p.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// Policy serves GET (current policy) and PUT (replace limit/active flag).
func (h *AdminHandler) Policy(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, http.MethodPut) {
		return
	}
	if r.Method == http.MethodGet {
		p, err := h.policies.Active(r.Context())
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toPolicyResponse(p))
		return
	}

	var req updatePolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DailyLimitPerUser == nil {
		badRequest(w, "daily_limit_per_user required")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	old, p, err := h.policies.Update(r.Context(), policy.UpdateRequest{
		Limit:       *req.DailyLimitPerUser,
		Active:      active,
		Description: strings.TrimSpace(req.Description),
		UpdatedBy:   actorOf(r).ID,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	resp := toPolicyResponse(p)
	resp.PreviousLimit = &old
	writeJSON(w, http.StatusOK, resp)
}

func parseWeekday(n int) (time.Weekday, bool) {
	if n < 0 || n > 6 {
		return 0, false
	}
	return time.Weekday(n), true
}

func (h *AdminHandler) Blackouts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req blackoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	b := model.BlackoutWindow{
		ID:     strings.TrimSpace(req.ID),
		Active: boolOr(req.Active, true),
		Reason: strings.TrimSpace(req.Reason),
	}
	if raw := strings.TrimSpace(req.Date); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		b.Date = d
	}
	for _, n := range req.RecurringDays {
		day, ok := parseWeekday(n)
		if !ok {
			badRequest(w, "recurring_days must be 0 (Sunday) through 6")
			return
		}
		b.RecurringDays = append(b.RecurringDays, day)
	}
	b.Recurring = len(b.RecurringDays) > 0
	if req.StartTime != "" || req.EndTime != "" {
		rng, err := model.ParseTimeRange(strings.TrimSpace(req.StartTime), strings.TrimSpace(req.EndTime))
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		b.Range = &rng
	}

	err := h.store.WithTx(r.Context(), func(ctx context.Context, q storage.Queries) error {
		return q.UpsertBlackout(ctx, &b)
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("blackout window saved", "blackout_id", b.ID, "actor", actorOf(r).ID)

	resp := blackoutResponse{ID: b.ID, Active: b.Active, Reason: b.Reason}
	if !b.Date.IsZero() {
		resp.Date = model.FormatDate(b.Date)
	}
	for _, d := range b.RecurringDays {
		resp.RecurringDays = append(resp.RecurringDays, int(d))
	}
	if b.Range != nil {
		resp.StartTime = b.Range.Start.String()
		resp.EndTime = b.Range.End.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) SlotRules(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req slotRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	day, ok := parseWeekday(req.DayOfWeek)
	if !ok {
		badRequest(w, "day_of_week must be 0 (Sunday) through 6")
		return
	}
	rng, err := model.ParseTimeRange(strings.TrimSpace(req.StartTime), strings.TrimSpace(req.EndTime))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	rule := model.SlotCapacityRule{
		ID:                     strings.TrimSpace(req.ID),
		DayOfWeek:              day,
		Range:                  rng,
		MaxAppointmentsPerSlot: req.MaxAppointmentsPerSlot,
		Active:                 boolOr(req.Active, true),
		Description:            strings.TrimSpace(req.Description),
	}
	err = h.store.WithTx(r.Context(), func(ctx context.Context, q storage.Queries) error {
		return q.UpsertSlotRule(ctx, &rule)
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("slot capacity rule saved", "rule_id", rule.ID, "day_of_week", int(rule.DayOfWeek), "actor", actorOf(r).ID)

	writeJSON(w, http.StatusOK, slotRuleResponse{
		ID:                     rule.ID,
		DayOfWeek:              int(rule.DayOfWeek),
		StartTime:              rule.Range.Start.String(),
		EndTime:                rule.Range.End.String(),
		MaxAppointmentsPerSlot: rule.MaxAppointmentsPerSlot,
		Active:                 rule.Active,
		Description:            rule.Description,
	})
}
