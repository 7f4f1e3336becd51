package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/bookinggate/libs/auth"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
)

// AppointmentHandler exposes staff operations on existing appointments.
type AppointmentHandler struct {
	lifecycle *lifecycle.Service
	logger    *slog.Logger
}

func NewAppointmentHandler(svc *lifecycle.Service, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{lifecycle: svc, logger: logger}
}

type transitionRequest struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
}

type completeRequest struct {
	AppointmentID string `json:"appointment_id"`
	Notes         string `json:"notes"`
}

type batchTransitionRequest struct {
	AppointmentIDs []string `json:"appointment_ids"`
	Status         string   `json:"status"`
	Reason         string   `json:"reason"`
	// Notify and IncludeReason default to true when omitted.
	Notify        *bool `json:"notify"`
	IncludeReason *bool `json:"include_reason"`
}

type deleteRequest struct {
	AppointmentID string `json:"appointment_id"`
}

func actorOf(r *http.Request) lifecycle.Actor {
	id, _ := auth.IdentityFromContext(r.Context())
	return lifecycle.Actor{ID: id.UserID, Role: id.Role}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (h *AppointmentHandler) Transition(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req transitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		badRequest(w, "appointment_id required")
		return
	}
	target, err := model.ParseStatus(strings.TrimSpace(req.Status))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	appt, err := h.lifecycle.Transition(r.Context(), req.AppointmentID, target, actorOf(r), strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *AppointmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		badRequest(w, "appointment_id required")
		return
	}

	appt, err := h.lifecycle.Complete(r.Context(), req.AppointmentID, actorOf(r).ID, strings.TrimSpace(req.Notes))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// BatchTransition reports per-item outcomes with 200 even when some items fail.
func (h *AppointmentHandler) BatchTransition(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req batchTransitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	target, err := model.ParseStatus(strings.TrimSpace(req.Status))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	res, err := h.lifecycle.BatchTransition(r.Context(), req.AppointmentIDs, target, actorOf(r), strings.TrimSpace(req.Reason), lifecycle.BatchOptions{
		Notify:        boolOr(req.Notify, true),
		IncludeReason: boolOr(req.IncludeReason, true),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if res.Succeeded == nil {
		res.Succeeded = []string{}
	}
	if res.Failed == nil {
		res.Failed = []lifecycle.BatchFailure{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AppointmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	var req deleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		badRequest(w, "appointment_id required")
		return
	}
	if err := h.lifecycle.Delete(r.Context(), req.AppointmentID, actorOf(r)); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
