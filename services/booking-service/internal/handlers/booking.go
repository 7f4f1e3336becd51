package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookinggate/libs/auth"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/admission"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
)

type BookingHandler struct {
	admission *admission.Controller
	engine    *availability.Engine
	lifecycle *lifecycle.Service
	logger    *slog.Logger
}

func NewBookingHandler(ctrl *admission.Controller, engine *availability.Engine, svc *lifecycle.Service, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{admission: ctrl, engine: engine, lifecycle: svc, logger: logger}
}

type createBookingRequest struct {
	// UserID lets staff book on behalf of a user; ignored for regular users.
	UserID    string `json:"user_id"`
	ServiceID string `json:"service_id"`
	StaffID   string `json:"staff_id"`
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Purpose   string `json:"purpose"`
	Notes     string `json:"notes"`
}

type remainingResponse struct {
	Date      string `json:"date"`
	Limited   bool   `json:"limited"`
	Remaining *int   `json:"remaining"`
}

type cancelRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

func parseSlot(date, start, end string) (time.Time, model.TimeRange, string) {
	d, err := model.ParseDate(strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, model.TimeRange{}, err.Error()
	}
	r, err := model.ParseTimeRange(strings.TrimSpace(start), strings.TrimSpace(end))
	if err != nil {
		return time.Time{}, model.TimeRange{}, err.Error()
	}
	return d, r, ""
}

// subject returns the user a request acts for: the caller, or the requested
// user when the caller is staff.
func subject(id auth.Identity, requested string) string {
	requested = strings.TrimSpace(requested)
	if requested != "" && id.HasRole(auth.RoleStaff, auth.RoleAdmin) {
		return requested
	}
	return id.UserID
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())

	var req createBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	date, rng, msg := parseSlot(req.Date, req.StartTime, req.EndTime)
	if msg != "" {
		badRequest(w, msg)
		return
	}

	appt, err := h.admission.Admit(r.Context(), admission.Request{
		UserID:    subject(id, req.UserID),
		ServiceID: strings.TrimSpace(req.ServiceID),
		StaffID:   strings.TrimSpace(req.StaffID),
		Purpose:   strings.TrimSpace(req.Purpose),
		Notes:     strings.TrimSpace(req.Notes),
		Date:      date,
		Range:     rng,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *BookingHandler) Remaining(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	date, err := model.ParseDate(strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	remaining, err := h.admission.RemainingBookings(r.Context(), subject(id, r.URL.Query().Get("user_id")), date)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, remainingResponse{Date: model.FormatDate(date), Limited: remaining != nil, Remaining: remaining})
}

// Availability answers whether one slot can currently be booked.
func (h *BookingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	date, rng, msg := parseSlot(q.Get("date"), q.Get("start_time"), q.Get("end_time"))
	if msg != "" {
		badRequest(w, msg)
		return
	}
	d, err := h.engine.IsBookable(r.Context(), date, rng)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	date, err := model.ParseDate(strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var length time.Duration
	if raw := strings.TrimSpace(r.URL.Query().Get("length_minutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 5 || n > model.MinutesPerDay {
			badRequest(w, "length_minutes must be between 5 and 1440")
			return
		}
		length = time.Duration(n) * time.Minute
	}
	slots, err := h.engine.Slots(r.Context(), date, length)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if slots == nil {
		slots = []availability.SlotAvailability{}
	}
	writeJSON(w, http.StatusOK, slots)
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	q := r.URL.Query()

	var date time.Time
	if raw := strings.TrimSpace(q.Get("date")); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		date = d
	}
	var statuses []model.Status
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := model.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				badRequest(w, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}

	appts, err := h.lifecycle.List(r.Context(), subject(id, q.Get("user_id")), date, statuses)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, a := range appts {
		items = append(items, toAppointmentResponse(a))
	}
	writeJSON(w, http.StatusOK, items)
}

// Cancel lets a user cancel their own appointment.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())

	var req cancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		badRequest(w, "appointment_id required")
		return
	}

	appt, err := h.lifecycle.Get(r.Context(), req.AppointmentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if appt.UserID != id.UserID && !id.HasRole(auth.RoleStaff, auth.RoleAdmin) {
		// Do not reveal other users' appointment ids.
		writeJSON(w, http.StatusNotFound, errorResponse{Error: string(apperr.ReasonNotFound), Message: "appointment not found"})
		return
	}

	appt, err = h.lifecycle.Transition(r.Context(), appt.ID, model.StatusCancelled,
		lifecycle.Actor{ID: id.UserID, Role: id.Role}, strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}
