package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/bookinggate/libs/httpx"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError translates err into a JSON error body. Server-side failures are
// logged and their details withheld from the caller.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		logger.Error("unclassified error", "request_id", httpx.RequestIDFromContext(r.Context()), "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal", Message: "internal error"})
		return
	}

	status := apperr.HTTPStatus(ae.Reason)
	msg := ae.Message
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "request_id", httpx.RequestIDFromContext(r.Context()), "path", r.URL.Path, "reason", ae.Reason, "err", err)
		msg = "service temporarily unavailable"
	}
	if ae.Reason == apperr.ReasonRateLimited && ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ae.RetryAfter.Seconds()))))
	}
	writeJSON(w, status, errorResponse{Error: string(ae.Reason), Message: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(apperr.ReasonInvalidRequest), Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid json body")
		return false
	}
	return true
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

type appointmentResponse struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	StaffID         string `json:"staff_id,omitempty"`
	ServiceID       string `json:"service_id,omitempty"`
	Date            string `json:"date"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	Status          string `json:"status"`
	Purpose         string `json:"purpose,omitempty"`
	Notes           string `json:"notes,omitempty"`
	StaffNotes      string `json:"staff_notes,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
	CompletionNotes string `json:"completion_notes,omitempty"`
	CompletedBy     string `json:"completed_by,omitempty"`
	CancelledAt     string `json:"cancelled_at,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func toAppointmentResponse(a model.Appointment) appointmentResponse {
	out := appointmentResponse{
		ID:              a.ID,
		UserID:          a.UserID,
		StaffID:         a.StaffID,
		ServiceID:       a.ServiceID,
		Date:            model.FormatDate(a.Date),
		StartTime:       a.Range.Start.String(),
		EndTime:         a.Range.End.String(),
		Status:          string(a.Status),
		Purpose:         a.Purpose,
		Notes:           a.Notes,
		StaffNotes:      a.StaffNotes,
		CompletionNotes: a.CompletionNotes,
		CompletedBy:     a.CompletedBy,
		CancelReason:    a.CancelReason,
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.CompletedAt != nil {
		out.CompletedAt = a.CompletedAt.UTC().Format(time.RFC3339)
	}
	if a.CancelledAt != nil {
		out.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	return out
}
