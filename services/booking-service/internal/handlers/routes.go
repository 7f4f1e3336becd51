package handlers

import (
	"net/http"

	"github.com/md-rashed-zaman/bookinggate/libs/auth"
)

// Register mounts the API on mux. Every route requires an identity; staff and
// admin routes additionally check the caller's role.
func Register(mux *http.ServeMux, b *BookingHandler, a *AppointmentHandler, adm *AdminHandler) {
	anyUser := func(h http.HandlerFunc) http.Handler { return auth.RequireRole(h) }
	staff := func(h http.HandlerFunc) http.Handler { return auth.RequireRole(h, auth.RoleStaff, auth.RoleAdmin) }
	admin := func(h http.HandlerFunc) http.Handler { return auth.RequireRole(h, auth.RoleAdmin) }

	mux.Handle("/api/v1/bookings", anyUser(b.Create))
	mux.Handle("/api/v1/bookings/remaining", anyUser(b.Remaining))
	mux.Handle("/api/v1/availability", anyUser(b.Availability))
	mux.Handle("/api/v1/availability/slots", anyUser(b.Slots))
	mux.Handle("/api/v1/appointments", anyUser(b.List))
	mux.Handle("/api/v1/appointments/cancel", anyUser(b.Cancel))

	mux.Handle("/api/v1/appointments/transition", staff(a.Transition))
	mux.Handle("/api/v1/appointments/complete", staff(a.Complete))
	mux.Handle("/api/v1/appointments/batch/transition", staff(a.BatchTransition))
	mux.Handle("/api/v1/appointments/delete", staff(a.Delete))

	mux.Handle("/api/v1/admin/policy", admin(adm.Policy))
	mux.Handle("/api/v1/admin/blackouts", admin(adm.Blackouts))
	mux.Handle("/api/v1/admin/slot-rules", admin(adm.SlotRules))
}
