package outbox

import "time"

// Topics published by the booking service. The Kafka topic name equals the event type.
const (
	TopicSettingsUpdated          = "booking.settings.updated.v1"
	TopicAnalyticsUpdated         = "booking.analytics.updated.v1"
	TopicAppointmentAdmitted      = "booking.appointment.admitted.v1"
	TopicAppointmentStatusChanged = "booking.appointment.status_changed.v1"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
}

// Record is an outbox row awaiting relay.
type Record struct {
	ID int64
	Event
	CreatedAt time.Time
}

type SettingsUpdated struct {
	PolicyID  string `json:"policy_id"`
	OldLimit  int    `json:"old_limit"`
	NewLimit  int    `json:"new_limit"`
	Active    bool   `json:"active"`
	UpdatedBy string `json:"updated_by"`
	Timestamp string `json:"timestamp"`
}

type AnalyticsUpdated struct {
	Date      string         `json:"date"`
	Snapshot  map[string]int `json:"snapshot"`
	Timestamp string         `json:"timestamp"`
}

type AppointmentAdmitted struct {
	AppointmentID string `json:"appointment_id"`
	UserID        string `json:"user_id"`
	ServiceID     string `json:"service_id,omitempty"`
	StaffID       string `json:"staff_id,omitempty"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
}

type AppointmentStatusChanged struct {
	AppointmentID string `json:"appointment_id"`
	UserID        string `json:"user_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     string `json:"timestamp"`
}
