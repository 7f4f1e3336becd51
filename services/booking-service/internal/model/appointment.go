package model

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

var AllStatuses = []Status{StatusPending, StatusApproved, StatusCompleted, StatusCancelled, StatusNoShow}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown appointment status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}

// Terminal statuses admit no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// CountsTowardLimits is false only for cancelled appointments; completed and
// no-show bookings still consumed their slot.
func (s Status) CountsTowardLimits() bool {
	return s != StatusCancelled
}

// UncountedStatuses lists the statuses excluded from daily and slot counts.
func UncountedStatuses() []Status {
	var out []Status
	for _, s := range AllStatuses {
		if !s.CountsTowardLimits() {
			out = append(out, s)
		}
	}
	return out
}

type Appointment struct {
	ID        string
	UserID    string
	StaffID   string
	ServiceID string
	Date      time.Time
	Range     TimeRange
	Status    Status
	Purpose   string
	Notes     string

	StaffNotes      string
	CompletedAt     *time.Time
	CompletionNotes string
	CompletedBy     string
	CancelledAt     *time.Time
	CancelReason    string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (a Appointment) Slot() Slot {
	return Slot{Date: a.Date, Range: a.Range}
}
