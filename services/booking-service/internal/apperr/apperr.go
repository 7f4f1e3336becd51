// Package apperr is the error taxonomy shared by the admission, lifecycle and
// traffic components. Every rejection carries a stable Reason code that the
// boundary layer translates into a protocol response.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Reason string

const (
	ReasonDailyLimitReached      Reason = "daily_limit_reached"
	ReasonSlotFull               Reason = "slot_full"
	ReasonBlackoutDate           Reason = "blackout_date"
	ReasonInvalidPolicy          Reason = "invalid_policy"
	ReasonInvalidTransition      Reason = "invalid_transition"
	ReasonAlreadyCompleted       Reason = "already_completed"
	ReasonBatchTooLarge          Reason = "batch_too_large"
	ReasonRateLimited            Reason = "rate_limited"
	ReasonConcurrencyConflict    Reason = "concurrency_conflict"
	ReasonPersistenceUnavailable Reason = "persistence_unavailable"
	ReasonNotFound               Reason = "not_found"
	ReasonInvalidRequest         Reason = "invalid_request"
	ReasonAborted                Reason = "aborted"
)

type Error struct {
	Reason  Reason
	Message string
	// RetryAfter is set on RateLimited errors.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Reason)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Reason, so errors.Is(err, ErrSlotFull)
// holds for every slot-full rejection regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

var (
	ErrDailyLimitReached      = &Error{Reason: ReasonDailyLimitReached, Message: "daily booking limit reached"}
	ErrSlotFull               = &Error{Reason: ReasonSlotFull, Message: "time slot is full"}
	ErrBlackoutDate           = &Error{Reason: ReasonBlackoutDate, Message: "date is blacked out"}
	ErrInvalidPolicy          = &Error{Reason: ReasonInvalidPolicy, Message: "invalid capacity policy"}
	ErrInvalidTransition      = &Error{Reason: ReasonInvalidTransition, Message: "invalid status transition"}
	ErrAlreadyCompleted       = &Error{Reason: ReasonAlreadyCompleted, Message: "appointment already completed"}
	ErrBatchTooLarge          = &Error{Reason: ReasonBatchTooLarge, Message: "batch too large"}
	ErrRateLimited            = &Error{Reason: ReasonRateLimited, Message: "rate limit exceeded"}
	ErrConcurrencyConflict    = &Error{Reason: ReasonConcurrencyConflict, Message: "concurrent update conflict"}
	ErrPersistenceUnavailable = &Error{Reason: ReasonPersistenceUnavailable, Message: "persistence unavailable"}
	ErrNotFound               = &Error{Reason: ReasonNotFound, Message: "not found"}
	ErrInvalidRequest         = &Error{Reason: ReasonInvalidRequest, Message: "invalid request"}
	ErrAborted                = &Error{Reason: ReasonAborted, Message: "operation aborted"}
)

func New(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Wrap(reason Reason, err error, msg string) *Error {
	return &Error{Reason: reason, Message: msg, Err: err}
}

// AlreadyCompleted is also an InvalidTransition: errors.Is matches both.
func AlreadyCompleted(id string) *Error {
	return &Error{
		Reason:  ReasonAlreadyCompleted,
		Message: fmt.Sprintf("appointment %s already completed", id),
		Err:     ErrInvalidTransition,
	}
}

func RateLimited(tier string, retryAfter time.Duration) *Error {
	return &Error{
		Reason:     ReasonRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded for tier %s", tier),
		RetryAfter: retryAfter,
	}
}

// ReasonOf returns the reason of the outermost *Error in err's chain, or "".
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Retryable reports transient failures that a bounded retry of the whole
// operation may resolve.
func Retryable(err error) bool {
	return ReasonOf(err) == ReasonConcurrencyConflict
}

// Rejection reports booking rejections the user can recover from by picking
// another date or slot.
func Rejection(err error) bool {
	switch ReasonOf(err) {
	case ReasonDailyLimitReached, ReasonSlotFull, ReasonBlackoutDate:
		return true
	default:
		return false
	}
}
