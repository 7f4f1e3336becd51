package apperr

import "net/http"

// HTTPStatus maps a reason to the status code the HTTP boundary returns.
func HTTPStatus(reason Reason) int {
	switch reason {
	case ReasonDailyLimitReached, ReasonSlotFull, ReasonBlackoutDate:
		return http.StatusConflict
	case ReasonInvalidTransition, ReasonAlreadyCompleted:
		return http.StatusConflict
	case ReasonInvalidPolicy, ReasonInvalidRequest:
		return http.StatusBadRequest
	case ReasonBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case ReasonRateLimited:
		return http.StatusTooManyRequests
	case ReasonNotFound:
		return http.StatusNotFound
	case ReasonConcurrencyConflict, ReasonPersistenceUnavailable:
		return http.StatusServiceUnavailable
	case ReasonAborted:
		// Client closed request (nginx convention); nobody is usually listening.
		return 499
	default:
		return http.StatusInternalServerError
	}
}
