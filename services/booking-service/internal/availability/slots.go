package availability

import (
	"time"

	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/model"
)

// Enumerate returns consecutive ranges of the given length inside window,
// advancing by step. Ranges starting before notBefore are skipped.
func Enumerate(window model.TimeRange, length, step time.Duration, notBefore model.Clock) []model.TimeRange {
	if length <= 0 || step <= 0 || !window.Valid() {
		return nil
	}
	l := model.Clock(length / time.Minute)
	s := model.Clock(step / time.Minute)
	if l <= 0 || s <= 0 || length > window.Duration() {
		return nil
	}

	var out []model.TimeRange
	for t := window.Start; t+l <= window.End; t += s {
		if t < notBefore {
			continue
		}
		out = append(out, model.TimeRange{Start: t, End: t + l})
	}
	return out
}
