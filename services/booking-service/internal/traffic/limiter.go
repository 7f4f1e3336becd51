package traffic

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/md-rashed-zaman/bookinggate/libs/auth"
	"github.com/md-rashed-zaman/bookinggate/libs/httpx"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/apperr"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/metrics"
)

type Config struct {
	Limits map[Tier]Limit
	// FailOpen admits requests when the counter backend errors.
	FailOpen bool
	// TrustForwarded honours X-Forwarded-For when resolving the client IP.
	TrustForwarded bool
}

type Limiter struct {
	counter httpx.Counter
	limits  map[Tier]Limit
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewLimiter(counter httpx.Counter, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Limiter {
	limits := DefaultLimits()
	for tier, lim := range cfg.Limits {
		if lim.Requests > 0 && lim.Window > 0 {
			limits[tier] = lim
		}
	}
	return &Limiter{counter: counter, limits: limits, cfg: cfg, metrics: m, logger: logger}
}

func (l *Limiter) Limit(t Tier) Limit {
	return l.limits[t]
}

// Allow records one request against c's budget.
func (l *Limiter) Allow(ctx context.Context, c Classification) error {
	lim, ok := l.limits[c.Tier]
	if !ok {
		lim = l.limits[TierGuest]
	}
	hit, err := l.counter.Take(ctx, c.CounterKey(), lim.Requests, lim.Window)
	if err != nil {
		if l.cfg.FailOpen {
			l.logger.Warn("rate limit counter unavailable, failing open", "tier", c.Tier, "err", err)
			return nil
		}
		return apperr.Wrap(apperr.ReasonPersistenceUnavailable, err, "rate limit counter")
	}
	if !hit.Allowed {
		l.metrics.ObserveRateLimited(string(c.Tier))
		return apperr.RateLimited(string(c.Tier), hit.RetryAfter)
	}
	return nil
}

// Middleware classifies and throttles each request before its body is read.
// It expects auth.Middleware to have resolved the caller already.
func (l *Limiter) Middleware() httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := Classify(Request{
				Path:   r.URL.Path,
				Method: r.Method,
				IP:     httpx.ClientIP(r, l.cfg.TrustForwarded),
				UserID: auth.UserID(r),
			})
			httpx.Annotate(r.Context(), "tier", string(c.Tier), "user_id", auth.UserID(r))
			err := l.Allow(r.Context(), c)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			var ae *apperr.Error
			if errors.As(err, &ae) && ae.Reason == apperr.ReasonRateLimited {
				secs := retryAfterSeconds(ae)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, map[string]any{
					"error":               string(apperr.ReasonRateLimited),
					"message":             ae.Message,
					"tier":                string(c.Tier),
					"retry_after_seconds": secs,
				})
				return
			}
			l.logger.Error("rate limit check failed", "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
			writeError(w, http.StatusServiceUnavailable, map[string]any{
				"error":   string(apperr.ReasonPersistenceUnavailable),
				"message": "service temporarily unavailable",
			})
		})
	}
}

func retryAfterSeconds(e *apperr.Error) int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeError(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
