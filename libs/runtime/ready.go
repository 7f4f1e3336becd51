package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each dependency probe so one hung backend cannot stall /readyz.
const checkTimeout = 2 * time.Second

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewBaseMux registers /healthz, /readyz and, when metrics is non-nil, /metrics.
func NewBaseMux(metrics http.Handler, checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeReadiness(w, http.StatusOK, readiness{Status: "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		results, ok := runChecks(r.Context(), checks)
		if !ok {
			writeReadiness(w, http.StatusServiceUnavailable, readiness{Status: "unavailable", Checks: results})
			return
		}
		writeReadiness(w, http.StatusOK, readiness{Status: "ok", Checks: results})
	})
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func writeReadiness(w http.ResponseWriter, status int, body readiness) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// runChecks probes every dependency in parallel. Unnamed checks are reported
// by position.
func runChecks(ctx context.Context, checks []ReadyCheck) (map[string]string, bool) {
	var (
		mu      sync.Mutex
		results = make(map[string]string, len(checks))
		healthy = true
	)
	var g errgroup.Group
	for i, check := range checks {
		if check.Check == nil {
			continue
		}
		name := check.Name
		if name == "" {
			name = fmt.Sprintf("dependency_%d", i)
		}
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := check.Check(checkCtx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[name] = err.Error()
				healthy = false
				return nil
			}
			results[name] = "ok"
			return nil
		})
	}
	_ = g.Wait()
	return results, healthy
}
