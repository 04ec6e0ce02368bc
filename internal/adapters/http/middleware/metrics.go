package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/longregen/causal/internal/adapters/metrics"
)

// unmatchedRoute labels requests no route matched, so scanners probing
// random paths share one series.
const unmatchedRoute = "unmatched"

// route returns the chi pattern that served r. It is only complete once the
// router has run the handler.
func route(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}

func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		start := time.Now()
		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)

		pattern := route(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(wrapped.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
