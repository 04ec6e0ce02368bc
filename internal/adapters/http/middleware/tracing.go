package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/longregen/causal/internal/adapters/tracing"
	"github.com/riandyrn/otelchi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request, named after the chi route, and
// tags it with the caller's X-Request-ID.
func Tracing(serviceName string, router chi.Routes) func(http.Handler) http.Handler {
	base := otelchi.Middleware(serviceName, otelchi.WithChiRoutes(router))

	return func(next http.Handler) http.Handler {
		return base(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
				if id := r.Header.Get("X-Request-ID"); id != "" {
					span.SetAttributes(attribute.String(tracing.AttrRequestID, id))
				}
			}
			next.ServeHTTP(w, r)
		}))
	}
}
