package middleware

import (
	"net/http"
	"strings"
)

// Origins is the browser origin allow-list shared by CORS and the websocket
// upgrade. "*" admits every origin, but only listed ones get credentials.
type Origins struct {
	listed   map[string]bool
	wildcard bool
}

func NewOrigins(list []string) Origins {
	o := Origins{listed: make(map[string]bool, len(list))}
	for _, origin := range list {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			o.wildcard = true
			continue
		}
		if origin != "" {
			o.listed[origin] = true
		}
	}
	return o
}

func (o Origins) Allows(origin string) bool {
	return o.wildcard || o.listed[origin]
}

// CheckRequest accepts requests without an Origin header, which are not
// from a browser.
func (o Origins) CheckRequest(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || o.Allows(origin)
}

const (
	corsMethods = "GET, POST, DELETE, OPTIONS"
	corsHeaders = "Accept, Authorization, Content-Type, X-Request-ID"
)

func CORS(origins Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := origin != "" && origins.Allows(origin)

			h := w.Header()
			h.Add("Vary", "Origin")
			if allowed {
				if origins.listed[origin] {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Credentials", "true")
				} else {
					h.Set("Access-Control-Allow-Origin", "*")
				}
			}

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "300")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
