package middleware

import (
	"net/http"
	"strings"
)

// Origins is a browser origin allow-list. The zero value allows nothing.
type Origins struct {
	any     bool
	allowed map[string]struct{}
}

// NewOrigins normalizes origins; "*" allows every origin and trailing
// slashes are ignored.
func NewOrigins(origins []string) Origins {
	o := Origins{allowed: map[string]struct{}{}}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			o.any = true
		default:
			o.allowed[strings.TrimRight(origin, "/")] = struct{}{}
		}
	}
	return o
}

// Empty reports whether no origin was configured.
func (o Origins) Empty() bool { return !o.any && len(o.allowed) == 0 }

// Allows reports whether origin is on the list.
func (o Origins) Allows(origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false
	}
	if o.any {
		return true
	}
	_, ok := o.allowed[strings.TrimRight(origin, "/")]
	return ok
}

const (
	corsHeaders = "Content-Type, X-Request-ID"
	corsMethods = "GET, POST, DELETE, OPTIONS"
)

// CORS lets the kiosk and operator consoles call the gate API from their
// own origins. Allowed origins are echoed back.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := NewOrigins(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origins.Allows(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Headers", corsHeaders)
				h.Set("Access-Control-Allow-Methods", corsMethods)
				h.Set("Access-Control-Max-Age", "600")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID")
			}

			if r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
