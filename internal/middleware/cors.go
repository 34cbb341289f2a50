package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// Origins is a normalized allow-list of scheme://host origins.
type Origins struct {
	allowed  map[string]struct{}
	allowAll bool
}

// NewOrigins normalizes the configured origins. "*" allows every origin;
// malformed entries are ignored.
func NewOrigins(origins []string) *Origins {
	o := &Origins{allowed: make(map[string]struct{})}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			o.allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(trimmed); ok {
			o.allowed[normalized] = struct{}{}
		}
	}
	return o
}

// Allowed reports whether origin may talk to the server.
func (o *Origins) Allowed(origin string) bool {
	if o.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := o.allowed[normalized]
	return exists
}

// CheckOrigin is a websocket.Upgrader CheckOrigin. Requests without an
// Origin header come from non-browser clients and are allowed.
func (o *Origins) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || o.Allowed(origin)
}

// CORS adds CORS headers for allowed browser origins and answers preflight
// requests.
func CORS(origins *Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins.Allowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
