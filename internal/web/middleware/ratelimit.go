package middleware

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/mailvault/mailvault/internal/ratelimit"
)

// RateLimit applies the shared per-client limiter to every request. The key
// is the remote IP; RealIP runs earlier in the chain so proxied requests are
// keyed by the originating client rather than the proxy.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientIP(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RealIP rewrites RemoteAddr to a bare IP with no port.
		return r.RemoteAddr
	}
	return host
}
