package headers

import (
	"net/http"

	"github.com/portcullis/gateway/internal/middleware"
)

// headerPair is a pre-computed header name + value.
type headerPair struct {
	Name  string
	Value string
}

// securityPairs is the fixed hardening set applied to every response,
// including error short-circuits.
var securityPairs = []headerPair{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

// ApplySecurity sets the security headers on h, overriding any upstream
// values for the same names.
func ApplySecurity(h http.Header) {
	for _, p := range securityPairs {
		h.Set(p.Name, p.Value)
	}
}

// Security stamps the hardening headers before the handler runs, so they are
// present no matter which filter or upstream writes the response.
func Security() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ApplySecurity(w.Header())
			next.ServeHTTP(w, r)
		})
	}
}
