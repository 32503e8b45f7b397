package headers

import (
	"net/http"
	"strings"
	"sync"

	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/middleware"
)

// Identity headers stamped onto every forwarded request.
const (
	ForwardedUserHeader  = "X-Forwarded-User"
	ForwardedRolesHeader = "X-Forwarded-Roles"
	TenantIDHeader       = "X-Tenant-ID"
	TenantSlugHeader     = "X-Tenant-Slug"
)

// Rewriter prepares client headers for the upstream hop.
type Rewriter struct {
	mu            sync.RWMutex
	authorization config.AuthorizationPolicy
}

// NewRewriter creates a header rewriter. An unset policy defaults to strip.
func NewRewriter(cfg config.HeaderRewriteConfig) *Rewriter {
	rw := &Rewriter{}
	rw.SetPolicy(cfg.Authorization)
	return rw
}

// SetPolicy swaps the Authorization policy, used by config hot reload.
func (rw *Rewriter) SetPolicy(policy config.AuthorizationPolicy) {
	if policy == "" {
		policy = config.AuthorizationStrip
	}
	rw.mu.Lock()
	rw.authorization = policy
	rw.mu.Unlock()
}

func (rw *Rewriter) stripAuthorization() bool {
	rw.mu.RLock()
	defer rw.mu.RUnlock()
	return rw.authorization == config.AuthorizationStrip
}

// Apply rewrites r's headers in place from the exchange state. Client-supplied
// identity headers are always replaced, never trusted.
func (rw *Rewriter) Apply(r *http.Request, ex *exchange.Exchange) {
	if rw.stripAuthorization() {
		r.Header.Del("Authorization")
	}

	r.Header.Del(ForwardedUserHeader)
	r.Header.Del(ForwardedRolesHeader)
	r.Header.Del(TenantIDHeader)
	r.Header.Del(TenantSlugHeader)
	if ex == nil {
		return
	}

	if ex.Principal != nil {
		r.Header.Set(ForwardedUserHeader, ex.Principal.Username)
		if len(ex.Principal.Roles) > 0 {
			r.Header.Set(ForwardedRolesHeader, strings.Join(ex.Principal.Roles, ","))
		}
	}
	if ex.TenantID != "" {
		r.Header.Set(TenantIDHeader, ex.TenantID)
	}
	if ex.TenantSlug != "" {
		r.Header.Set(TenantSlugHeader, ex.TenantSlug)
	}
}

// Middleware applies the rewrite just before the upstream call.
func (rw *Rewriter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw.Apply(r, exchange.FromRequest(r))
			next.ServeHTTP(w, r)
		})
	}
}
