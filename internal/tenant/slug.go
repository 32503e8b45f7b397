package tenant

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/gwerrors"
	"github.com/portcullis/gateway/internal/middleware"
)

// TenantIDHeader lets slug-less clients (internal services, the control UI)
// name their tenant directly.
const TenantIDHeader = "X-Tenant-ID"

// Resolver implements slug extraction and tenant header resolution.
type Resolver struct {
	cache         *Cache
	requirePrefix atomic.Bool
	platformPaths []string
}

// NewResolver creates a tenant resolver. platformPaths are prefixes that
// bypass slug logic entirely.
func NewResolver(cache *Cache, cfg config.TenantSlugConfig) *Resolver {
	r := &Resolver{
		cache:         cache,
		platformPaths: cfg.PlatformPaths,
	}
	r.requirePrefix.Store(cfg.RequirePrefix)
	return r
}

// SetStrict toggles strict slug mode, used by config hot reload. When false,
// unknown slugs are stripped and forwarded instead of rejected.
func (t *Resolver) SetStrict(strict bool) {
	t.requirePrefix.Store(strict)
}

// isPlatformPath reports whether the path belongs to a reserved platform
// prefix (health, control plane, metrics).
func (t *Resolver) isPlatformPath(path string) bool {
	for _, p := range t.platformPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// splitSlug separates a candidate tenant slug from the rest of the path.
// Only `/{slug}/api/...` shapes carry a slug; everything else is returned
// unchanged with an empty slug.
func splitSlug(path string) (slug, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx <= 0 {
		return "", path
	}
	candidate := trimmed[:idx]
	rest = trimmed[idx:]
	if !strings.HasPrefix(rest, "/api/") && rest != "/api" {
		return "", path
	}
	if !validSlug(candidate) {
		return "", path
	}
	return candidate, rest
}

// validSlug accepts lowercase alphanumerics and hyphens, starting with an
// alphanumeric.
func validSlug(s string) bool {
	if s == "" || s == "api" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' && i > 0:
		default:
			return false
		}
	}
	return true
}

// SlugExtraction strips the tenant slug from the request path and records the
// tenant on the exchange. Unknown slugs are a 404 in strict mode; in
// migration mode the slug is stripped and the request proceeds without tenant
// context.
func (t *Resolver) SlugExtraction() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if t.isPlatformPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			slug, rest := splitSlug(r.URL.Path)
			if slug == "" {
				next.ServeHTTP(w, r)
				return
			}

			ex := exchange.FromRequest(r)
			tenantID, known := t.cache.Lookup(slug)
			if known {
				if ex != nil {
					ex.TenantSlug = slug
					ex.TenantID = tenantID
				}
			} else if t.requirePrefix.Load() {
				gwerrors.ErrTenantNotFound.WriteJSON(w, r)
				return
			}

			r.URL.Path = rest
			if r.URL.RawPath != "" {
				if _, rawRest := splitSlug(r.URL.RawPath); rawRest != r.URL.RawPath {
					r.URL.RawPath = rawRest
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeaderResolution fills in tenant context for requests that carried no slug
// but name their tenant through the X-Tenant-ID header.
func (t *Resolver) HeaderResolution() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex := exchange.FromRequest(r)
			if ex != nil && ex.TenantID == "" {
				if id := r.Header.Get(TenantIDHeader); id != "" {
					ex.TenantID = id
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
