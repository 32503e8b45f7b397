package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/portcullis/gateway/internal/registry"
)

// Principal is the authenticated identity. It is created once by the JWT
// filter and read-only afterwards.
type Principal struct {
	Username string
	Roles    []string
	Claims   map[string]interface{}
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Exchange is the mutable per-request state shared by all filters of one
// request. Filters belonging to different requests never share an Exchange.
type Exchange struct {
	CorrelationID string
	Start         time.Time

	// Tenant resolution output.
	TenantID   string
	TenantSlug string

	// Authentication output.
	Principal *Principal

	// Route match output.
	Route  *registry.Route
	Suffix string

	// Upstream observation, for the logging filter.
	UpstreamStatus int
}

type contextKey struct{}

// NewContext attaches an exchange to a context.
func NewContext(ctx context.Context, ex *Exchange) context.Context {
	return context.WithValue(ctx, contextKey{}, ex)
}

// FromContext returns the exchange from a context, or nil.
func FromContext(ctx context.Context) *Exchange {
	ex, _ := ctx.Value(contextKey{}).(*Exchange)
	return ex
}

// FromRequest returns the exchange attached to a request, or nil.
func FromRequest(r *http.Request) *Exchange {
	return FromContext(r.Context())
}
