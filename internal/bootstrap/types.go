package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"github.com/portcullis/gateway/internal/authz"
	"github.com/portcullis/gateway/internal/registry"
)

// Wire model of the control plane's bootstrap payload. The same entity shapes
// travel inside configuration-change events.

// Service is one backend service.
type Service struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
}

// RateLimitSpec is an optional per-collection rate limit override.
type RateLimitSpec struct {
	RequestsPerWindow int `json:"requestsPerWindow"`
	WindowSeconds     int `json:"windowSeconds"`
}

// Collection is a JSON:API resource type owned by one service. Each
// collection projects to exactly one route.
type Collection struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ServiceID  string `json:"serviceId"`
	PathPrefix string `json:"pathPrefix"`
	// BackendURL overrides the owning service's base URL when set. Event
	// entities carry it so routes can be built without a service lookup.
	BackendURL string         `json:"backendUrl,omitempty"`
	RateLimit  *RateLimitSpec `json:"rateLimit,omitempty"`
}

// RoutePolicyEntry gates one HTTP method on a collection.
type RoutePolicyEntry struct {
	Method        string   `json:"method"`
	RequiredRoles []string `json:"requiredRoles"`
}

// FieldPolicyEntry gates visibility of one attribute on a collection.
type FieldPolicyEntry struct {
	FieldName     string   `json:"fieldName"`
	RequiredRoles []string `json:"requiredRoles"`
}

// AuthzEntry is the full authorization configuration for one collection.
type AuthzEntry struct {
	CollectionID  string             `json:"collectionId"`
	RoutePolicies []RoutePolicyEntry `json:"routePolicies"`
	FieldPolicies []FieldPolicyEntry `json:"fieldPolicies"`
}

// Tenant maps a URL slug to a tenant id.
type Tenant struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
}

// Snapshot is the full bootstrap response.
type Snapshot struct {
	Services      []Service    `json:"services"`
	Collections   []Collection `json:"collections"`
	Authorization []AuthzEntry `json:"authorization"`
	Tenants       []Tenant     `json:"tenants"`
}

// ServiceIndex builds an id lookup over the snapshot's services.
func (s *Snapshot) ServiceIndex() map[string]Service {
	idx := make(map[string]Service, len(s.Services))
	for _, svc := range s.Services {
		idx[svc.ID] = svc
	}
	return idx
}

// SlugMap projects the snapshot's tenants into the slug cache form.
func (s *Snapshot) SlugMap() map[string]string {
	slugs := make(map[string]string, len(s.Tenants))
	for _, t := range s.Tenants {
		if t.Slug != "" && t.ID != "" {
			slugs[t.Slug] = t.ID
		}
	}
	return slugs
}

// BuildRoute projects a collection onto a route definition. services resolves
// the backend when the collection does not carry its own URL.
func BuildRoute(col Collection, services map[string]Service) (registry.Route, error) {
	backend := col.BackendURL
	if backend == "" {
		svc, ok := services[col.ServiceID]
		if !ok {
			return registry.Route{}, fmt.Errorf("collection %q references unknown service %q", col.ID, col.ServiceID)
		}
		backend = svc.BaseURL
	}

	prefix := strings.TrimRight(col.PathPrefix, "/")
	if prefix == "" {
		return registry.Route{}, fmt.Errorf("collection %q has no path prefix", col.ID)
	}

	route := registry.Route{
		ID:             col.ID,
		Path:           prefix + "/**",
		BackendURL:     backend,
		CollectionName: col.Name,
		ServiceID:      col.ServiceID,
	}
	if rl := col.RateLimit; rl != nil && rl.RequestsPerWindow > 0 && rl.WindowSeconds > 0 {
		route.RateLimit = &registry.RateLimit{
			RequestsPerWindow: rl.RequestsPerWindow,
			WindowDuration:    time.Duration(rl.WindowSeconds) * time.Second,
		}
	}
	return route, nil
}

// AuthzConfig converts a wire entry into the cache form.
func AuthzConfig(entry AuthzEntry) authz.Config {
	cfg := authz.Config{CollectionID: entry.CollectionID}
	for _, rp := range entry.RoutePolicies {
		cfg.RoutePolicies = append(cfg.RoutePolicies, authz.RoutePolicy{
			Method:        rp.Method,
			RequiredRoles: rp.RequiredRoles,
		})
	}
	for _, fp := range entry.FieldPolicies {
		cfg.FieldPolicies = append(cfg.FieldPolicies, authz.FieldPolicy{
			FieldName:     fp.FieldName,
			RequiredRoles: fp.RequiredRoles,
		})
	}
	return cfg
}
