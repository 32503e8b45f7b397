package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/portcullis/gateway/internal/authz"
	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/registry"
	"github.com/portcullis/gateway/internal/tenant"
)

const bootstrapPayload = `{
	"services": [{"id": "svc-1", "name": "users-service", "baseUrl": "http://users:8080"}],
	"collections": [
		{"id": "col-users", "name": "users", "serviceId": "svc-1", "pathPrefix": "/api/users",
		 "rateLimit": {"requestsPerWindow": 100, "windowSeconds": 60}},
		{"id": "col-broken", "name": "broken", "serviceId": "svc-missing", "pathPrefix": "/api/broken"}
	],
	"authorization": [
		{"collectionId": "users",
		 "routePolicies": [{"method": "GET", "requiredRoles": ["viewer"]}],
		 "fieldPolicies": [{"fieldName": "email", "requiredRoles": ["admin"]}]}
	],
	"tenants": [{"id": "tenant-1", "slug": "acme"}]
}`

func controlPlane(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(config.ControlPlaneConfig{
		URL:           srv.URL,
		BootstrapPath: "/control/bootstrap",
		Timeout:       time.Second,
		MaxElapsed:    2 * time.Second,
	})
	return srv, client
}

func TestFetchAndSeed(t *testing.T) {
	_, client := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/control/bootstrap" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(bootstrapPayload))
	})

	snapshot, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	reg := registry.New()
	authzCache := authz.NewCache()
	slugs := tenant.NewCache(nil)
	Seed(snapshot, reg, authzCache, slugs)

	// The valid collection became a route; the broken one was skipped.
	if reg.Len() != 1 {
		t.Fatalf("registry length = %d, want 1", reg.Len())
	}
	m := reg.FindByPath("/api/users/42")
	if m == nil {
		t.Fatal("route for /api/users/42 not found")
	}
	if m.Route.BackendURL != "http://users:8080" {
		t.Errorf("backend = %q", m.Route.BackendURL)
	}
	if m.Route.RateLimit == nil || m.Route.RateLimit.RequestsPerWindow != 100 ||
		m.Route.RateLimit.WindowDuration != time.Minute {
		t.Errorf("rate limit = %+v", m.Route.RateLimit)
	}

	if d := authzCache.Authorize("users", "GET", []string{"viewer"}); d != authz.Allow {
		t.Error("seeded route policy must allow viewer GET")
	}
	if d := authzCache.Authorize("users", "GET", []string{"other"}); d != authz.Deny {
		t.Error("seeded route policy must deny non-viewer GET")
	}
	if policies := authzCache.FieldPoliciesFor("users"); len(policies) != 1 {
		t.Errorf("field policies = %+v", policies)
	}

	if id, ok := slugs.Lookup("acme"); !ok || id != "tenant-1" {
		t.Errorf("slug map = %q,%v", id, ok)
	}
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	var calls int32
	_, client := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"services":[],"collections":[],"authorization":[],"tenants":[]}`))
	})

	if _, err := client.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch should succeed after retries: %v", err)
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Errorf("calls = %d, want at least 3", calls)
	}
}

func TestFetchGivesUpAfterMaxElapsed(t *testing.T) {
	_, client := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	client.maxElapsed = 300 * time.Millisecond

	start := time.Now()
	if _, err := client.Fetch(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("fetch took %v, should give up near maxElapsed", elapsed)
	}
}

func TestSlugMap(t *testing.T) {
	_, client := controlPlane(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/control/tenants/slug-map" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"acme":"tenant-1","globex":"tenant-2"}`))
	})

	slugs, err := client.SlugMap(context.Background())
	if err != nil {
		t.Fatalf("SlugMap: %v", err)
	}
	if len(slugs) != 2 || slugs["globex"] != "tenant-2" {
		t.Errorf("slugs = %v", slugs)
	}
}

func TestBuildRoute(t *testing.T) {
	services := map[string]Service{"svc-1": {ID: "svc-1", BaseURL: "http://users:8080"}}

	t.Run("backend from service", func(t *testing.T) {
		route, err := BuildRoute(Collection{ID: "c1", Name: "users", ServiceID: "svc-1", PathPrefix: "/api/users"}, services)
		if err != nil {
			t.Fatal(err)
		}
		if route.Path != "/api/users/**" || route.BackendURL != "http://users:8080" {
			t.Errorf("route = %+v", route)
		}
	})

	t.Run("backend override", func(t *testing.T) {
		route, err := BuildRoute(Collection{ID: "c1", Name: "users", PathPrefix: "/api/users", BackendURL: "http://canary:9090"}, services)
		if err != nil {
			t.Fatal(err)
		}
		if route.BackendURL != "http://canary:9090" {
			t.Errorf("backend = %q", route.BackendURL)
		}
	})

	t.Run("unknown service", func(t *testing.T) {
		if _, err := BuildRoute(Collection{ID: "c1", ServiceID: "ghost", PathPrefix: "/api/x"}, services); err == nil {
			t.Error("expected error for unknown service")
		}
	})

	t.Run("missing prefix", func(t *testing.T) {
		if _, err := BuildRoute(Collection{ID: "c1", ServiceID: "svc-1"}, services); err == nil {
			t.Error("expected error for missing path prefix")
		}
	})
}
