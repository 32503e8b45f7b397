package jsonapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"github.com/portcullis/gateway/internal/authz"
	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/exchange"
	"github.com/portcullis/gateway/internal/registry"
)

func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 50 * time.Millisecond,
	})
}

func newTestTransformer(client *redis.Client, fieldPolicies []authz.FieldPolicy) *Transformer {
	authzCache := authz.NewCache()
	if len(fieldPolicies) > 0 {
		authzCache.Replace(authz.Config{
			CollectionID:  "users",
			FieldPolicies: fieldPolicies,
		})
	}
	resolver := NewResolver(client, config.TransformConfig{})
	return NewTransformer(authzCache, resolver, config.TransformConfig{ResponseSizeLimit: 1 << 20})
}

func upstream(status int, contentType, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
}

func serveTransform(tr *Transformer, target string, roles []string, next http.Handler) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, target, nil)
	ex := &exchange.Exchange{
		Route: &registry.Route{ID: "users-route", Path: "/api/users/**", BackendURL: "http://users:8080", CollectionName: "users"},
	}
	if roles != nil {
		ex.Principal = &exchange.Principal{Username: "u1", Roles: roles}
	}
	r = r.WithContext(exchange.NewContext(r.Context(), ex))
	rec := httptest.NewRecorder()
	tr.Middleware()(next).ServeHTTP(rec, r)
	return rec
}

func TestFieldFilteringRemovesRestrictedAttributes(t *testing.T) {
	tr := newTestTransformer(unreachableRedis(), []authz.FieldPolicy{
		{FieldName: "email", RequiredRoles: []string{"admin"}},
	})
	body := `{"data":{"type":"users","id":"42","attributes":{"name":"A","email":"a@x"}}}`

	rec := serveTransform(tr, "/api/users/42", []string{"viewer"},
		upstream(http.StatusOK, "application/vnd.api+json", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	out := rec.Body.String()
	if gjson.Get(out, "data.attributes.email").Exists() {
		t.Errorf("email must be filtered for viewer: %s", out)
	}
	if gjson.Get(out, "data.attributes.name").String() != "A" {
		t.Errorf("name must survive: %s", out)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(out)) {
		t.Errorf("Content-Length = %s, want %d", got, len(out))
	}
}

func TestFieldFilteringAllowsAuthorizedRole(t *testing.T) {
	tr := newTestTransformer(unreachableRedis(), []authz.FieldPolicy{
		{FieldName: "email", RequiredRoles: []string{"admin"}},
	})
	body := `{"data":{"type":"users","id":"42","attributes":{"name":"A","email":"a@x"}}}`

	rec := serveTransform(tr, "/api/users/42", []string{"admin"},
		upstream(http.StatusOK, "application/vnd.api+json", body))

	if !gjson.Get(rec.Body.String(), "data.attributes.email").Exists() {
		t.Errorf("admin must see email: %s", rec.Body.String())
	}
}

func TestFieldFilteringAppliesToIncluded(t *testing.T) {
	tr := newTestTransformer(unreachableRedis(), []authz.FieldPolicy{
		{FieldName: "email", RequiredRoles: []string{"admin"}},
	})
	body := `{"data":{"type":"users","id":"1","relationships":{"manager":{"data":{"type":"users","id":"2"}}}},
		"included":[{"type":"users","id":"2","attributes":{"name":"B","email":"b@x"}}]}`

	rec := serveTransform(tr, "/api/users/1", []string{"viewer"},
		upstream(http.StatusOK, "application/vnd.api+json", body))

	out := rec.Body.String()
	if gjson.Get(out, "included.0.attributes.email").Exists() {
		t.Errorf("field policy must apply to included resources: %s", out)
	}
	if gjson.Get(out, "included.0.attributes.name").String() != "B" {
		t.Errorf("unpolicied attribute lost: %s", out)
	}
}

func TestFilterFieldsIdempotent(t *testing.T) {
	tr := newTestTransformer(unreachableRedis(), nil)
	policies := []authz.FieldPolicy{{FieldName: "email", RequiredRoles: []string{"admin"}}}

	doc := mustParse(t, `{"data":[{"type":"users","id":"1","attributes":{"name":"A","email":"a@x"}}],
		"included":[{"type":"users","id":"2","attributes":{"email":"b@x"}}]}`)

	tr.FilterFields(doc, policies, []string{"viewer"})
	once := mustMarshal(t, doc)
	tr.FilterFields(doc, policies, []string{"viewer"})
	twice := mustMarshal(t, doc)

	if once != twice {
		t.Errorf("filter not idempotent:\n%s\n%s", once, twice)
	}
	if strings.Contains(once, "email") {
		t.Errorf("filtered field remains: %s", once)
	}
}

func TestPassthroughWhenInactive(t *testing.T) {
	// No include param, no field policies: bytes must be untouched even for
	// non-JSON:API bodies and error statuses.
	tr := newTestTransformer(unreachableRedis(), nil)
	body := `<html>upstream error</html>`

	rec := serveTransform(tr, "/api/users/42", []string{"viewer"},
		upstream(http.StatusBadGateway, "text/html", body))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want passthrough 502", rec.Code)
	}
	if rec.Body.String() != body {
		t.Errorf("body changed: %q", rec.Body.String())
	}
}

func TestNonJSONResponseUntouchedWhenActive(t *testing.T) {
	tr := newTestTransformer(unreachableRedis(), []authz.FieldPolicy{
		{FieldName: "email", RequiredRoles: []string{"admin"}},
	})
	body := "binary-ish payload"

	rec := serveTransform(tr, "/api/users/42", []string{"viewer"},
		upstream(http.StatusOK, "application/octet-stream", body))

	if rec.Body.String() != body {
		t.Errorf("non-JSON body changed: %q", rec.Body.String())
	}
}

func TestUpstreamErrorDocumentPreserved(t *testing.T) {
	tr := newTestTransformer(unreachableRedis(), []authz.FieldPolicy{
		{FieldName: "email", RequiredRoles: []string{"admin"}},
	})
	body := `{"errors":[{"status":"404","title":"Not found"}]}`

	rec := serveTransform(tr, "/api/users/42", []string{"viewer"},
		upstream(http.StatusNotFound, "application/vnd.api+json", body))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != body {
		t.Errorf("error document changed: %q", rec.Body.String())
	}
}

func TestOversizedResponsePassesThrough(t *testing.T) {
	authzCache := authz.NewCache()
	authzCache.Replace(authz.Config{
		CollectionID:  "users",
		FieldPolicies: []authz.FieldPolicy{{FieldName: "email", RequiredRoles: []string{"admin"}}},
	})
	tr := NewTransformer(authzCache, NewResolver(unreachableRedis(), config.TransformConfig{}),
		config.TransformConfig{ResponseSizeLimit: 64})

	big := `{"data":{"type":"users","id":"1","attributes":{"email":"a@x","padding":"` +
		strings.Repeat("x", 256) + `"}}}`
	rec := serveTransform(tr, "/api/users/1", []string{"viewer"},
		upstream(http.StatusOK, "application/vnd.api+json", big))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != big {
		t.Error("oversized body must pass through unmodified")
	}
}

func TestIncludeResolutionFromCache(t *testing.T) {
	client := redisAvailable(t)
	key := "jsonapi:users:9"
	ctx := context.Background()
	if err := client.Set(ctx, key, `{"type":"users","id":"9","attributes":{"name":"Dan"}}`, time.Minute).Err(); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}
	defer client.Del(ctx, key)

	tr := newTestTransformer(client, nil)
	body := `{"data":{"type":"posts","id":"1","attributes":{"title":"t"},
		"relationships":{"author":{"data":{"type":"users","id":"9"}}}}}`

	rec := serveTransform(tr, "/api/posts/1?include=author", []string{"viewer"},
		upstream(http.StatusOK, "application/vnd.api+json", body))

	out := rec.Body.String()
	if gjson.Get(out, "included.#").Int() != 1 {
		t.Fatalf("included count wrong: %s", out)
	}
	if gjson.Get(out, "included.0.attributes.name").String() != "Dan" {
		t.Errorf("included resource wrong: %s", out)
	}
}

func TestIncludeResolutionDeduplicates(t *testing.T) {
	client := redisAvailable(t)
	key := "jsonapi:users:9"
	ctx := context.Background()
	if err := client.Set(ctx, key, `{"type":"users","id":"9"}`, time.Minute).Err(); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}
	defer client.Del(ctx, key)

	tr := newTestTransformer(client, nil)
	body := `{"data":[
		{"type":"posts","id":"1","relationships":{"author":{"data":{"type":"users","id":"9"}}}},
		{"type":"posts","id":"2","relationships":{"author":{"data":{"type":"users","id":"9"}}}}]}`

	rec := serveTransform(tr, "/api/posts?include=author", []string{"viewer"},
		upstream(http.StatusOK, "application/vnd.api+json", body))

	if got := gjson.Get(rec.Body.String(), "included.#").Int(); got != 1 {
		t.Errorf("included count = %d, want deduplicated 1", got)
	}
}

func TestIncludeResolutionCacheDown(t *testing.T) {
	tr := newTestTransformer(unreachableRedis(), nil)
	body := `{"data":{"type":"posts","id":"1","attributes":{"title":"t"},
		"relationships":{"author":{"data":{"type":"users","id":"9"}}}}}`

	rec := serveTransform(tr, "/api/posts/1?include=author", []string{"viewer"},
		upstream(http.StatusOK, "application/vnd.api+json", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite cache outage", rec.Code)
	}
	out := rec.Body.String()
	if gjson.Get(out, "included").Exists() {
		t.Errorf("no includes must be added when cache is down: %s", out)
	}
	if gjson.Get(out, "data.attributes.title").String() != "t" {
		t.Errorf("primary data must be preserved: %s", out)
	}
}
