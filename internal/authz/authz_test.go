package authz

import "testing"

func TestAuthorizeDefaultAllow(t *testing.T) {
	cache := NewCache()

	// No config at all for the collection.
	if d := cache.Authorize("users", "GET", []string{"viewer"}); d != Allow {
		t.Error("unknown collection should default-allow")
	}

	// Config present but no policy for the method.
	cache.Replace(Config{
		CollectionID:  "users",
		RoutePolicies: []RoutePolicy{{Method: "DELETE", RequiredRoles: []string{"admin"}}},
	})
	if d := cache.Authorize("users", "GET", []string{"viewer"}); d != Allow {
		t.Error("unpolicied method should default-allow")
	}
}

func TestAuthorizeIntersection(t *testing.T) {
	cache := NewCache()
	cache.Replace(Config{
		CollectionID: "orders",
		RoutePolicies: []RoutePolicy{
			{Method: "GET", RequiredRoles: []string{"viewer", "admin"}},
			{Method: "POST", RequiredRoles: []string{"admin"}},
		},
	})

	tests := []struct {
		method string
		roles  []string
		want   Decision
	}{
		{"GET", []string{"viewer"}, Allow},
		{"GET", []string{"admin"}, Allow},
		{"GET", []string{"auditor"}, Deny},
		{"GET", nil, Deny},
		{"POST", []string{"viewer"}, Deny},
		{"POST", []string{"viewer", "admin"}, Allow},
		{"get", []string{"viewer"}, Allow}, // method match is case-insensitive
	}
	for _, tt := range tests {
		if got := cache.Authorize("orders", tt.method, tt.roles); got != tt.want {
			t.Errorf("Authorize(orders, %s, %v) = %v, want %v", tt.method, tt.roles, got, tt.want)
		}
	}
}

func TestReplaceSwapsWholeConfig(t *testing.T) {
	cache := NewCache()
	cache.Replace(Config{
		CollectionID:  "users",
		RoutePolicies: []RoutePolicy{{Method: "GET", RequiredRoles: []string{"viewer"}}},
	})
	cache.Replace(Config{
		CollectionID:  "users",
		RoutePolicies: []RoutePolicy{{Method: "GET", RequiredRoles: []string{"admin"}}},
	})

	if d := cache.Authorize("users", "GET", []string{"viewer"}); d != Deny {
		t.Error("old policy survived Replace")
	}
	if d := cache.Authorize("users", "GET", []string{"admin"}); d != Allow {
		t.Error("new policy not applied")
	}
}

func TestRemove(t *testing.T) {
	cache := NewCache()
	cache.Replace(Config{
		CollectionID:  "users",
		RoutePolicies: []RoutePolicy{{Method: "GET", RequiredRoles: []string{"admin"}}},
	})
	cache.Remove("users")
	if d := cache.Authorize("users", "GET", []string{"viewer"}); d != Allow {
		t.Error("removed collection should default-allow")
	}
}

func TestFieldVisible(t *testing.T) {
	policies := []FieldPolicy{
		{FieldName: "email", RequiredRoles: []string{"admin"}},
		{FieldName: "ssn", RequiredRoles: []string{"compliance"}},
	}

	tests := []struct {
		field string
		roles []string
		want  bool
	}{
		{"email", []string{"admin"}, true},
		{"email", []string{"viewer"}, false},
		{"ssn", []string{"admin"}, false},
		{"name", nil, true}, // unpolicied field is visible
	}
	for _, tt := range tests {
		if got := FieldVisible(policies, tt.field, tt.roles); got != tt.want {
			t.Errorf("FieldVisible(%s, %v) = %v, want %v", tt.field, tt.roles, got, tt.want)
		}
	}
}
