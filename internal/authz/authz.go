package authz

import (
	"strings"
	"sync"
)

// RoutePolicy gates an HTTP method on a collection.
type RoutePolicy struct {
	Method        string
	RequiredRoles []string
}

// FieldPolicy gates visibility of a named attribute on a collection. It
// applies identically to primary and included resources.
type FieldPolicy struct {
	FieldName     string
	RequiredRoles []string
}

// Config is the ordered authorization configuration for one collection.
type Config struct {
	CollectionID  string
	RoutePolicies []RoutePolicy
	FieldPolicies []FieldPolicy
}

// Cache holds per-collection authorization configs. Reads vastly outnumber
// writes (bootstrap plus authz events), so reads take a shared lock and writes
// replace whole configs.
type Cache struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewCache creates an empty authorization cache.
func NewCache() *Cache {
	return &Cache{configs: make(map[string]*Config)}
}

// Replace installs the config for a collection, overwriting any previous one.
func (c *Cache) Replace(cfg Config) {
	copied := cfg
	copied.RoutePolicies = append([]RoutePolicy(nil), cfg.RoutePolicies...)
	copied.FieldPolicies = append([]FieldPolicy(nil), cfg.FieldPolicies...)

	c.mu.Lock()
	c.configs[cfg.CollectionID] = &copied
	c.mu.Unlock()
}

// Remove deletes the config for a collection.
func (c *Cache) Remove(collectionID string) {
	c.mu.Lock()
	delete(c.configs, collectionID)
	c.mu.Unlock()
}

// Get returns the config for a collection.
func (c *Cache) Get(collectionID string) (*Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[collectionID]
	return cfg, ok
}

// Clear removes all configs.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.configs = make(map[string]*Config)
	c.mu.Unlock()
}

// Len returns the number of cached collection configs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.configs)
}

// Decision is the outcome of a route policy evaluation.
type Decision int

const (
	// Allow means a policy matched and the principal satisfies it, or no
	// policy applies to the method (default allow for unpolicied routes).
	Allow Decision = iota
	// Deny means a policy applies and the principal's roles are disjoint
	// from its required roles.
	Deny
)

// Authorize evaluates the route policies of a collection against the
// principal's role set. The first policy matching the method decides.
func (c *Cache) Authorize(collectionID, method string, roles []string) Decision {
	cfg, ok := c.Get(collectionID)
	if !ok {
		return Allow
	}
	for _, policy := range cfg.RoutePolicies {
		if !strings.EqualFold(policy.Method, method) {
			continue
		}
		if intersects(policy.RequiredRoles, roles) {
			return Allow
		}
		return Deny
	}
	return Allow
}

// FieldPoliciesFor returns the field policies of a collection, or nil.
func (c *Cache) FieldPoliciesFor(collectionID string) []FieldPolicy {
	cfg, ok := c.Get(collectionID)
	if !ok {
		return nil
	}
	return cfg.FieldPolicies
}

// FieldVisible reports whether the principal may see the named field.
func FieldVisible(policies []FieldPolicy, field string, roles []string) bool {
	for _, p := range policies {
		if p.FieldName != field {
			continue
		}
		return intersects(p.RequiredRoles, roles)
	}
	return true
}

func intersects(required, held []string) bool {
	for _, r := range required {
		for _, h := range held {
			if r == h {
				return true
			}
		}
	}
	return false
}
