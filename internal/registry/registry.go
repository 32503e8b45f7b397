package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// RateLimit is a per-route request budget.
type RateLimit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Route is an immutable route definition. Updates replace the whole value.
type Route struct {
	ID             string
	Path           string // literal segments, optionally ending in /**
	BackendURL     string
	CollectionName string
	ServiceID      string
	RateLimit      *RateLimit

	prefix   bool     // true when Path ends in /**
	segments []string // literal segments with the wildcard stripped
	order    int      // insertion order for tie-breaking
	backend  *url.URL
}

// Backend returns the parsed backend URL.
func (r *Route) Backend() *url.URL {
	return r.backend
}

// Match is a route lookup result. Suffix is the path remainder covered by the
// trailing wildcard, without a leading slash.
type Match struct {
	Route  *Route
	Suffix string
}

// Registry maps path patterns to routes. Reads take a shared lock over a
// pre-sorted index; mutations are serialized and re-sort on write, so new
// routes are visible to the next FindByPath immediately.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Route
	exact   map[string]*Route // normalized literal path → route
	sorted  []*Route          // prefix routes, longest literal prefix first
	nextIdx int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:  make(map[string]*Route),
		exact: make(map[string]*Route),
	}
}

// compile validates and normalizes a route definition.
func compile(route Route, order int) (*Route, error) {
	if route.ID == "" {
		return nil, fmt.Errorf("route is missing id")
	}
	if route.Path == "" {
		return nil, fmt.Errorf("route %s is missing path", route.ID)
	}
	if route.BackendURL == "" {
		return nil, fmt.Errorf("route %s is missing backend URL", route.ID)
	}
	backend, err := url.Parse(route.BackendURL)
	if err != nil || !backend.IsAbs() || backend.Host == "" {
		return nil, fmt.Errorf("route %s has invalid backend URL %q", route.ID, route.BackendURL)
	}

	path := route.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	r := route
	r.Path = path
	r.order = order
	r.backend = backend

	if strings.HasSuffix(path, "/**") {
		r.prefix = true
		path = strings.TrimSuffix(path, "/**")
	}
	r.segments = splitPath(path)
	return &r, nil
}

// Add inserts a new route. Adding an existing id is an error; use Update for
// upsert semantics.
func (reg *Registry) Add(route Route) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byID[route.ID]; exists {
		return fmt.Errorf("route %s already registered", route.ID)
	}
	compiled, err := compile(route, reg.nextIdx)
	if err != nil {
		return err
	}
	reg.nextIdx++
	reg.insert(compiled)
	return nil
}

// Update upserts a route by id, replacing the previous definition atomically.
func (reg *Registry) Update(route Route) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	order := reg.nextIdx
	if prev, exists := reg.byID[route.ID]; exists {
		order = prev.order
	} else {
		reg.nextIdx++
	}
	compiled, err := compile(route, order)
	if err != nil {
		return err
	}
	reg.evict(route.ID)
	reg.insert(compiled)
	return nil
}

// Remove deletes a route by id. Returns true if it existed.
func (reg *Registry) Remove(id string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.byID[id]; !exists {
		return false
	}
	reg.evict(id)
	return true
}

// RemoveByService deletes every route owned by the given service and returns
// the removed count.
func (reg *Registry) RemoveByService(serviceID string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var victims []string
	for id, route := range reg.byID {
		if route.ServiceID == serviceID {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		reg.evict(id)
	}
	return len(victims)
}

// Get returns a route by id.
func (reg *Registry) Get(id string) (*Route, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byID[id]
	return r, ok
}

// All returns a copy of all registered routes.
func (reg *Registry) All() []*Route {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	all := make([]*Route, 0, len(reg.byID))
	for _, r := range reg.byID {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })
	return all
}

// Len returns the number of registered routes.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.byID)
}

// Clear removes every route.
func (reg *Registry) Clear() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byID = make(map[string]*Route)
	reg.exact = make(map[string]*Route)
	reg.sorted = nil
}

// FindByPath returns the route matching the given path, or nil. Exact routes
// win over prefix routes; among prefix routes the longest literal prefix wins,
// ties resolved by insertion order.
func (reg *Registry) FindByPath(path string) *Match {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	normalized := path
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if route, ok := reg.exact[trimTrailingSlash(normalized)]; ok {
		return &Match{Route: route}
	}

	reqSegments := splitPath(normalized)
	for _, route := range reg.sorted {
		if !pathHasPrefix(reqSegments, route.segments) {
			continue
		}
		suffix := strings.Join(reqSegments[len(route.segments):], "/")
		return &Match{Route: route, Suffix: suffix}
	}
	return nil
}

// insert assumes the write lock is held and the id is free.
func (reg *Registry) insert(route *Route) {
	reg.byID[route.ID] = route
	if route.prefix {
		// Copy-on-write: readers iterating the old slice are unaffected.
		updated := make([]*Route, 0, len(reg.sorted)+1)
		updated = append(updated, reg.sorted...)
		updated = append(updated, route)
		sort.SliceStable(updated, func(i, j int) bool {
			if len(updated[i].segments) != len(updated[j].segments) {
				return len(updated[i].segments) > len(updated[j].segments)
			}
			return updated[i].order < updated[j].order
		})
		reg.sorted = updated
		return
	}
	reg.exact[trimTrailingSlash(strings.Join(append([]string{""}, route.segments...), "/"))] = route
}

// evict assumes the write lock is held.
func (reg *Registry) evict(id string) {
	route, ok := reg.byID[id]
	if !ok {
		return
	}
	delete(reg.byID, id)
	if route.prefix {
		updated := make([]*Route, 0, len(reg.sorted))
		for _, r := range reg.sorted {
			if r.ID != id {
				updated = append(updated, r)
			}
		}
		reg.sorted = updated
		return
	}
	key := trimTrailingSlash(strings.Join(append([]string{""}, route.segments...), "/"))
	if reg.exact[key] == route {
		delete(reg.exact, key)
	}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}

func trimTrailingSlash(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return strings.TrimSuffix(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}
