package tenant

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/logging"
)

// Source fetches the current slug map from the control plane.
type Source interface {
	SlugMap(ctx context.Context) (map[string]string, error)
}

// Cache is the slug to tenant id mapping. Reads take a shared lock; the whole
// map is swapped on refresh so readers never observe a partial update.
type Cache struct {
	mu    sync.RWMutex
	slugs map[string]string

	source  Source
	trigger chan struct{}
}

// NewCache creates an empty slug cache backed by source. The source may be
// nil for tests that only use Replace.
func NewCache(source Source) *Cache {
	return &Cache{
		slugs:   make(map[string]string),
		source:  source,
		trigger: make(chan struct{}, 1),
	}
}

// Lookup resolves a slug to a tenant id.
func (c *Cache) Lookup(slug string) (string, bool) {
	c.mu.RLock()
	id, ok := c.slugs[slug]
	c.mu.RUnlock()
	return id, ok
}

// Replace swaps the entire mapping.
func (c *Cache) Replace(slugs map[string]string) {
	copied := make(map[string]string, len(slugs))
	for k, v := range slugs {
		copied[k] = v
	}
	c.mu.Lock()
	c.slugs = copied
	c.mu.Unlock()
}

// Len returns the number of known slugs.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slugs)
}

// Refresh fetches the slug map from the source and swaps it in. On fetch
// failure the previous mapping stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	slugs, err := c.source.SlugMap(ctx)
	if err != nil {
		return err
	}
	c.Replace(slugs)
	return nil
}

// RequestRefresh schedules an out-of-band refresh, used when authorization
// events hint that tenant data changed. Coalesces when one is already pending.
func (c *Cache) RequestRefresh() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes the cache periodically and on demand until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}
		if err := c.Refresh(ctx); err != nil {
			logging.Warn("tenant slug refresh failed", zap.Error(err))
		}
	}
}
