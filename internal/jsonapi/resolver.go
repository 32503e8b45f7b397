package jsonapi

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/logging"
	"github.com/portcullis/gateway/internal/metrics"
)

// cacheKeyPrefix is the namespace holding JSON-encoded resource objects.
const cacheKeyPrefix = "jsonapi:"

// Resolver looks up related resources in the shared cache by {type,id}. A
// small expiring local cache absorbs hot-key lookups between gateway events.
type Resolver struct {
	client    *redis.Client
	opTimeout time.Duration
	local     *lru.LRU[string, []byte]
}

// NewResolver creates an include resolver. A zero TTL disables the local
// micro-cache.
func NewResolver(client *redis.Client, cfg config.TransformConfig) *Resolver {
	r := &Resolver{
		client:    client,
		opTimeout: time.Second,
	}
	if cfg.IncludeCacheTTL > 0 {
		size := cfg.IncludeCacheSize
		if size <= 0 {
			size = 1024
		}
		r.local = lru.NewLRU[string, []byte](size, nil, cfg.IncludeCacheTTL)
	}
	return r
}

// ParseIncludeParam splits the comma-separated include parameter. Empty
// entries are dropped; names are kept as-is and validated against the
// document's relationships later.
func ParseIncludeParam(param string) []string {
	if param == "" {
		return nil
	}
	parts := strings.Split(param, ",")
	names := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			names = append(names, p)
		}
	}
	return names
}

// Resolve looks up the resources referenced by the named relationships of the
// document's primary data and appends hits to included, deduplicated by
// {type,id}. Cache transport errors degrade to no includes resolved; the
// caller still serves the document.
func (rv *Resolver) Resolve(ctx context.Context, doc *Document, includeNames []string) {
	if len(includeNames) == 0 || len(doc.Data) == 0 {
		return
	}

	wanted := make(map[string]bool, len(includeNames))
	for _, name := range includeNames {
		wanted[name] = true
	}

	// Collect identifiers in relationship traversal order, dedup up front so
	// the cache sees each key once.
	seen := make(map[ResourceIdentifier]bool)
	var targets []ResourceIdentifier
	for _, ro := range doc.Data {
		for name, rel := range ro.Relationships {
			if !wanted[name] {
				continue
			}
			for _, ri := range rel.Identifiers() {
				if ri.Type == "" || ri.ID == "" || seen[ri] {
					continue
				}
				seen[ri] = true
				targets = append(targets, ri)
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	for _, ri := range targets {
		raw, ok := rv.lookup(ctx, ri)
		if !ok {
			continue
		}
		var ro ResourceObject
		if err := json.Unmarshal(raw, &ro); err != nil {
			logging.Warn("include resolution: undecodable cache entry",
				zap.String("key", ri.Key()), zap.Error(err))
			continue
		}
		doc.AppendIncluded(&ro)
	}
}

// lookup fetches one resource, consulting the local cache first. A transport
// error aborts with a warn; a plain miss logs at debug and is skipped.
func (rv *Resolver) lookup(ctx context.Context, ri ResourceIdentifier) ([]byte, bool) {
	key := cacheKeyPrefix + ri.Type + ":" + ri.ID
	if rv.local != nil {
		if raw, ok := rv.local.Get(key); ok {
			metrics.IncludeLookup("local")
			return raw, true
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, rv.opTimeout)
	defer cancel()

	val, err := rv.client.Get(opCtx, key).Bytes()
	if err == redis.Nil {
		metrics.IncludeLookup("miss")
		logging.Debug("include resolution: cache miss", zap.String("key", key))
		return nil, false
	}
	if err != nil {
		metrics.Degraded("include")
		logging.Warn("include resolution degraded, cache unreachable",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}

	metrics.IncludeLookup("cache")
	if rv.local != nil {
		rv.local.Add(key, val)
	}
	return val, true
}
