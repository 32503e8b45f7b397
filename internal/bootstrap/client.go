package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/authz"
	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/logging"
	"github.com/portcullis/gateway/internal/registry"
	"github.com/portcullis/gateway/internal/tenant"
)

// slugMapPath serves the tenant slug map for refreshes after startup.
const slugMapPath = "/control/tenants/slug-map"

// Client talks to the control plane. It implements tenant.Source so the slug
// cache can refresh itself through the same client.
type Client struct {
	baseURL       string
	bootstrapPath string
	httpClient    *http.Client
	maxElapsed    time.Duration
}

var _ tenant.Source = (*Client)(nil)

// NewClient creates a control plane client.
func NewClient(cfg config.ControlPlaneConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	path := cfg.BootstrapPath
	if path == "" {
		path = "/control/bootstrap"
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		bootstrapPath: path,
		httpClient:    &http.Client{Timeout: timeout},
		maxElapsed:    cfg.MaxElapsed,
	}
}

// Fetch retrieves the bootstrap snapshot, retrying with exponential backoff
// until maxElapsed. Startup fails when this returns an error.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed

	var snapshot *Snapshot
	operation := func() error {
		s, err := c.fetchOnce(ctx)
		if err != nil {
			logging.Warn("bootstrap attempt failed", zap.Error(err))
			return err
		}
		snapshot = s
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("bootstrap from %s%s: %w", c.baseURL, c.bootstrapPath, err)
	}
	return snapshot, nil
}

func (c *Client) fetchOnce(ctx context.Context) (*Snapshot, error) {
	var snapshot Snapshot
	if err := c.getJSON(ctx, c.bootstrapPath, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// SlugMap fetches the current slug to tenant id mapping.
func (c *Client) SlugMap(ctx context.Context) (map[string]string, error) {
	var slugs map[string]string
	if err := c.getJSON(ctx, slugMapPath, &slugs); err != nil {
		return nil, err
	}
	return slugs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decoding response: %w", path, err)
	}
	return nil
}

// Seed loads a snapshot into the registry, authz cache and slug cache.
// Invalid collections are logged and skipped so one bad entry cannot block
// startup.
func Seed(snapshot *Snapshot, reg *registry.Registry, authzCache *authz.Cache, slugs *tenant.Cache) {
	services := snapshot.ServiceIndex()

	added := 0
	for _, col := range snapshot.Collections {
		route, err := BuildRoute(col, services)
		if err != nil {
			logging.Error("bootstrap: skipping collection", zap.String("collection", col.ID), zap.Error(err))
			continue
		}
		if err := reg.Update(route); err != nil {
			logging.Error("bootstrap: rejected route", zap.String("route", route.ID), zap.Error(err))
			continue
		}
		added++
	}

	for _, entry := range snapshot.Authorization {
		authzCache.Replace(AuthzConfig(entry))
	}
	if slugs != nil {
		slugs.Replace(snapshot.SlugMap())
	}

	logging.Info("bootstrap complete",
		zap.Int("services", len(snapshot.Services)),
		zap.Int("routes", added),
		zap.Int("authzEntries", len(snapshot.Authorization)),
		zap.Int("tenants", len(snapshot.Tenants)))
}
