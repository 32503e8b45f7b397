package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		// ${VAR} or ${VAR:default}
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values and
// ${VAR:default} with the default when VAR is unset.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := l.envPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[2]
		if value, exists := os.LookupEnv(name); exists {
			return value
		}
		if strings.Contains(match, ":") {
			return def
		}
		return match // keep original if env var not set and no default
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.MaxInflight <= 0 {
		return fmt.Errorf("server.maxInflight must be positive")
	}
	if cfg.Server.QueueDepth < 0 {
		return fmt.Errorf("server.queueDepth must not be negative")
	}

	if cfg.ControlPlane.URL == "" {
		return fmt.Errorf("controlPlane.url is required")
	}
	if u, err := url.Parse(cfg.ControlPlane.URL); err != nil || !u.IsAbs() {
		return fmt.Errorf("controlPlane.url must be an absolute URL: %s", cfg.ControlPlane.URL)
	}
	if !strings.HasPrefix(cfg.ControlPlane.BootstrapPath, "/") {
		return fmt.Errorf("controlPlane.bootstrapPath must start with /: %s", cfg.ControlPlane.BootstrapPath)
	}

	if len(cfg.Bus.BootstrapServers) == 0 {
		return fmt.Errorf("bus.bootstrapServers is required")
	}
	for _, t := range []struct{ name, v string }{
		{"bus.topics.collectionChanged", cfg.Bus.Topics.CollectionChanged},
		{"bus.topics.authzChanged", cfg.Bus.Topics.AuthzChanged},
		{"bus.topics.serviceChanged", cfg.Bus.Topics.ServiceChanged},
	} {
		if t.v == "" {
			return fmt.Errorf("%s is required", t.name)
		}
	}

	if cfg.Cache.Host == "" {
		return fmt.Errorf("cache.host is required")
	}
	if cfg.Cache.Port <= 0 || cfg.Cache.Port > 65535 {
		return fmt.Errorf("cache.port out of range: %d", cfg.Cache.Port)
	}

	if cfg.JWT.IssuerURI == "" {
		return fmt.Errorf("jwt.issuerURI is required")
	}
	if u, err := url.Parse(cfg.JWT.IssuerURI); err != nil || !u.IsAbs() {
		return fmt.Errorf("jwt.issuerURI must be an absolute URL: %s", cfg.JWT.IssuerURI)
	}

	if cfg.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("rateLimit.requestsPerWindow must be positive")
	}
	if cfg.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("rateLimit.windowDuration must be positive")
	}

	switch cfg.HeaderRewrite.Authorization {
	case AuthorizationStrip, AuthorizationPreserve:
	default:
		return fmt.Errorf("headerRewrite.authorization must be %q or %q",
			AuthorizationStrip, AuthorizationPreserve)
	}

	if cfg.Transform.ResponseSizeLimit <= 0 {
		return fmt.Errorf("transform.responseSizeLimit must be positive")
	}

	for _, p := range cfg.TenantSlug.PlatformPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("tenantSlug.platformPaths entries must start with /: %s", p)
		}
	}

	return nil
}
