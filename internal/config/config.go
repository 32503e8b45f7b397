package config

import "time"

// Config is the root gateway configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	ControlPlane  ControlPlaneConfig  `yaml:"controlPlane"`
	Bus           BusConfig           `yaml:"bus"`
	Cache         CacheConfig         `yaml:"cache"`
	JWT           JWTConfig           `yaml:"jwt"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	IPRateLimit   IPRateLimitConfig   `yaml:"ipRateLimit"`
	TenantSlug    TenantSlugConfig    `yaml:"tenantSlug"`
	HeaderRewrite HeaderRewriteConfig `yaml:"headerRewrite"`
	Transform     TransformConfig     `yaml:"transform"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
}

// ServerConfig controls the client-facing HTTP listener.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// MaxInflight bounds concurrently served exchanges; QueueDepth bounds
	// exchanges waiting for a slot. Beyond both the listener answers 503.
	MaxInflight int `yaml:"maxInflight"`
	QueueDepth  int `yaml:"queueDepth"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ControlPlaneConfig locates the bootstrap endpoint.
type ControlPlaneConfig struct {
	URL           string        `yaml:"url"`
	BootstrapPath string        `yaml:"bootstrapPath"`
	Timeout       time.Duration `yaml:"timeout"`
	// MaxElapsed bounds bootstrap retries at startup.
	MaxElapsed time.Duration `yaml:"maxElapsed"`
}

// BusConfig configures the Kafka configuration bus.
type BusConfig struct {
	BootstrapServers []string  `yaml:"bootstrapServers"`
	GroupID          string    `yaml:"groupId"`
	Topics           BusTopics `yaml:"topics"`
}

// BusTopics names the three configuration streams.
type BusTopics struct {
	CollectionChanged string `yaml:"collectionChanged"`
	AuthzChanged      string `yaml:"authzChanged"`
	ServiceChanged    string `yaml:"serviceChanged"`
}

// CacheConfig configures the shared Redis cache.
type CacheConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
}

// JWTConfig configures token validation against the OIDC issuer.
type JWTConfig struct {
	IssuerURI string        `yaml:"issuerURI"`
	JWKSPath  string        `yaml:"jwksPath"`
	Audience  []string      `yaml:"audience"`
	Refresh   time.Duration `yaml:"refresh"`
	// UnauthenticatedPaths bypass JWT auth and are IP rate limited instead.
	UnauthenticatedPaths []string `yaml:"unauthenticatedPaths"`
	// RolesClaim names the claim carrying the role list.
	RolesClaim string `yaml:"rolesClaim"`
}

// RateLimitConfig is the default per-(route,principal) limit, applied when a
// route carries no limit of its own.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requestsPerWindow"`
	WindowDuration    time.Duration `yaml:"windowDuration"`
}

// IPRateLimitConfig is the sliding-window limit for unauthenticated paths.
type IPRateLimitConfig struct {
	Requests         int           `yaml:"requests"`
	Window           time.Duration `yaml:"window"`
	EvictionInterval time.Duration `yaml:"evictionInterval"`
}

// TenantSlugConfig controls tenant slug extraction.
type TenantSlugConfig struct {
	Enabled bool `yaml:"enabled"`
	// RequirePrefix is strict mode: an unknown syntactically-valid slug is a
	// 404. When false (migration mode) the slug is stripped and forwarded
	// without tenant context.
	RequirePrefix bool `yaml:"requirePrefix"`
	// PlatformPaths are reserved prefixes that bypass slug logic.
	PlatformPaths   []string      `yaml:"platformPaths"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// AuthorizationPolicy selects what happens to the client Authorization header
// before forwarding.
type AuthorizationPolicy string

const (
	// AuthorizationStrip removes the header; backends trust gateway identity.
	AuthorizationStrip AuthorizationPolicy = "strip"
	// AuthorizationPreserve forwards the header; backends re-validate.
	AuthorizationPreserve AuthorizationPolicy = "preserve"
)

// HeaderRewriteConfig controls upstream header rewriting.
type HeaderRewriteConfig struct {
	Authorization AuthorizationPolicy `yaml:"authorization"`
}

// TransformConfig controls the JSON:API response transformer.
type TransformConfig struct {
	// ResponseSizeLimit bounds the buffered upstream body; larger responses
	// pass through untransformed.
	ResponseSizeLimit int64 `yaml:"responseSizeLimit"`
	// IncludeCacheTTL is the TTL of the local read-through micro-cache in
	// front of Redis include lookups. Zero disables the micro-cache.
	IncludeCacheTTL time.Duration `yaml:"includeCacheTTL"`
	// IncludeCacheSize caps the micro-cache entry count.
	IncludeCacheSize int `yaml:"includeCacheSize"`
}

// UpstreamConfig controls the backend HTTP client.
type UpstreamConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	MaxIdleConnsPerHost int           `yaml:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int           `yaml:"maxConnsPerHost"`
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  90 * time.Second,
			MaxInflight:  1024,
			QueueDepth:   256,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true},
		ControlPlane: ControlPlaneConfig{
			BootstrapPath: "/control/bootstrap",
			Timeout:       10 * time.Second,
			MaxElapsed:    2 * time.Minute,
		},
		Bus: BusConfig{
			GroupID: "gateway-config",
			Topics: BusTopics{
				CollectionChanged: "config.collection.changed",
				AuthzChanged:      "config.authz.changed",
				ServiceChanged:    "config.service.changed",
			},
		},
		Cache: CacheConfig{
			Host:           "localhost",
			Port:           6379,
			ConnectTimeout: 2 * time.Second,
			ReadTimeout:    time.Second,
		},
		JWT: JWTConfig{
			JWKSPath:   "/.well-known/jwks.json",
			Refresh:    time.Hour,
			RolesClaim: "roles",
			UnauthenticatedPaths: []string{
				"/control/bootstrap",
				"/control/ui-bootstrap",
				"/control/tenants/slug-map",
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 100,
			WindowDuration:    time.Minute,
		},
		IPRateLimit: IPRateLimitConfig{
			Requests:         100,
			Window:           60 * time.Second,
			EvictionInterval: 120 * time.Second,
		},
		TenantSlug: TenantSlugConfig{
			Enabled:         true,
			RequirePrefix:   true,
			PlatformPaths:   []string{"/actuator", "/control", "/metrics"},
			RefreshInterval: 5 * time.Minute,
		},
		HeaderRewrite: HeaderRewriteConfig{
			Authorization: AuthorizationStrip,
		},
		Transform: TransformConfig{
			ResponseSizeLimit: 10 << 20, // 10 MiB
			IncludeCacheTTL:   5 * time.Second,
			IncludeCacheSize:  1024,
		},
		Upstream: UpstreamConfig{
			Timeout:             30 * time.Second,
			MaxIdleConnsPerHost: 32,
			MaxConnsPerHost:     128,
		},
	}
}
