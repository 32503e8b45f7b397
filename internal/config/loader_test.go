package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
controlPlane:
  url: http://control-plane:8081
bus:
  bootstrapServers: ["kafka:9092"]
jwt:
  issuerURI: https://auth.example.com/realms/platform
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.RateLimit.RequestsPerWindow != 100 || cfg.RateLimit.WindowDuration != time.Minute {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.HeaderRewrite.Authorization != AuthorizationStrip {
		t.Errorf("authorization policy = %q", cfg.HeaderRewrite.Authorization)
	}
	if cfg.Bus.Topics.CollectionChanged != "config.collection.changed" {
		t.Errorf("topic default = %q", cfg.Bus.Topics.CollectionChanged)
	}
	if !cfg.TenantSlug.RequirePrefix {
		t.Error("strict tenant mode should be the default")
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	yaml := minimalYAML + `
server:
  listen: ":9090"
headerRewrite:
  authorization: preserve
tenantSlug:
  requirePrefix: false
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.HeaderRewrite.Authorization != AuthorizationPreserve {
		t.Errorf("authorization policy = %q", cfg.HeaderRewrite.Authorization)
	}
	if cfg.TenantSlug.RequirePrefix {
		t.Error("requirePrefix override lost")
	}
}

func TestEnvExpansion(t *testing.T) {
	os.Setenv("TEST_GW_LISTEN", ":7070")
	defer os.Unsetenv("TEST_GW_LISTEN")

	yaml := minimalYAML + `
server:
  listen: "${TEST_GW_LISTEN}"
logging:
  level: ${TEST_GW_LEVEL:debug}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != ":7070" {
		t.Errorf("env var not expanded: %q", cfg.Server.Listen)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("default not applied for unset var: %q", cfg.Logging.Level)
	}
}

func TestValidationRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing control plane", `
bus:
  bootstrapServers: ["kafka:9092"]
jwt:
  issuerURI: https://auth.example.com
controlPlane:
  url: ""
`, "controlPlane.url"},
		{"relative issuer", `
controlPlane:
  url: http://control-plane:8081
bus:
  bootstrapServers: ["kafka:9092"]
jwt:
  issuerURI: auth.example.com
`, "issuerURI"},
		{"bad rewrite policy", minimalYAML + `
headerRewrite:
  authorization: drop
`, "headerRewrite.authorization"},
		{"no brokers", `
controlPlane:
  url: http://control-plane:8081
jwt:
  issuerURI: https://auth.example.com
`, "bootstrapServers"},
		{"zero rate limit", minimalYAML + `
rateLimit:
  requestsPerWindow: 0
`, "requestsPerWindow"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
