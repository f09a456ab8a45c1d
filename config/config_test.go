package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/krishna-kudari/admitgate"
	"github.com/krishna-kudari/admitgate/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "admitgate.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
enabled = true
default_algorithm = "token_bucket"
fail_open = true
key_prefix = "admitgate"
fallback_principal = "anonymous"

[algorithms.token_bucket]
capacity = 10
rate = 1.0

[url_patterns."/api/search/*"]
algorithm = "fixed_window"
capacity = 20
window_ms = 60000
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefaultAlgorithm != "token_bucket" {
		t.Errorf("expected default_algorithm=token_bucket, got %q", cfg.DefaultAlgorithm)
	}
	if !cfg.Enabled || !cfg.FailOpen {
		t.Error("expected enabled and fail_open to be true")
	}
}

func TestLoad_UnknownDefaultAlgorithm(t *testing.T) {
	path := writeConfig(t, `
default_algorithm = "bogus"
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for unknown default_algorithm")
	}
}

func TestLoad_UnknownURLPatternAlgorithm(t *testing.T) {
	path := writeConfig(t, `
default_algorithm = "token_bucket"

[url_patterns."/api/*"]
algorithm = "bogus"
capacity = 10
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for unknown url_patterns algorithm")
	}
}

func TestConfig_DefaultPolicy(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	policy, err := cfg.DefaultPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if policy.Kind != admitgate.TokenBucket {
		t.Errorf("expected kind=%s, got %s", admitgate.TokenBucket, policy.Kind)
	}
	if policy.Capacity != 10 || policy.Rate != 1.0 {
		t.Errorf("expected capacity=10 rate=1.0, got capacity=%d rate=%g", policy.Capacity, policy.Rate)
	}
	if err := policy.Validate(); err != nil {
		t.Errorf("expected valid policy, got %v", err)
	}
}

func TestConfig_PolicyRules(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := cfg.PolicyRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	rule := rules[0]
	if rule.Pattern != "/api/search/*" {
		t.Errorf("expected pattern=/api/search/*, got %q", rule.Pattern)
	}
	if rule.Policy.Kind != admitgate.FixedWindow {
		t.Errorf("expected kind=%s, got %s", admitgate.FixedWindow, rule.Policy.Kind)
	}
	if rule.Policy.Capacity != 20 || rule.Policy.WindowMS != 60000 {
		t.Errorf("expected capacity=20 window_ms=60000, got capacity=%d window_ms=%d", rule.Policy.Capacity, rule.Policy.WindowMS)
	}
	if err := rule.Policy.Validate(); err != nil {
		t.Errorf("expected valid rule policy, got %v", err)
	}
}

func TestConfig_PolicyRules_InheritsDefaultAlgorithm(t *testing.T) {
	path := writeConfig(t, `
default_algorithm = "leaky_bucket"

[algorithms.leaky_bucket]
capacity = 5
rate = 2.0

[url_patterns."/admin/*"]
limit = 15
rate = 3.0
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := cfg.PolicyRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	rule := rules[0]
	if rule.Policy.Kind != admitgate.LeakyBucket {
		t.Errorf("expected inherited kind=%s, got %s", admitgate.LeakyBucket, rule.Policy.Kind)
	}
	if rule.Policy.Capacity != 15 {
		t.Errorf("expected limit to be accepted as capacity synonym, got %d", rule.Policy.Capacity)
	}
}

func TestConfig_NewPipelineFromConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	defaultPolicy, err := cfg.DefaultPolicy()
	if err != nil {
		t.Fatal(err)
	}
	rules, err := cfg.PolicyRules()
	if err != nil {
		t.Fatal(err)
	}

	registry := admitgate.NewRegistry()
	pipeline, err := admitgate.NewPipeline(admitgate.PipelineConfig{
		Registry:          registry,
		Rules:             rules,
		DefaultPolicy:     defaultPolicy,
		FallbackPrincipal: cfg.FallbackPrincipal,
	})
	if err != nil {
		t.Fatalf("pipeline construction from loaded config failed: %v", err)
	}
	if pipeline == nil {
		t.Fatal("expected non-nil pipeline")
	}
}
