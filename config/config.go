// Package config loads the static admission-control configuration file
// via cleanenv, which lets the same struct tags double as
// environment-variable overrides for containerized deployments.
package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/krishna-kudari/admitgate"
)

// AlgorithmParams is the per-algorithm parameter block.
type AlgorithmParams struct {
	Capacity   int64   `toml:"capacity"`
	Rate       float64 `toml:"rate"`
	WindowMS   int64   `toml:"window_ms"`
	SubWindows int64   `toml:"sub_windows"`
}

// URLPattern binds a glob pattern to its own algorithm override. Algorithm
// is optional; an empty value inherits DefaultAlgorithm.
type URLPattern struct {
	Algorithm string  `toml:"algorithm"`
	Capacity  int64   `toml:"capacity"`
	Rate      float64 `toml:"rate"`
	Limit     int64   `toml:"limit"`
	WindowMS  int64   `toml:"window_ms"`
}

// Config is the root of the admission-control configuration file.
type Config struct {
	Enabled           bool                       `toml:"enabled" env:"ADMITGATE_ENABLED" env-default:"true"`
	DefaultAlgorithm  string                     `toml:"default_algorithm" env:"ADMITGATE_DEFAULT_ALGORITHM" env-default:"token_bucket"`
	FailOpen          bool                       `toml:"fail_open" env:"ADMITGATE_FAIL_OPEN" env-default:"true"`
	KeyPrefix         string                     `toml:"key_prefix" env:"ADMITGATE_KEY_PREFIX" env-default:"admitgate"`
	FallbackPrincipal string                     `toml:"fallback_principal" env:"ADMITGATE_FALLBACK_PRINCIPAL" env-default:"anonymous"`
	Algorithms        map[string]AlgorithmParams `toml:"algorithms"`
	URLPatterns       map[string]URLPattern      `toml:"url_patterns"`
}

var validAlgorithms = map[string]bool{
	"token_bucket":    true,
	"leaky_bucket":    true,
	"fixed_window":    true,
	"sliding_log":     true,
	"sliding_counter": true,
	"gcra":            true,
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration's constraints before any engine
// is constructed from it.
func (c *Config) Validate() error {
	if !validAlgorithms[c.DefaultAlgorithm] {
		return fmt.Errorf("config: unknown default_algorithm %q", c.DefaultAlgorithm)
	}
	for name, p := range c.Algorithms {
		if !validAlgorithms[name] {
			return fmt.Errorf("config: unknown algorithm key %q", name)
		}
		if p.Capacity <= 0 {
			return fmt.Errorf("config: algorithms.%s.capacity must be >= 1", name)
		}
	}
	for pattern, up := range c.URLPatterns {
		if up.Algorithm != "" && !validAlgorithms[up.Algorithm] {
			return fmt.Errorf("config: url_patterns[%q].algorithm %q unknown", pattern, up.Algorithm)
		}
	}
	return nil
}

// policyFor builds a Policy from sparse numeric fields, as supplied by
// either an Algorithms entry or a urlPatterns override.
func policyFor(kind admitgate.Kind, capacity int64, rate float64, windowMS, subWindows int64) admitgate.Policy {
	return admitgate.Policy{
		Kind:       kind,
		Capacity:   capacity,
		Rate:       rate,
		WindowMS:   windowMS,
		SubWindows: subWindows,
	}
}

// DefaultPolicy builds the Policy for DefaultAlgorithm from its
// Algorithms entry.
func (c *Config) DefaultPolicy() (admitgate.Policy, error) {
	kind := admitgate.Kind(c.DefaultAlgorithm)
	params := c.Algorithms[c.DefaultAlgorithm]
	return policyFor(kind, params.Capacity, params.Rate, params.WindowMS, params.SubWindows), nil
}

// PolicyRules converts URLPatterns into admitgate.PolicyRule values ready
// for PipelineConfig.Rules. An entry with no Algorithm
// inherits DefaultAlgorithm; Limit is accepted as a synonym for Capacity.
func (c *Config) PolicyRules() ([]admitgate.PolicyRule, error) {
	rules := make([]admitgate.PolicyRule, 0, len(c.URLPatterns))
	for pattern, up := range c.URLPatterns {
		kind := admitgate.Kind(up.Algorithm)
		if kind == "" {
			kind = admitgate.Kind(c.DefaultAlgorithm)
		}
		capacity := up.Capacity
		if capacity == 0 {
			capacity = up.Limit
		}
		rules = append(rules, admitgate.PolicyRule{
			Pattern: pattern,
			Policy:  policyFor(kind, capacity, up.Rate, up.WindowMS, 0),
		})
	}
	return rules, nil
}
