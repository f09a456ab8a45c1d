package admitgate

import (
	"sync"
)

// Registry memoizes Engine instances by their Policy so that two policies
// with identical parameters share admission state.
// A Registry is write-once-then-read-only per key: once an Engine has been
// constructed for a registryKey, later calls for the same key return the
// same instance regardless of opts passed.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
	opts    []Option
}

// NewRegistry creates a Registry whose engines are all constructed with
// the given options (typically WithStore for a shared deployment, or none
// for in-memory).
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		engines: make(map[string]Engine),
		opts:    opts,
	}
}

// Get returns the Engine for p, constructing and caching it on first use.
func (r *Registry) Get(p Policy) (Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	key := p.registryKey()

	r.mu.RLock()
	e, ok := r.engines[key]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[key]; ok {
		return e, nil
	}
	e, err := newEngine(p, r.opts...)
	if err != nil {
		return nil, err
	}
	r.engines[key] = e
	return e, nil
}

// Engines returns a snapshot of all engines constructed so far, keyed by
// registryKey. Used by the admin surface's stats/reset endpoints.
func (r *Registry) Engines() map[string]Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Engine, len(r.engines))
	for k, v := range r.engines {
		out[k] = v
	}
	return out
}

// newEngine dispatches to the Kind-specific constructor for p.
func newEngine(p Policy, opts ...Option) (Engine, error) {
	switch p.Kind {
	case TokenBucket:
		return NewTokenBucket(p.Capacity, p.Rate, opts...)
	case LeakyBucket:
		return NewLeakyBucket(p.Capacity, p.Rate, Policing, opts...)
	case FixedWindow:
		return NewFixedWindow(p.Capacity, p.WindowMS, opts...)
	case SlidingLog:
		return NewSlidingWindowLog(p.Capacity, p.WindowMS, opts...)
	case SlidingCounter:
		return NewSlidingWindowCounter(p.Capacity, p.WindowMS, p.SubWindows, opts...)
	case GCRA:
		return NewGCRA(p.Rate, p.Capacity, opts...)
	default:
		return nil, &ConfigError{Field: "kind", Value: p.Kind, Reason: "unknown algorithm"}
	}
}
