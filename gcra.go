package admitgate

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// NewGCRA creates a GCRA (Generic Cell Rate Algorithm) admission engine.
// GCRA is a sixth, optional algorithm: it is not one of the five required
// algorithms and the admission pipeline never selects it automatically, but
// it shares the same Policy/Decision/Engine contract so it composes with the
// registry, middleware, and admin surface like any other Kind.
//
// rate is the sustained request rate per second. burst is the maximum
// burst size. Pass WithStore for the shared-store backend; omit for the
// in-memory backend.
func NewGCRA(rate float64, burst int64, opts ...Option) (Engine, error) {
	p := Policy{Kind: GCRA, Capacity: burst, Rate: rate}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	emissionInterval := 1.0 / rate
	burstAllowance := float64(burst-1) * emissionInterval

	if o.Store != nil {
		return &gcraShared{policy: p, emissionInterval: emissionInterval, burstAllowance: burstAllowance, opts: o}, nil
	}
	return &gcraMemory{
		states:           make(map[string]*gcraState),
		policy:           p,
		emissionInterval: emissionInterval,
		burstAllowance:   burstAllowance,
		opts:             o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type gcraState struct {
	tatMS int64
}

type gcraMemory struct {
	mu               sync.Mutex
	states           map[string]*gcraState
	policy           Policy
	emissionInterval float64
	burstAllowance   float64
	opts             *Options
}

func (g *gcraMemory) Admit(ctx context.Context, key string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMS := g.opts.Clock.NowMS()
	tag := g.policy.Kind.tag()
	state, ok := g.states[key]
	if !ok {
		state = &gcraState{tatMS: nowMS}
		g.states[key] = state
	}
	if state.tatMS < 0 {
		delete(g.states, key)
		return stateCorruption(g.opts, tag, key, "theoretical arrival time negative"), nil
	}

	tat := maxInt64(state.tatMS, nowMS)
	incrementMS := int64(g.emissionInterval * 1000)
	newTAT := tat + incrementMS
	diffMS := newTAT - nowMS
	allowanceMS := int64((g.burstAllowance + g.emissionInterval) * 1000)

	if diffMS <= allowanceMS {
		state.tatMS = newTAT
		remaining := int64(math.Floor(float64(allowanceMS-diffMS) / (g.emissionInterval * 1000)))
		return allow(maxInt64(0, remaining), nowMS+incrementMS, tag), nil
	}
	retryAfterS := int64(math.Ceil(float64(diffMS-allowanceMS) / 1000))
	if retryAfterS < 1 {
		retryAfterS = 1
	}
	return deny(nowMS+retryAfterS*1000, retryAfterS, tag), nil
}

func (g *gcraMemory) Peek(ctx context.Context, key string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMS := g.opts.Clock.NowMS()
	tag := g.policy.Kind.tag()
	state, ok := g.states[key]
	if !ok {
		return allow(g.policy.Capacity, nowMS, tag), nil
	}
	tat := maxInt64(state.tatMS, nowMS)
	diffMS := tat - nowMS
	allowanceMS := int64(g.burstAllowance * 1000)
	if diffMS <= allowanceMS {
		remaining := int64(math.Floor(float64(allowanceMS-diffMS) / (g.emissionInterval * 1000)))
		return allow(maxInt64(0, remaining), nowMS, tag), nil
	}
	retryAfterS := maxInt64(1, ceilDiv(diffMS-allowanceMS, 1000))
	return deny(nowMS+retryAfterS*1000, retryAfterS, tag), nil
}

func (g *gcraMemory) Reset(ctx context.Context, key string) error {
	g.mu.Lock()
	delete(g.states, key)
	g.mu.Unlock()
	return nil
}

func (g *gcraMemory) Stats(ctx context.Context, key string) (map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.states[key]
	if !ok {
		return map[string]any{"tracked": false}, nil
	}
	return map[string]any{"tat_ms": state.tatMS, "tracked": true}, nil
}

// ─── Shared store ──────────────────────────────────────────────────────────

const gcraScript = `
local key = KEYS[1]
local emission_interval_ms = tonumber(ARGV[1])
local allowance_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', key)) or now_ms
tat = math.max(tat, now_ms)

local new_tat = tat + emission_interval_ms
local diff_ms = new_tat - now_ms

if diff_ms <= allowance_ms then
  redis.call('SET', key, tostring(new_tat))
  redis.call('PEXPIRE', key, math.ceil(allowance_ms + emission_interval_ms) + 1000)
  local remaining = math.floor((allowance_ms - diff_ms) / emission_interval_ms)
  return { 1, remaining, now_ms + emission_interval_ms }
else
  local retry_after_ms = diff_ms - allowance_ms
  return { 0, 0, now_ms + retry_after_ms }
end
`

type gcraShared struct {
	policy           Policy
	emissionInterval float64
	burstAllowance   float64
	opts             *Options
}

func (g *gcraShared) Admit(ctx context.Context, key string) (Decision, error) {
	fullKey := g.opts.storageKey(key)
	nowMS := g.opts.Clock.NowMS()
	tag := "redis-" + g.policy.Kind.tag()
	incrementMS := int64(g.emissionInterval * 1000)
	allowanceMS := int64((g.burstAllowance + g.emissionInterval) * 1000)

	raw, err := g.opts.Store.Eval(ctx, gcraScript, []string{fullKey}, incrementMS, allowanceMS, nowMS)
	if err != nil {
		return failTransport(g.opts, g.policy, tag, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return failTransport(g.opts, g.policy, tag, fmt.Errorf("admitgate: malformed gcra script reply"))
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	resetMS := toInt64(vals[2])
	if allowed {
		return allow(remaining, resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (g *gcraShared) Peek(ctx context.Context, key string) (Decision, error) {
	raw, err := g.opts.Store.Get(ctx, g.opts.storageKey(key))
	tag := "redis-" + g.policy.Kind.tag()
	nowMS := g.opts.Clock.NowMS()
	if err != nil || raw == "" {
		return allow(g.policy.Capacity, nowMS, tag), nil
	}
	var tat float64
	fmt.Sscanf(raw, "%f", &tat)
	diffMS := int64(tat) - nowMS
	if diffMS < 0 {
		diffMS = 0
	}
	allowanceMS := int64(g.burstAllowance * 1000)
	if diffMS <= allowanceMS {
		remaining := int64(math.Floor(float64(allowanceMS-diffMS) / (g.emissionInterval * 1000)))
		return allow(maxInt64(0, remaining), nowMS, tag), nil
	}
	retryAfterS := maxInt64(1, ceilDiv(diffMS-allowanceMS, 1000))
	return deny(nowMS+retryAfterS*1000, retryAfterS, tag), nil
}

func (g *gcraShared) Reset(ctx context.Context, key string) error {
	return g.opts.Store.Del(ctx, g.opts.storageKey(key))
}

func (g *gcraShared) Stats(ctx context.Context, key string) (map[string]any, error) {
	raw, err := g.opts.Store.Get(ctx, g.opts.storageKey(key))
	if err != nil {
		return map[string]any{"tracked": false}, nil
	}
	return map[string]any{"tat": raw, "tracked": true}, nil
}
