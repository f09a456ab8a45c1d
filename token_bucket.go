package admitgate

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// NewTokenBucket creates a Token Bucket admission engine.
// capacity is the maximum number of tokens (burst size). rate is the
// number of tokens refilled per second. Pass WithStore for the
// shared-store backend; omit for the in-memory backend.
func NewTokenBucket(capacity int64, rate float64, opts ...Option) (Engine, error) {
	p := Policy{Kind: TokenBucket, Capacity: capacity, Rate: rate}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	if o.Store != nil {
		return &tokenBucketShared{policy: p, opts: o}, nil
	}
	return &tokenBucketMemory{
		states: make(map[string]*tokenBucketState),
		policy: p,
		opts:   o,
	}, nil
}

func tokenBucketResetMS(lastRefillMS int64, rate float64) int64 {
	return lastRefillMS + int64(math.Ceil(1000/rate))
}

func tokenBucketRetryAfterS(resetMS, nowMS int64) int64 {
	return maxInt64(0, ceilDiv(resetMS-nowMS, 1000))
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type tokenBucketState struct {
	tokens       float64
	lastRefillMS int64
}

type tokenBucketMemory struct {
	mu     sync.Mutex
	states map[string]*tokenBucketState
	policy Policy
	opts   *Options
}

// refill applies the integer-granular refill step: only whole
// elapsed seconds produce tokens, and last_refill_ms only advances when
// they do, so progress under one second carries over between calls. When
// a refill happens last_refill_ms moves to now, so any fraction of a
// second beyond the whole seconds counted is dropped.
func (t *tokenBucketMemory) refill(state *tokenBucketState, nowMS int64) {
	delta := maxInt64(0, nowMS-state.lastRefillMS)
	wholeSeconds := delta / 1000
	if wholeSeconds <= 0 {
		return
	}
	refilled := float64(wholeSeconds) * t.policy.Rate
	state.tokens = math.Min(float64(t.policy.Capacity), state.tokens+refilled)
	state.lastRefillMS = nowMS
}

func (t *tokenBucketMemory) decide(state *tokenBucketState, nowMS int64, mutate bool) Decision {
	tag := t.policy.Kind.tag()
	resetMS := tokenBucketResetMS(state.lastRefillMS, t.policy.Rate)
	if state.tokens >= 1 {
		remaining := state.tokens
		if mutate {
			state.tokens--
			remaining = state.tokens
		} else {
			remaining--
		}
		return allow(int64(math.Floor(remaining)), resetMS, tag)
	}
	retryAfterS := tokenBucketRetryAfterS(resetMS, nowMS)
	if retryAfterS < 1 {
		retryAfterS = 1
	}
	return deny(resetMS, retryAfterS, tag)
}

func (t *tokenBucketMemory) Admit(ctx context.Context, key string) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMS := t.opts.Clock.NowMS()
	state, ok := t.states[key]
	if !ok {
		state = &tokenBucketState{tokens: float64(t.policy.Capacity), lastRefillMS: nowMS}
		t.states[key] = state
	}
	t.refill(state, nowMS)
	if state.tokens < 0 || state.tokens > float64(t.policy.Capacity) {
		tag := t.policy.Kind.tag()
		delete(t.states, key)
		return stateCorruption(t.opts, tag, key, "tokens out of [0, capacity] range"), nil
	}
	return t.decide(state, nowMS, true), nil
}

func (t *tokenBucketMemory) Peek(ctx context.Context, key string) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMS := t.opts.Clock.NowMS()
	state, ok := t.states[key]
	if !ok {
		return allow(t.policy.Capacity, nowMS, t.policy.Kind.tag()), nil
	}
	snapshot := *state
	t.refill(&snapshot, nowMS)
	return t.decide(&snapshot, nowMS, false), nil
}

func (t *tokenBucketMemory) Reset(ctx context.Context, key string) error {
	t.mu.Lock()
	delete(t.states, key)
	t.mu.Unlock()
	return nil
}

func (t *tokenBucketMemory) Stats(ctx context.Context, key string) (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[key]
	if !ok {
		return map[string]any{"tokens": float64(t.policy.Capacity), "tracked": false}, nil
	}
	return map[string]any{"tokens": state.tokens, "last_refill_ms": state.lastRefillMS, "tracked": true}, nil
}

// ─── Shared store ──────────────────────────────────────────────────────────

// tokenBucketScript implements the state update as a single atomic
// server-evaluated step against any store.Store backend.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local data = redis.call('HGETALL', key)
local tokens = capacity
local last_refill_ms = now_ms

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  tokens = tonumber(fields['tokens']) or capacity
  last_refill_ms = tonumber(fields['last_refill_ms']) or now_ms
end

local delta = now_ms - last_refill_ms
if delta < 0 then delta = 0 end
local whole_seconds = math.floor(delta / 1000)
if whole_seconds > 0 then
  tokens = math.min(capacity, tokens + whole_seconds * rate)
  last_refill_ms = now_ms
end

local allowed = 0
local remaining = math.floor(tokens)

if tokens >= 1 then
  tokens = tokens - 1
  remaining = math.floor(tokens)
  allowed = 1
end

local reset_ms = last_refill_ms + math.ceil(1000 / rate)

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill_ms', tostring(last_refill_ms))
redis.call('EXPIRE', key, math.ceil(capacity / rate) + 1)

return { allowed, remaining, reset_ms }
`

type tokenBucketShared struct {
	policy Policy
	opts   *Options
}

func (t *tokenBucketShared) Admit(ctx context.Context, key string) (Decision, error) {
	fullKey := t.opts.storageKey(key)
	nowMS := t.opts.Clock.NowMS()
	tag := "redis-" + t.policy.Kind.tag()

	raw, err := t.opts.Store.Eval(ctx, tokenBucketScript, []string{fullKey},
		t.policy.Capacity, t.policy.Rate, nowMS)
	if err != nil {
		return failTransport(t.opts, t.policy, tag, err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return failTransport(t.opts, t.policy, tag, fmt.Errorf("admitgate: malformed token bucket script reply"))
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	resetMS := toInt64(vals[2])

	if allowed {
		return allow(remaining, resetMS, tag), nil
	}
	return deny(resetMS, tokenBucketRetryAfterS(resetMS, nowMS), tag), nil
}

func (t *tokenBucketShared) Peek(ctx context.Context, key string) (Decision, error) {
	raw, err := t.opts.Store.HGetAll(ctx, t.opts.storageKey(key))
	tag := "redis-" + t.policy.Kind.tag()
	nowMS := t.opts.Clock.NowMS()
	if err != nil || len(raw) == 0 {
		return allow(t.policy.Capacity, nowMS, tag), nil
	}
	var tokens float64
	var lastRefillMS int64
	fmt.Sscanf(raw["tokens"], "%f", &tokens)
	fmt.Sscanf(raw["last_refill_ms"], "%d", &lastRefillMS)

	delta := maxInt64(0, nowMS-lastRefillMS)
	wholeSeconds := delta / 1000
	if wholeSeconds > 0 {
		tokens = math.Min(float64(t.policy.Capacity), tokens+float64(wholeSeconds)*t.policy.Rate)
		lastRefillMS = nowMS
	}
	resetMS := tokenBucketResetMS(lastRefillMS, t.policy.Rate)
	if tokens >= 1 {
		return allow(int64(math.Floor(tokens))-1, resetMS, tag), nil
	}
	return deny(resetMS, tokenBucketRetryAfterS(resetMS, nowMS), tag), nil
}

func (t *tokenBucketShared) Reset(ctx context.Context, key string) error {
	return t.opts.Store.Del(ctx, t.opts.storageKey(key))
}

func (t *tokenBucketShared) Stats(ctx context.Context, key string) (map[string]any, error) {
	raw, err := t.opts.Store.HGetAll(ctx, t.opts.storageKey(key))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"tracked": len(raw) > 0}
	for k, v := range raw {
		out[k] = v
	}
	return out, nil
}
