package admitgate

import (
	"context"
	"fmt"
	"sync"
)

// NewFixedWindow creates a Fixed Window admission engine.
// capacity is the maximum number of requests per window. windowMS is the
// window length in milliseconds. Pass WithStore for the shared-store
// backend; omit for the in-memory backend.
func NewFixedWindow(capacity, windowMS int64, opts ...Option) (Engine, error) {
	p := Policy{Kind: FixedWindow, Capacity: capacity, WindowMS: windowMS}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	if o.Store != nil {
		return &fixedWindowShared{policy: p, opts: o}, nil
	}
	return &fixedWindowMemory{
		states: make(map[string]*fixedWindowState),
		policy: p,
		opts:   o,
	}, nil
}

func fixedWindowStart(nowMS, windowMS int64) int64 {
	return (nowMS / windowMS) * windowMS
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type fixedWindowState struct {
	count       int64
	windowStart int64
}

type fixedWindowMemory struct {
	mu     sync.Mutex
	states map[string]*fixedWindowState
	policy Policy
	opts   *Options
}

func (f *fixedWindowMemory) Admit(ctx context.Context, key string) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nowMS := f.opts.Clock.NowMS()
	windowStart := fixedWindowStart(nowMS, f.policy.WindowMS)
	tag := f.policy.Kind.tag()

	state, ok := f.states[key]
	if !ok || state.windowStart != windowStart {
		state = &fixedWindowState{windowStart: windowStart}
		f.states[key] = state
	}

	if state.count < 0 || state.count > f.policy.Capacity {
		delete(f.states, key)
		return stateCorruption(f.opts, tag, key, "count out of [0, capacity] range"), nil
	}

	resetMS := windowStart + f.policy.WindowMS
	if state.count < f.policy.Capacity {
		state.count++
		return allow(f.policy.Capacity-state.count, resetMS, tag), nil
	}
	retryAfterS := maxInt64(1, ceilDiv(resetMS-nowMS, 1000))
	return deny(resetMS, retryAfterS, tag), nil
}

func (f *fixedWindowMemory) Peek(ctx context.Context, key string) (Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nowMS := f.opts.Clock.NowMS()
	windowStart := fixedWindowStart(nowMS, f.policy.WindowMS)
	tag := f.policy.Kind.tag()
	resetMS := windowStart + f.policy.WindowMS

	state, ok := f.states[key]
	if !ok || state.windowStart != windowStart {
		return allow(f.policy.Capacity, resetMS, tag), nil
	}
	if state.count < f.policy.Capacity {
		return allow(f.policy.Capacity-state.count, resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (f *fixedWindowMemory) Reset(ctx context.Context, key string) error {
	f.mu.Lock()
	delete(f.states, key)
	f.mu.Unlock()
	return nil
}

func (f *fixedWindowMemory) Stats(ctx context.Context, key string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[key]
	if !ok {
		return map[string]any{"count": int64(0), "tracked": false}, nil
	}
	return map[string]any{"count": state.count, "window_start_ms": state.windowStart, "tracked": true}, nil
}

// ─── Shared store ──────────────────────────────────────────────────────────

// fixedWindowScript implements the windowing rule atomically: a window
// rollover and the admit-or-deny decision happen in one server-side step.
const fixedWindowScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local window_start = math.floor(now_ms / window_ms) * window_ms

local data = redis.call('HGETALL', key)
local count = 0
local stored_start = window_start

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  stored_start = tonumber(fields['window_start']) or window_start
  count = tonumber(fields['count']) or 0
end

if stored_start ~= window_start then
  stored_start = window_start
  count = 0
end

local allowed = 0
if count < capacity then
  count = count + 1
  allowed = 1
end

redis.call('HSET', key, 'window_start', tostring(stored_start), 'count', tostring(count))
redis.call('EXPIRE', key, math.ceil(window_ms / 1000) + 1)

return { allowed, capacity - count, stored_start + window_ms }
`

type fixedWindowShared struct {
	policy Policy
	opts   *Options
}

func (f *fixedWindowShared) Admit(ctx context.Context, key string) (Decision, error) {
	fullKey := f.opts.storageKey(key)
	nowMS := f.opts.Clock.NowMS()
	tag := "redis-" + f.policy.Kind.tag()

	raw, err := f.opts.Store.Eval(ctx, fixedWindowScript, []string{fullKey},
		f.policy.Capacity, f.policy.WindowMS, nowMS)
	if err != nil {
		return failTransport(f.opts, f.policy, tag, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return failTransport(f.opts, f.policy, tag, fmt.Errorf("admitgate: malformed fixed window script reply"))
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	resetMS := toInt64(vals[2])
	if allowed {
		return allow(remaining, resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (f *fixedWindowShared) Peek(ctx context.Context, key string) (Decision, error) {
	raw, err := f.opts.Store.HGetAll(ctx, f.opts.storageKey(key))
	tag := "redis-" + f.policy.Kind.tag()
	nowMS := f.opts.Clock.NowMS()
	windowStart := fixedWindowStart(nowMS, f.policy.WindowMS)
	resetMS := windowStart + f.policy.WindowMS
	if err != nil || len(raw) == 0 {
		return allow(f.policy.Capacity, resetMS, tag), nil
	}
	var storedStart, count int64
	fmt.Sscanf(raw["window_start"], "%d", &storedStart)
	fmt.Sscanf(raw["count"], "%d", &count)
	if storedStart != windowStart {
		return allow(f.policy.Capacity, resetMS, tag), nil
	}
	if count < f.policy.Capacity {
		return allow(f.policy.Capacity-count, resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (f *fixedWindowShared) Reset(ctx context.Context, key string) error {
	return f.opts.Store.Del(ctx, f.opts.storageKey(key))
}

func (f *fixedWindowShared) Stats(ctx context.Context, key string) (map[string]any, error) {
	raw, err := f.opts.Store.HGetAll(ctx, f.opts.storageKey(key))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"tracked": len(raw) > 0}
	for k, v := range raw {
		out[k] = v
	}
	return out, nil
}
