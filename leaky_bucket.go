package admitgate

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// LeakyBucketMode selects how a leaky bucket engine treats requests queued
// past the leak rate. Policing hard-rejects requests beyond capacity.
// Shaping instead admits requests into a queue of up to capacity and
// reports in ResetEpochMS the instant the request would have leaked
// through.
type LeakyBucketMode string

const (
	Policing LeakyBucketMode = "policing"
	Shaping  LeakyBucketMode = "shaping"
)

// NewLeakyBucket creates a Leaky Bucket admission engine.
// capacity is the bucket size. rate is the number of requests leaked per
// second. mode selects Policing (hard reject, the required behavior) or
// Shaping (queue with a reported delay). Pass WithStore for the
// shared-store backend; omit for the in-memory backend.
func NewLeakyBucket(capacity int64, rate float64, mode LeakyBucketMode, opts ...Option) (Engine, error) {
	p := Policy{Kind: LeakyBucket, Capacity: capacity, Rate: rate}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = Policing
	}
	o := applyOptions(opts)

	if o.Store != nil {
		return &leakyBucketShared{policy: p, mode: mode, opts: o}, nil
	}
	return &leakyBucketMemory{
		states: make(map[string]*leakyBucketState),
		policy: p,
		mode:   mode,
		opts:   o,
	}, nil
}

func leakyBucketResetMS(lastLeakMS int64, rate float64) int64 {
	return lastLeakMS + int64(math.Ceil(1000/rate))
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type leakyBucketState struct {
	level      float64
	lastLeakMS int64
	nextFreeMS int64 // shaping mode only
}

type leakyBucketMemory struct {
	mu     sync.Mutex
	states map[string]*leakyBucketState
	policy Policy
	mode   LeakyBucketMode
	opts   *Options
}

func (l *leakyBucketMemory) getState(key string, nowMS int64) *leakyBucketState {
	state, ok := l.states[key]
	if !ok {
		state = &leakyBucketState{lastLeakMS: nowMS, nextFreeMS: nowMS}
		l.states[key] = state
	}
	return state
}

// leak applies the integer-granular drain step.
func (l *leakyBucketMemory) leak(state *leakyBucketState, nowMS int64) {
	delta := maxInt64(0, nowMS-state.lastLeakMS)
	wholeSeconds := delta / 1000
	if wholeSeconds <= 0 {
		return
	}
	leaked := float64(wholeSeconds) * l.policy.Rate
	state.level = math.Max(0, state.level-leaked)
	state.lastLeakMS = nowMS
}

func (l *leakyBucketMemory) Admit(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMS := l.opts.Clock.NowMS()
	state := l.getState(key, nowMS)
	if state.level < 0 || state.level > float64(l.policy.Capacity) {
		delete(l.states, key)
		return stateCorruption(l.opts, l.policy.Kind.tag(), key, "level out of [0, capacity] range"), nil
	}
	if l.mode == Shaping {
		return l.admitShaping(state, nowMS), nil
	}
	return l.admitPolicing(state, nowMS), nil
}

func (l *leakyBucketMemory) admitPolicing(state *leakyBucketState, nowMS int64) Decision {
	l.leak(state, nowMS)
	tag := l.policy.Kind.tag()
	resetMS := leakyBucketResetMS(state.lastLeakMS, l.policy.Rate)

	if state.level < float64(l.policy.Capacity) {
		state.level++
		remaining := int64(math.Floor(float64(l.policy.Capacity) - state.level))
		return allow(maxInt64(0, remaining), resetMS, tag)
	}
	retryAfterS := maxInt64(1, ceilDiv(resetMS-nowMS, 1000))
	return deny(resetMS, retryAfterS, tag)
}

func (l *leakyBucketMemory) admitShaping(state *leakyBucketState, nowMS int64) Decision {
	tag := l.policy.Kind.tag() + "-shaping"
	if state.nextFreeMS < nowMS {
		state.nextFreeMS = nowMS
	}
	delayMS := state.nextFreeMS - nowMS
	queueDepth := float64(delayMS) / 1000 * l.policy.Rate

	if queueDepth+1 <= float64(l.policy.Capacity) {
		state.nextFreeMS += int64(1 / l.policy.Rate * 1000)
		queueDepth++
		remaining := int64(math.Max(0, math.Floor(float64(l.policy.Capacity)-queueDepth)))
		return allow(remaining, nowMS+delayMS, tag)
	}
	return deny(nowMS+delayMS, maxInt64(1, delayMS/1000), tag)
}

func (l *leakyBucketMemory) Peek(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMS := l.opts.Clock.NowMS()
	state, ok := l.states[key]
	tag := l.policy.Kind.tag()
	if !ok {
		return allow(l.policy.Capacity, nowMS, tag), nil
	}
	snapshot := *state
	l.leak(&snapshot, nowMS)
	resetMS := leakyBucketResetMS(snapshot.lastLeakMS, l.policy.Rate)
	if snapshot.level < float64(l.policy.Capacity) {
		remaining := int64(math.Floor(float64(l.policy.Capacity) - snapshot.level - 1))
		return allow(maxInt64(0, remaining), resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (l *leakyBucketMemory) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.states, key)
	l.mu.Unlock()
	return nil
}

func (l *leakyBucketMemory) Stats(ctx context.Context, key string) (map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.states[key]
	if !ok {
		return map[string]any{"level": 0.0, "tracked": false}, nil
	}
	return map[string]any{"level": state.level, "last_leak_ms": state.lastLeakMS, "tracked": true}, nil
}

// ─── Shared store ──────────────────────────────────────────────────────────

const leakyBucketPolicingScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local data = redis.call('HGETALL', key)
local level = 0
local last_leak_ms = now_ms

if #data > 0 then
  local fields = {}
  for i = 1, #data, 2 do
    fields[data[i]] = data[i + 1]
  end
  level = tonumber(fields['level']) or 0
  last_leak_ms = tonumber(fields['last_leak_ms']) or now_ms
end

local delta = now_ms - last_leak_ms
if delta < 0 then delta = 0 end
local whole_seconds = math.floor(delta / 1000)
if whole_seconds > 0 then
  level = math.max(0, level - whole_seconds * rate)
  last_leak_ms = now_ms
end

local allowed = 0
local remaining = math.floor(capacity - level)

if level < capacity then
  level = level + 1
  remaining = math.floor(capacity - level)
  allowed = 1
end

local reset_ms = last_leak_ms + math.ceil(1000 / rate)

redis.call('HSET', key, 'level', tostring(level), 'last_leak_ms', tostring(last_leak_ms))
redis.call('EXPIRE', key, math.ceil(capacity / rate) + 1)

return { allowed, remaining, reset_ms }
`

type leakyBucketShared struct {
	policy Policy
	mode   LeakyBucketMode
	opts   *Options
}

func (l *leakyBucketShared) Admit(ctx context.Context, key string) (Decision, error) {
	fullKey := l.opts.storageKey(key)
	nowMS := l.opts.Clock.NowMS()
	tag := "redis-" + l.policy.Kind.tag()

	raw, err := l.opts.Store.Eval(ctx, leakyBucketPolicingScript, []string{fullKey},
		l.policy.Capacity, l.policy.Rate, nowMS)
	if err != nil {
		return failTransport(l.opts, l.policy, tag, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return failTransport(l.opts, l.policy, tag, fmt.Errorf("admitgate: malformed leaky bucket script reply"))
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	resetMS := toInt64(vals[2])
	if allowed {
		return allow(remaining, resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (l *leakyBucketShared) Peek(ctx context.Context, key string) (Decision, error) {
	raw, err := l.opts.Store.HGetAll(ctx, l.opts.storageKey(key))
	tag := "redis-" + l.policy.Kind.tag()
	nowMS := l.opts.Clock.NowMS()
	if err != nil || len(raw) == 0 {
		return allow(l.policy.Capacity, nowMS, tag), nil
	}
	var level float64
	var lastLeakMS int64
	fmt.Sscanf(raw["level"], "%f", &level)
	fmt.Sscanf(raw["last_leak_ms"], "%d", &lastLeakMS)
	delta := maxInt64(0, nowMS-lastLeakMS)
	wholeSeconds := delta / 1000
	if wholeSeconds > 0 {
		level = math.Max(0, level-float64(wholeSeconds)*l.policy.Rate)
		lastLeakMS = nowMS
	}
	resetMS := leakyBucketResetMS(lastLeakMS, l.policy.Rate)
	if level < float64(l.policy.Capacity) {
		return allow(maxInt64(0, int64(math.Floor(float64(l.policy.Capacity)-level-1))), resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (l *leakyBucketShared) Reset(ctx context.Context, key string) error {
	return l.opts.Store.Del(ctx, l.opts.storageKey(key))
}

func (l *leakyBucketShared) Stats(ctx context.Context, key string) (map[string]any, error) {
	raw, err := l.opts.Store.HGetAll(ctx, l.opts.storageKey(key))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"tracked": len(raw) > 0}
	for k, v := range raw {
		out[k] = v
	}
	return out, nil
}
