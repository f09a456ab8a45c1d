package admitgate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NewSlidingWindowLog creates a Sliding Window Log admission engine.
// capacity is the maximum requests allowed per window. windowMS is the
// window length in milliseconds. This algorithm stores every admitted
// request timestamp and has O(n) memory per key; prefer
// NewSlidingWindowCounter for high-throughput keys. Pass WithStore for the
// shared-store backend; omit for the in-memory backend.
func NewSlidingWindowLog(capacity, windowMS int64, opts ...Option) (Engine, error) {
	p := Policy{Kind: SlidingLog, Capacity: capacity, WindowMS: windowMS}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	if o.Store != nil {
		return &slidingWindowLogShared{policy: p, opts: o}, nil
	}
	return &slidingWindowLogMemory{
		states: make(map[string]*slidingWindowLogState),
		policy: p,
		opts:   o,
	}, nil
}

// ─── In-Memory ───────────────────────────────────────────────────────────────

type slidingWindowLogState struct {
	timestamps []int64
}

type slidingWindowLogMemory struct {
	mu     sync.Mutex
	states map[string]*slidingWindowLogState
	policy Policy
	opts   *Options
}

// evict drops timestamps that have aged out of the window: a reading
// exactly window_ms old is evicted, not retained — admitting again at
// t=window_ms must see the t=0 reading gone.
func (s *slidingWindowLogMemory) evict(state *slidingWindowLogState, windowStart int64) {
	cutoff := 0
	for cutoff < len(state.timestamps) && state.timestamps[cutoff] <= windowStart {
		cutoff++
	}
	state.timestamps = state.timestamps[cutoff:]
}

func (s *slidingWindowLogMemory) resetEpochMS(state *slidingWindowLogState, nowMS int64) int64 {
	if len(state.timestamps) == 0 {
		return nowMS + s.policy.WindowMS
	}
	return state.timestamps[0] + s.policy.WindowMS
}

func (s *slidingWindowLogMemory) Admit(ctx context.Context, key string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMS := s.opts.Clock.NowMS()
	windowStart := nowMS - s.policy.WindowMS
	tag := s.policy.Kind.tag()

	state, ok := s.states[key]
	if !ok {
		state = &slidingWindowLogState{}
		s.states[key] = state
	}
	s.evict(state, windowStart)
	if int64(len(state.timestamps)) > s.policy.Capacity {
		delete(s.states, key)
		return stateCorruption(s.opts, tag, key, "timestamp count exceeds capacity"), nil
	}

	if int64(len(state.timestamps)) < s.policy.Capacity {
		state.timestamps = append(state.timestamps, nowMS)
		remaining := s.policy.Capacity - int64(len(state.timestamps))
		return allow(remaining, s.resetEpochMS(state, nowMS), tag), nil
	}
	resetMS := s.resetEpochMS(state, nowMS)
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (s *slidingWindowLogMemory) Peek(ctx context.Context, key string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMS := s.opts.Clock.NowMS()
	windowStart := nowMS - s.policy.WindowMS
	tag := s.policy.Kind.tag()

	state, ok := s.states[key]
	if !ok {
		return allow(s.policy.Capacity, nowMS+s.policy.WindowMS, tag), nil
	}
	snapshot := &slidingWindowLogState{timestamps: append([]int64(nil), state.timestamps...)}
	s.evict(snapshot, windowStart)
	if int64(len(snapshot.timestamps)) < s.policy.Capacity {
		return allow(s.policy.Capacity-int64(len(snapshot.timestamps)), s.resetEpochMS(snapshot, nowMS), tag), nil
	}
	resetMS := s.resetEpochMS(snapshot, nowMS)
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (s *slidingWindowLogMemory) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
	return nil
}

func (s *slidingWindowLogMemory) Stats(ctx context.Context, key string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		return map[string]any{"count": int64(0), "tracked": false}, nil
	}
	return map[string]any{"count": int64(len(state.timestamps)), "tracked": true}, nil
}

// ─── Shared store ──────────────────────────────────────────────────────────

// slidingWindowLogScript implements the sliding log as a single atomic
// server-side step: eviction, the admit-or-deny decision, and the insert
// all happen in one round trip instead of separate ZREM/ZCARD/ZADD calls,
// which would race under concurrent access.
const slidingWindowLogScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local member = ARGV[4]

local window_start = now_ms - window_ms

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

local count = redis.call('ZCARD', key)
local allowed = 0
local remaining = capacity - count

if count < capacity then
  redis.call('ZADD', key, now_ms, member)
  count = count + 1
  remaining = capacity - count
  allowed = 1
end

redis.call('EXPIRE', key, math.ceil(window_ms / 1000) + 1)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset_ms = now_ms + window_ms
if #oldest > 0 then
  reset_ms = tonumber(oldest[2]) + window_ms
end

return { allowed, remaining, reset_ms }
`

type slidingWindowLogShared struct {
	policy Policy
	opts   *Options
}

func (s *slidingWindowLogShared) Admit(ctx context.Context, key string) (Decision, error) {
	fullKey := s.opts.storageKey(key)
	nowMS := s.opts.Clock.NowMS()
	tag := "redis-" + s.policy.Kind.tag()
	member := fmt.Sprintf("%d:%s", nowMS, uuid.New().String())

	raw, err := s.opts.Store.Eval(ctx, slidingWindowLogScript, []string{fullKey},
		s.policy.Capacity, s.policy.WindowMS, nowMS, member)
	if err != nil {
		return failTransport(s.opts, s.policy, tag, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return failTransport(s.opts, s.policy, tag, fmt.Errorf("admitgate: malformed sliding window log script reply"))
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	resetMS := toInt64(vals[2])
	if allowed {
		return allow(remaining, resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (s *slidingWindowLogShared) Peek(ctx context.Context, key string) (Decision, error) {
	fullKey := s.opts.storageKey(key)
	nowMS := s.opts.Clock.NowMS()
	tag := "redis-" + s.policy.Kind.tag()
	windowStart := nowMS - s.policy.WindowMS

	if err := s.opts.Store.ZRemRangeByScore(ctx, fullKey, "-inf", fmt.Sprintf("%d", windowStart)); err != nil {
		return allow(s.policy.Capacity, nowMS+s.policy.WindowMS, tag), nil
	}
	count, err := s.opts.Store.ZCard(ctx, fullKey)
	if err != nil {
		return allow(s.policy.Capacity, nowMS+s.policy.WindowMS, tag), nil
	}
	resetMS := nowMS + s.policy.WindowMS
	entries, err := s.opts.Store.ZRangeWithScores(ctx, fullKey, 0, 0)
	if err == nil && len(entries) > 0 {
		resetMS = int64(entries[0].Score) + s.policy.WindowMS
	}
	if count < s.policy.Capacity {
		return allow(s.policy.Capacity-count, resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (s *slidingWindowLogShared) Reset(ctx context.Context, key string) error {
	return s.opts.Store.Del(ctx, s.opts.storageKey(key))
}

func (s *slidingWindowLogShared) Stats(ctx context.Context, key string) (map[string]any, error) {
	count, err := s.opts.Store.ZCard(ctx, s.opts.storageKey(key))
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count, "tracked": count > 0}, nil
}
