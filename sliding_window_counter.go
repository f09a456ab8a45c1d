package admitgate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// NewSlidingWindowCounter creates a Sliding Window Counter admission engine
//. capacity is the maximum requests allowed per window. windowMS is
// the window length in milliseconds. subWindows divides the window into
// subWindows equal buckets and must evenly divide windowMS. Pass WithStore
// for the shared-store backend (weighted two-window form, counters aligned
// to absolute multiples of windowMS); omit for the in-memory backend
// (sub-bucket form, buckets aligned to multiples of windowMS/subWindows).
// The two forms are independent approximations of the same sliding-window
// concept and can diverge in Remaining near a window boundary — they are
// not bit-identical for arbitrary arrival timing, even at subWindows=2 —
// but both admit the same initial burst up to capacity and both deny once
// it is exceeded, within a single window with no boundary crossing.
func NewSlidingWindowCounter(capacity, windowMS, subWindows int64, opts ...Option) (Engine, error) {
	p := Policy{Kind: SlidingCounter, Capacity: capacity, WindowMS: windowMS, SubWindows: subWindows}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	if o.Store != nil {
		return &slidingWindowCounterShared{policy: p, opts: o}, nil
	}
	return &slidingWindowCounterMemory{
		states: make(map[string]map[int64]int64),
		policy: p,
		opts:   o,
	}, nil
}

// ─── In-Memory: sub-bucket form ──────────────────────────────────────

type slidingWindowCounterMemory struct {
	mu     sync.Mutex
	states map[string]map[int64]int64 // key -> sub_start -> count
	policy Policy
	opts   *Options
}

func (s *slidingWindowCounterMemory) subWindowMS() int64 {
	return s.policy.WindowMS / s.policy.SubWindows
}

// evict drops sub-buckets entirely outside the window and returns the
// weighted sum and the earliest retained sub_start.
func (s *slidingWindowCounterMemory) evictAndSum(buckets map[int64]int64, nowMS int64) (float64, int64, bool) {
	w := s.subWindowMS()
	windowStart := nowMS - s.policy.WindowMS

	sum := 0.0
	var minKey int64
	haveMin := false
	for k, count := range buckets {
		if k+w <= windowStart {
			delete(buckets, k)
			continue
		}
		// Every count in a sub-bucket already happened at or before nowMS,
		// including ones in the still-filling current bucket, so the
		// bucket's own end (k+w) bounds the overlap, not nowMS: capping at
		// nowMS would discount a just-recorded admit back toward zero.
		overlapEnd := k + w
		overlapStart := maxInt64(k, windowStart)
		overlap := overlapEnd - overlapStart
		if overlap < 0 {
			overlap = 0
		}
		if overlap > w {
			overlap = w
		}
		sum += float64(count) * float64(overlap) / float64(w)
		if !haveMin || k < minKey {
			minKey = k
			haveMin = true
		}
	}
	return sum, minKey, haveMin
}

func (s *slidingWindowCounterMemory) resetEpochMS(minKey int64, haveMin bool, nowMS int64) int64 {
	if !haveMin {
		return nowMS + s.policy.WindowMS
	}
	return minKey + s.policy.WindowMS
}

func (s *slidingWindowCounterMemory) Admit(ctx context.Context, key string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMS := s.opts.Clock.NowMS()
	w := s.subWindowMS()
	subStart := (nowMS / w) * w
	tag := s.policy.Kind.tag()

	buckets, ok := s.states[key]
	if !ok {
		buckets = make(map[int64]int64)
		s.states[key] = buckets
	}
	for _, count := range buckets {
		if count < 0 {
			delete(s.states, key)
			return stateCorruption(s.opts, tag, key, "sub-window bucket count negative"), nil
		}
	}
	sum, minKey, haveMin := s.evictAndSum(buckets, nowMS)

	if int64(math.Floor(sum)) < s.policy.Capacity {
		buckets[subStart]++
		sum, minKey, haveMin = s.evictAndSum(buckets, nowMS)
		remaining := s.policy.Capacity - int64(math.Floor(sum))
		return allow(maxInt64(0, remaining), s.resetEpochMS(minKey, haveMin, nowMS), tag), nil
	}
	resetMS := s.resetEpochMS(minKey, haveMin, nowMS)
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (s *slidingWindowCounterMemory) Peek(ctx context.Context, key string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMS := s.opts.Clock.NowMS()
	tag := s.policy.Kind.tag()

	buckets, ok := s.states[key]
	if !ok {
		return allow(s.policy.Capacity, nowMS+s.policy.WindowMS, tag), nil
	}
	snapshot := make(map[int64]int64, len(buckets))
	for k, v := range buckets {
		snapshot[k] = v
	}
	sum, minKey, haveMin := s.evictAndSum(snapshot, nowMS)
	resetMS := s.resetEpochMS(minKey, haveMin, nowMS)
	if int64(math.Floor(sum)) < s.policy.Capacity {
		return allow(s.policy.Capacity-int64(math.Floor(sum)), resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (s *slidingWindowCounterMemory) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
	return nil
}

func (s *slidingWindowCounterMemory) Stats(ctx context.Context, key string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets, ok := s.states[key]
	if !ok {
		return map[string]any{"sub_windows_tracked": 0, "tracked": false}, nil
	}
	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return map[string]any{"sub_windows_tracked": len(buckets), "sub_window_starts": keys, "tracked": true}, nil
}

// ─── Shared store: weighted two-window form ──────────────────────────

// slidingWindowCounterScript implements the weighted two-window estimate
// atomically: reading the previous/current counters and incrementing the
// current counter happen in one server-side step.
const slidingWindowCounterScript = `
local current_key = KEYS[1]
local previous_key = KEYS[2]
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local cur_win = math.floor(now_ms / window_ms)
local p = (now_ms % window_ms) / window_ms

local prev_count = tonumber(redis.call('GET', previous_key)) or 0
local cur_count = tonumber(redis.call('GET', current_key)) or 0

local estimate = prev_count * (1 - p) + cur_count
local allowed = 0

if math.floor(estimate) < capacity then
  cur_count = redis.call('INCRBY', current_key, 1)
  redis.call('EXPIRE', current_key, math.ceil(window_ms * 2 / 1000))
  estimate = prev_count * (1 - p) + cur_count
  allowed = 1
end

local reset_ms = (cur_win + 1) * window_ms
local remaining = capacity - math.floor(estimate)

return { allowed, remaining, reset_ms }
`

type slidingWindowCounterShared struct {
	policy Policy
	opts   *Options
}

func (s *slidingWindowCounterShared) windowKeys(key string, nowMS int64) (curKey, prevKey string) {
	curWin := nowMS / s.policy.WindowMS
	prevWin := curWin - 1
	curKey = s.opts.storageKeySuffix(key, fmt.Sprintf("w%d", curWin))
	prevKey = s.opts.storageKeySuffix(key, fmt.Sprintf("w%d", prevWin))
	return
}

func (s *slidingWindowCounterShared) Admit(ctx context.Context, key string) (Decision, error) {
	nowMS := s.opts.Clock.NowMS()
	curKey, prevKey := s.windowKeys(key, nowMS)
	tag := "redis-" + s.policy.Kind.tag()

	raw, err := s.opts.Store.Eval(ctx, slidingWindowCounterScript, []string{curKey, prevKey},
		s.policy.Capacity, s.policy.WindowMS, nowMS)
	if err != nil {
		return failTransport(s.opts, s.policy, tag, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return failTransport(s.opts, s.policy, tag, fmt.Errorf("admitgate: malformed sliding window counter script reply"))
	}
	allowed := toInt64(vals[0]) == 1
	remaining := toInt64(vals[1])
	resetMS := toInt64(vals[2])
	if allowed {
		return allow(maxInt64(0, remaining), resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (s *slidingWindowCounterShared) Peek(ctx context.Context, key string) (Decision, error) {
	nowMS := s.opts.Clock.NowMS()
	curKey, prevKey := s.windowKeys(key, nowMS)
	tag := "redis-" + s.policy.Kind.tag()

	curWin := nowMS / s.policy.WindowMS
	p := float64(nowMS%s.policy.WindowMS) / float64(s.policy.WindowMS)
	resetMS := (curWin + 1) * s.policy.WindowMS

	prevStr, errPrev := s.opts.Store.Get(ctx, prevKey)
	curStr, errCur := s.opts.Store.Get(ctx, curKey)
	var prevCount, curCount float64
	if errPrev == nil {
		fmt.Sscanf(prevStr, "%f", &prevCount)
	}
	if errCur == nil {
		fmt.Sscanf(curStr, "%f", &curCount)
	}
	estimate := prevCount*(1-p) + curCount
	if int64(math.Floor(estimate)) < s.policy.Capacity {
		return allow(s.policy.Capacity-int64(math.Floor(estimate)), resetMS, tag), nil
	}
	return deny(resetMS, maxInt64(1, ceilDiv(resetMS-nowMS, 1000)), tag), nil
}

func (s *slidingWindowCounterShared) Reset(ctx context.Context, key string) error {
	nowMS := s.opts.Clock.NowMS()
	curKey, prevKey := s.windowKeys(key, nowMS)
	return s.opts.Store.Del(ctx, curKey, prevKey)
}

func (s *slidingWindowCounterShared) Stats(ctx context.Context, key string) (map[string]any, error) {
	nowMS := s.opts.Clock.NowMS()
	curKey, prevKey := s.windowKeys(key, nowMS)
	curStr, _ := s.opts.Store.Get(ctx, curKey)
	prevStr, _ := s.opts.Store.Get(ctx, prevKey)
	return map[string]any{"current": curStr, "previous": prevStr, "tracked": curStr != "" || prevStr != ""}, nil
}
