package admitgate

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/krishna-kudari/admitgate/internal/clock"
	"github.com/krishna-kudari/admitgate/store"
	redisstore "github.com/krishna-kudari/admitgate/store/redis"
)

// Builder provides a fluent API for constructing an Engine.
//
//	engine, err := admitgate.NewBuilder().
//	    FixedWindow(100, 60_000).
//	    Redis(client).
//	    HashTag().
//	    Build()
type Builder struct {
	policy Policy
	mode   LeakyBucketMode
	opts   []Option
	err    error
}

// NewBuilder returns a new Builder with default options.
func NewBuilder() *Builder {
	return &Builder{}
}

// ─── Algorithm selectors ─────────────────────────────────────────────────────

// FixedWindow configures a Fixed Window algorithm.
func (b *Builder) FixedWindow(capacity, windowMS int64) *Builder {
	b.policy = Policy{Kind: FixedWindow, Capacity: capacity, WindowMS: windowMS}
	return b
}

// SlidingWindowLog configures a Sliding Window Log algorithm.
// Stores every request timestamp; for high throughput prefer SlidingWindowCounter.
func (b *Builder) SlidingWindowLog(capacity, windowMS int64) *Builder {
	b.policy = Policy{Kind: SlidingLog, Capacity: capacity, WindowMS: windowMS}
	return b
}

// SlidingWindowCounter configures a Sliding Window Counter algorithm.
func (b *Builder) SlidingWindowCounter(capacity, windowMS, subWindows int64) *Builder {
	b.policy = Policy{Kind: SlidingCounter, Capacity: capacity, WindowMS: windowMS, SubWindows: subWindows}
	return b
}

// TokenBucket configures a Token Bucket algorithm.
// capacity is the burst size. rate is tokens refilled per second.
func (b *Builder) TokenBucket(capacity int64, rate float64) *Builder {
	b.policy = Policy{Kind: TokenBucket, Capacity: capacity, Rate: rate}
	return b
}

// LeakyBucket configures a Leaky Bucket algorithm.
// capacity is the bucket size. rate is requests leaked per second.
func (b *Builder) LeakyBucket(capacity int64, rate float64, mode LeakyBucketMode) *Builder {
	b.policy = Policy{Kind: LeakyBucket, Capacity: capacity, Rate: rate}
	b.mode = mode
	return b
}

// GCRA configures a Generic Cell Rate Algorithm engine (a bonus sixth
// algorithm, see NewGCRA).
func (b *Builder) GCRA(rate float64, burst int64) *Builder {
	b.policy = Policy{Kind: GCRA, Capacity: burst, Rate: rate}
	return b
}

// ─── Option setters ──────────────────────────────────────────────────────────

// Redis sets the shared-store backend to Redis. Accepts any redis.UniversalClient.
func (b *Builder) Redis(client redis.UniversalClient) *Builder {
	b.opts = append(b.opts, WithStore(redisstore.New(client)))
	return b
}

// Store sets a custom store.Store backend.
func (b *Builder) Store(s store.Store) *Builder {
	b.opts = append(b.opts, WithStore(s))
	return b
}

// KeyPrefix sets the prefix prepended to all storage keys.
func (b *Builder) KeyPrefix(prefix string) *Builder {
	b.opts = append(b.opts, WithKeyPrefix(prefix))
	return b
}

// HashTag enables Redis Cluster hash-tag wrapping on keys.
func (b *Builder) HashTag() *Builder {
	b.opts = append(b.opts, WithHashTag())
	return b
}

// FailOpen sets the fail-open/fail-closed behavior when the backend is unreachable.
func (b *Builder) FailOpen(v bool) *Builder {
	b.opts = append(b.opts, WithFailOpen(v))
	return b
}

// Clock overrides the time source. Tests pass a *clock.Fake.
func (b *Builder) Clock(c clock.Clock) *Builder {
	b.opts = append(b.opts, WithClock(c))
	return b
}

// Logger overrides the state-corruption warn logger.
func (b *Builder) Logger(l zerolog.Logger) *Builder {
	b.opts = append(b.opts, WithLogger(l))
	return b
}

// ─── Build ───────────────────────────────────────────────────────────────────

// Build validates the configuration and returns the configured Engine.
func (b *Builder) Build() (Engine, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.policy.Kind == "" {
		return nil, fmt.Errorf("admitgate: no algorithm selected; call FixedWindow, SlidingWindowLog, SlidingWindowCounter, TokenBucket, LeakyBucket, or GCRA before Build")
	}
	if b.policy.Kind == LeakyBucket {
		mode := b.mode
		if mode == "" {
			mode = Policing
		}
		return NewLeakyBucket(b.policy.Capacity, b.policy.Rate, mode, b.opts...)
	}
	return newEngine(b.policy, b.opts...)
}
