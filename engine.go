package admitgate

import (
	"context"
	"hash/fnv"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/krishna-kudari/admitgate/internal/clock"
	"github.com/krishna-kudari/admitgate/store"
)

// Engine is the shared contract every algorithm implementation satisfies,
// in both the in-memory and shared-store backend.
//
// Errors are not part of the normal return path: Admit always produces a
// Decision. A non-nil error is only ever returned by the shared-store
// backend reporting a transport failure it has already applied the
// configured fail-open/fail-closed policy to — callers that
// only care about the Decision can ignore it.
type Engine interface {
	// Admit mutates state for key under policy P (bound at construction)
	// and returns the resulting Decision.
	Admit(ctx context.Context, key string) (Decision, error)

	// Peek computes the current Decision without mutating state.
	Peek(ctx context.Context, key string) (Decision, error)

	// Reset erases all state for key.
	Reset(ctx context.Context, key string) error

	// Stats returns a diagnostic snapshot of key's current state.
	Stats(ctx context.Context, key string) (map[string]any, error)
}

// Options configures behavior shared across all algorithm implementations.
type Options struct {
	// Store, when set, switches the engine to the shared-store backend:
	// state mutation runs as a single server-evaluated script against
	// Store instead of an in-process critical section.
	Store store.Store

	// KeyPrefix is prepended to all storage keys in the shared-store
	// backend. Default: "admitgate".
	KeyPrefix string

	// FailOpen controls behavior when the shared-store backend is
	// unreachable. Default true: admit the request.
	FailOpen bool

	// Clock is the time source engines are built on. Default:
	// clock.System{}.
	Clock clock.Clock

	// InactivityThresholdMS records an inactivity threshold for per-key
	// state. No engine reads it: the in-memory backends keep a key's state
	// until Reset and do not sweep inactive keys. Default: 3 600 000
	// (1 hour).
	InactivityThresholdMS int64

	// HashTag wraps the principal key in "{}" when building storage keys
	// so that every key derived for one principal routes to the same Redis
	// Cluster slot. Required for the sliding window counter, the only
	// algorithm that keeps more than one key per principal (current and
	// previous window), when the shared store is a Redis Cluster.
	HashTag bool

	// Logger receives warn-level records on state corruption.
	// Default: a disabled logger.
	Logger zerolog.Logger
}

// Option is a functional option for configuring an Engine.
type Option func(*Options)

// WithStore selects the shared-store backend.
func WithStore(s store.Store) Option {
	return func(o *Options) { o.Store = s }
}

// WithKeyPrefix overrides the storage key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) { o.KeyPrefix = prefix }
}

// WithFailOpen overrides the fail-open/fail-closed behavior.
func WithFailOpen(failOpen bool) Option {
	return func(o *Options) { o.FailOpen = failOpen }
}

// WithClock overrides the time source. Tests pass a *clock.Fake.
func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithInactivityThreshold overrides InactivityThresholdMS.
func WithInactivityThreshold(ms int64) Option {
	return func(o *Options) { o.InactivityThresholdMS = ms }
}

// WithHashTag enables Redis Cluster hash-tag wrapping of storage keys.
func WithHashTag() Option {
	return func(o *Options) { o.HashTag = true }
}

// WithLogger overrides the state-corruption warn logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

const defaultInactivityThresholdMS = 60 * 60 * 1000 // 1 hour

func defaultOptions() *Options {
	return &Options{
		KeyPrefix:             "admitgate",
		FailOpen:              true,
		Clock:                 clock.System{},
		InactivityThresholdMS: defaultInactivityThresholdMS,
		Logger:                zerolog.Nop(),
	}
}

func applyOptions(opts []Option) *Options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// storageKey builds the primary shared-store key for a principal key,
// applying hash-tag wrapping when HashTag is enabled.
func (o *Options) storageKey(key string) string {
	return store.Key(o.KeyPrefix, key, o.HashTag)
}

// storageKeySuffix builds a derived shared-store key for algorithms that
// track multiple keys per principal (e.g. sliding window counter's
// previous/current buckets). Hash-tag wrapping keeps all of them on the
// same Redis Cluster slot.
func (o *Options) storageKeySuffix(key, suffix string) string {
	return store.KeySuffix(o.KeyPrefix, key, suffix, o.HashTag)
}

// failTransport applies the configured fail-open/fail-closed policy when
// the shared store is unreachable. On fail-open it returns a full-quota
// allow Decision with a synthetic reset at now+period (there is no real
// state to report one from), and still surfaces the transport error to the
// caller for logging; on fail-closed it returns a deny Decision with
// RetryAfterS=1 and the wrapped error.
func failTransport(o *Options, policy Policy, tag string, cause error) (Decision, error) {
	nowMS := o.Clock.NowMS()
	if o.FailOpen {
		return allow(policy.Capacity, nowMS+policy.periodMS(), tag), cause
	}
	return deny(nowMS+1000, 1, tag), cause
}

// hashKey redacts a principal key down to a short FNV-32a digest before it
// ever reaches a log line.
func hashKey(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

// stateCorruption handles an internal invariant violation as fatal for the
// triggering request. The caller is expected to
// have already reset the affected key's state; stateCorruption only logs
// the corrective action and builds the resulting deny Decision
// (retry_after_s=1).
func stateCorruption(o *Options, tag, key, invariant string) Decision {
	nowMS := o.Clock.NowMS()
	o.Logger.Warn().
		Str("algorithm", tag).
		Str("key", hashKey(key)).
		Str("invariant", invariant).
		Msg("state corruption detected, key reset")
	return deny(nowMS+1000, 1, tag)
}

// toInt64 coerces a Lua-script reply element (int64 via go-redis, or
// another integer-like type from a different Store implementation) to int64.
func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
