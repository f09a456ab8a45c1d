package admitgate

import (
	"fmt"
	"math"
)

// Kind identifies which admission algorithm a Policy configures.
type Kind string

const (
	TokenBucket    Kind = "token_bucket"
	LeakyBucket    Kind = "leaky_bucket"
	FixedWindow    Kind = "fixed_window"
	SlidingLog     Kind = "sliding_log"
	SlidingCounter Kind = "sliding_counter"

	// GCRA is a sixth, optional algorithm. It is not part of the required
	// five and nothing in the admission pipeline selects it by default.
	GCRA Kind = "gcra"
)

func (k Kind) valid() bool {
	switch k {
	case TokenBucket, LeakyBucket, FixedWindow, SlidingLog, SlidingCounter, GCRA:
		return true
	default:
		return false
	}
}

// tag returns the fixed lowercase kebab algorithm tag.
func (k Kind) tag() string {
	switch k {
	case TokenBucket:
		return "token-bucket"
	case LeakyBucket:
		return "leaky-bucket"
	case FixedWindow:
		return "fixed-window"
	case SlidingLog:
		return "sliding-window-log"
	case SlidingCounter:
		return "sliding-window-counter"
	case GCRA:
		return "gcra"
	default:
		return "unknown"
	}
}

// ConfigError reports an invalid Policy at engine construction time.
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("admitgate: invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

// Policy is the immutable configuration record an Engine admits against.
//
// Capacity is the bucket size or window limit. Rate is tokens/leak per
// second for the bucket algorithms. WindowMS is the window length for the
// window algorithms. SubWindows is the number of sub-buckets per window,
// used only by SlidingCounter.
type Policy struct {
	Kind       Kind
	Capacity   int64
	Rate       float64
	WindowMS   int64
	SubWindows int64

	// KeyStrategy names how the admission pipeline derives the principal
	// key for this policy. It is opaque to the engines themselves.
	KeyStrategy string
}

// Validate checks the policy's fields against each algorithm's constraints.
func (p Policy) Validate() error {
	if !p.Kind.valid() {
		return &ConfigError{Field: "kind", Value: p.Kind, Reason: "unknown algorithm"}
	}
	if p.Capacity <= 0 {
		return &ConfigError{Field: "capacity", Value: p.Capacity, Reason: "must be >= 1"}
	}
	switch p.Kind {
	case TokenBucket, LeakyBucket, GCRA:
		if p.Rate <= 0 {
			return &ConfigError{Field: "rate", Value: p.Rate, Reason: "must be > 0"}
		}
	case FixedWindow, SlidingLog, SlidingCounter:
		if p.WindowMS <= 0 {
			return &ConfigError{Field: "window_ms", Value: p.WindowMS, Reason: "must be >= 1"}
		}
	}
	if p.Kind == SlidingCounter {
		if p.SubWindows <= 0 {
			return &ConfigError{Field: "sub_windows", Value: p.SubWindows, Reason: "must be >= 1"}
		}
		if p.WindowMS%p.SubWindows != 0 {
			return &ConfigError{Field: "sub_windows", Value: p.SubWindows, Reason: "must evenly divide window_ms"}
		}
	}
	return nil
}

// periodMS is the time a full cycle of this policy takes: for the bucket
// algorithms, the time to refill/drain from empty to Capacity at Rate;
// for the window algorithms, the window length itself. Used as the
// synthetic reset horizon when a shared-store transport failure forces a
// fail-open admit with no real state to report a reset time from.
func (p Policy) periodMS() int64 {
	switch p.Kind {
	case TokenBucket, LeakyBucket, GCRA:
		return int64(math.Ceil(float64(p.Capacity) / p.Rate * 1000))
	default:
		return p.WindowMS
	}
}

// registryKey identifies the memoization bucket the Engine registry (C5)
// groups instances by: two policies with identical parameters share state.
func (p Policy) registryKey() string {
	return fmt.Sprintf("%s|%d|%g|%d|%d", p.Kind, p.Capacity, p.Rate, p.WindowMS, p.SubWindows)
}
