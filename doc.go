// Package admitgate provides per-principal HTTP admission control with six
// algorithms, in-memory and shared-store (Redis) backends, and drop-in
// middleware for net/http, Gin, Echo, Fiber, and gRPC.
//
// # Algorithms
//
//   - Fixed Window — simple, fixed time intervals
//   - Sliding Window Log — precise, stores every timestamp
//   - Sliding Window Counter — weighted approximation, O(1) memory
//   - Token Bucket — steady refill, burst-friendly
//   - Leaky Bucket — constant drain, policing or shaping mode
//   - GCRA — virtual scheduling with sustained rate + burst (bonus)
//
// # Quick Start
//
//	engine, err := admitgate.NewTokenBucket(100, 10)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, _ := engine.Admit(ctx, "user:123")
//	if decision.Allowed {
//	    // serve request
//	}
//
// # With a shared store
//
//	engine, _ := admitgate.NewTokenBucket(100, 10,
//	    admitgate.WithStore(redisstore.New(redisClient)),
//	)
//
// # Builder API
//
//	engine, _ := admitgate.NewBuilder().
//	    SlidingWindowCounter(100, 60_000, 2).
//	    Redis(client).
//	    Build()
//
// All algorithms implement the [Engine] interface and return a [Decision]
// with Allowed, Remaining, ResetEpochMS, RetryAfterS, and AlgorithmTag
// fields. A [Registry] memoizes engines by [Policy] and feeds the
// admission [Pipeline] used by the HTTP, Gin, Echo, Fiber, and gRPC
// middleware adapters.
package admitgate
