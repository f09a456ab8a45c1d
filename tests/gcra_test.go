package admitgate_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/admitgate"
	"github.com/krishna-kudari/admitgate/internal/clock"
	redisstore "github.com/krishna-kudari/admitgate/store/redis"
)

func TestNewGCRA(t *testing.T) {
	tests := []struct {
		name           string
		rate           float64
		burst          int64
		expectError    bool
		errorSubstring string
	}{
		{name: "valid parameters", rate: 10, burst: 20},
		{name: "zero rate", rate: 0, burst: 20, expectError: true, errorSubstring: "must be"},
		{name: "negative rate", rate: -1, burst: 20, expectError: true, errorSubstring: "must be"},
		{name: "zero burst", rate: 10, burst: 0, expectError: true, errorSubstring: "must be"},
		{name: "negative burst", rate: 10, burst: -1, expectError: true, errorSubstring: "must be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, err := admitgate.NewGCRA(tt.rate, tt.burst)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if !strings.Contains(err.Error(), tt.errorSubstring) {
					t.Errorf("expected error to contain %q, got %q", tt.errorSubstring, err.Error())
				}
				if engine != nil {
					t.Errorf("expected engine to be nil on error, got %v", engine)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if engine == nil {
				t.Fatal("expected non-nil engine")
			}
		})
	}
}

// TestGCRA_BurstThenThrottle exercises GCRA's burst-then-sustained-rate
// shape: rate=1/s, burst=3. Three requests at t=0 spend the whole burst
// allowance back to back; a fourth at the same instant is denied with a
// retry_after_s consistent with the 1 req/s emission interval.
func TestGCRA_BurstThenThrottle(t *testing.T) {
	fake := clock.NewFake(0)
	engine, err := admitgate.NewGCRA(1, 3, admitgate.WithClock(fake))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	wantRemaining := []int64{2, 1, 0}
	for i, want := range wantRemaining {
		d, err := engine.Admit(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed || d.Remaining != want {
			t.Fatalf("request %d: expected allowed remaining=%d, got %+v", i+1, want, d)
		}
	}

	d, err := engine.Admit(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("request 4: expected denied once the burst allowance is spent, got %+v", d)
	}
	if d.RetryAfterS < 1 {
		t.Errorf("expected retry_after_s >= 1, got %d", d.RetryAfterS)
	}
}

func TestGCRA_RecoversAfterWaiting(t *testing.T) {
	fake := clock.NewFake(0)
	engine, err := admitgate.NewGCRA(1, 1, admitgate.WithClock(fake))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if d, _ := engine.Admit(ctx, "k"); !d.Allowed {
		t.Fatal("first request should be allowed")
	}
	if d, _ := engine.Admit(ctx, "k"); d.Allowed {
		t.Fatal("second request should be denied before the emission interval elapses")
	}

	fake.Set(1000)
	if d, _ := engine.Admit(ctx, "k"); !d.Allowed {
		t.Fatal("request after waiting a full emission interval should be allowed")
	}
}

func TestGCRA_Isolation(t *testing.T) {
	fake := clock.NewFake(0)
	engine, err := admitgate.NewGCRA(1, 1, admitgate.WithClock(fake))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	engine.Admit(ctx, "k1")
	if d, _ := engine.Admit(ctx, "k1"); d.Allowed {
		t.Fatal("k1 should now be exhausted")
	}
	d, err := engine.Admit(ctx, "k2")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Fatalf("k2 first admit should be allowed, got %+v", d)
	}
}

func TestGCRA_Reset(t *testing.T) {
	fake := clock.NewFake(0)
	engine, err := admitgate.NewGCRA(1, 1, admitgate.WithClock(fake))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	engine.Admit(ctx, "k")
	if err := engine.Reset(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	d, err := engine.Peek(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed {
		t.Errorf("expected allowed after reset, got %+v", d)
	}
}

// TestGCRA_Redis drives the shared-store backend against a real Redis
// instance and is skipped when one isn't reachable.
func TestGCRA_Redis(t *testing.T) {
	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	store := redisstore.New(client)

	t.Run("spends the burst allowance then denies", func(t *testing.T) {
		key := fmt.Sprintf("gcra-%d", time.Now().UnixNano())
		engine, err := admitgate.NewGCRA(0.001, 3, admitgate.WithStore(store))
		if err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 3; i++ {
			d, err := engine.Admit(ctx, key)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !d.Allowed {
				t.Errorf("request %d should be allowed", i+1)
			}
		}
		d, err := engine.Admit(ctx, key)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Allowed {
			t.Error("4th request should be denied before the emission interval elapses")
		}
	})

	t.Run("isolates separate principals", func(t *testing.T) {
		p1 := fmt.Sprintf("gcra-p1-%d", time.Now().UnixNano())
		p2 := fmt.Sprintf("gcra-p2-%d", time.Now().UnixNano())
		engine, err := admitgate.NewGCRA(0.001, 1, admitgate.WithStore(store))
		if err != nil {
			t.Fatal(err)
		}
		engine.Admit(ctx, p1)
		if d, _ := engine.Admit(ctx, p1); d.Allowed {
			t.Error("p1 should now be exhausted")
		}
		if d, _ := engine.Admit(ctx, p2); !d.Allowed {
			t.Error("p2 should not be affected by p1's state")
		}
	})

	t.Run("reset clears state", func(t *testing.T) {
		key := fmt.Sprintf("gcra-reset-%d", time.Now().UnixNano())
		engine, err := admitgate.NewGCRA(1, 1, admitgate.WithStore(store))
		if err != nil {
			t.Fatal(err)
		}
		engine.Admit(ctx, key)
		if err := engine.Reset(ctx, key); err != nil {
			t.Fatal(err)
		}
		d, err := engine.Peek(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Errorf("expected allowed after reset, got %+v", d)
		}
	})
}
