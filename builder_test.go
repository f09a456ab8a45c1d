package admitgate

import (
	"context"
	"testing"
)

func TestBuilder_NoAlgorithm(t *testing.T) {
	_, err := NewBuilder().Build()
	if err == nil {
		t.Fatal("expected error when no algorithm selected")
	}
}

func TestBuilder_FixedWindow(t *testing.T) {
	e, err := NewBuilder().
		FixedWindow(10, 60_000).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Admit(context.Background(), "k")
	if err != nil || !d.Allowed {
		t.Fatalf("expected allowed, got %+v, err=%v", d, err)
	}
}

func TestBuilder_SlidingWindowLog(t *testing.T) {
	e, err := NewBuilder().
		SlidingWindowLog(5, 30_000).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Admit(context.Background(), "k")
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("unexpected result: %+v", d)
	}
}

func TestBuilder_SlidingWindowCounter(t *testing.T) {
	e, err := NewBuilder().
		SlidingWindowCounter(100, 60_000, 6).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Admit(context.Background(), "k")
	if !d.Allowed || d.Remaining != 99 {
		t.Fatalf("unexpected result: %+v", d)
	}
}

func TestBuilder_TokenBucket(t *testing.T) {
	e, err := NewBuilder().
		TokenBucket(20, 5).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Admit(context.Background(), "k")
	if !d.Allowed || d.Remaining != 19 {
		t.Fatalf("unexpected result: %+v", d)
	}
}

func TestBuilder_LeakyBucket_Policing(t *testing.T) {
	e, err := NewBuilder().
		LeakyBucket(10, 2, Policing).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Admit(context.Background(), "k")
	if !d.Allowed {
		t.Fatalf("unexpected result: %+v", d)
	}
}

func TestBuilder_LeakyBucket_Shaping(t *testing.T) {
	e, err := NewBuilder().
		LeakyBucket(10, 2, Shaping).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Admit(context.Background(), "k")
	if !d.Allowed {
		t.Fatalf("unexpected result: %+v", d)
	}
}

func TestBuilder_GCRA(t *testing.T) {
	e, err := NewBuilder().
		GCRA(10, 5).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Admit(context.Background(), "k")
	if !d.Allowed {
		t.Fatalf("unexpected result: %+v", d)
	}
}

func TestBuilder_InvalidParams(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (Engine, error)
	}{
		{"FixedWindow zero", func() (Engine, error) {
			return NewBuilder().FixedWindow(0, 1000).Build()
		}},
		{"SlidingWindowLog negative", func() (Engine, error) {
			return NewBuilder().SlidingWindowLog(-1, 1000).Build()
		}},
		{"TokenBucket zero", func() (Engine, error) {
			return NewBuilder().TokenBucket(0, 10).Build()
		}},
		{"LeakyBucket zero", func() (Engine, error) {
			return NewBuilder().LeakyBucket(0, 0, Policing).Build()
		}},
		{"GCRA zero", func() (Engine, error) {
			return NewBuilder().GCRA(0, 5).Build()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fn()
			if err == nil {
				t.Error("expected error for invalid params")
			}
		})
	}
}

func TestBuilder_OptionChaining(t *testing.T) {
	e, err := NewBuilder().
		FixedWindow(50, 30_000).
		KeyPrefix("myapp").
		HashTag().
		FailOpen(false).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Admit(context.Background(), "k")
	if !d.Allowed || d.Remaining != 49 {
		t.Fatalf("unexpected result: %+v", d)
	}
}

func TestBuilder_AlgorithmOverride(t *testing.T) {
	e, err := NewBuilder().
		FixedWindow(10, 1000).
		TokenBucket(20, 5).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	d, _ := e.Admit(context.Background(), "k")
	if d.Remaining != 19 {
		t.Fatalf("expected TokenBucket remaining 19, got %d", d.Remaining)
	}
}
