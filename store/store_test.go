package store_test

import (
	"testing"

	"github.com/krishna-kudari/admitgate/store"
)

func TestKey(t *testing.T) {
	if got, want := store.Key("admitgate", "user:123", false), "admitgate:user:123"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := store.Key("admitgate", "user:123", true), "admitgate:{user:123}"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestKeySuffix(t *testing.T) {
	if got, want := store.KeySuffix("admitgate", "user:123", "w1", false), "admitgate:user:123:w1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := store.KeySuffix("admitgate", "user:123", "w1", true), "admitgate:{user:123}:w1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
