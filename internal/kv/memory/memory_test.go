package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.io/infrasutra/burnbox/internal/kv"
	"github.io/infrasutra/burnbox/internal/kv/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newStore(t *testing.T) (*memory.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := memory.New(memory.Options{Now: clock.Now})
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestPutGetExpiry(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "inbox:a@x.test:1", []byte("v1"), 300*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(100 * time.Second)
	val, err := s.Get(ctx, "inbox:a@x.test:1")
	if err != nil {
		t.Fatalf("Get at t+100s: %v", err)
	}
	if string(val) != "v1" {
		t.Errorf("expected v1, got %q", val)
	}

	clock.Advance(201 * time.Second)
	if _, err := s.Get(ctx, "inbox:a@x.test:1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound at t+301s, got %v", err)
	}
	keys, err := s.Keys(ctx, "inbox:a@x.test:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected no keys after expiry, got %v", keys)
	}
}

func TestKeysPrefixAndOrder(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	for _, k := range []string{"inbox:a@x.test:3", "inbox:b@x.test:1", "inbox:a@x.test:1", "session:a@x.test"} {
		if err := s.Put(ctx, k, []byte("x"), time.Minute); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	keys, err := s.Keys(ctx, "inbox:a@x.test:")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{"inbox:a@x.test:3", "inbox:a@x.test:1"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d]: expected %s, got %s", i, want[i], keys[i])
		}
	}
}

func TestPutIfAbsent(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	ok, err := s.PutIfAbsent(ctx, "session:a@x.test", []byte("dev-1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first PutIfAbsent: ok=%v err=%v", ok, err)
	}
	ok, err = s.PutIfAbsent(ctx, "session:a@x.test", []byte("dev-2"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second PutIfAbsent: ok=%v err=%v", ok, err)
	}
	val, _ := s.Get(ctx, "session:a@x.test")
	if string(val) != "dev-1" {
		t.Errorf("expected dev-1 to hold the claim, got %q", val)
	}

	clock.Advance(time.Minute)
	ok, err = s.PutIfAbsent(ctx, "session:a@x.test", []byte("dev-2"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("PutIfAbsent after expiry: ok=%v err=%v", ok, err)
	}
}

func TestDelete(t *testing.T) {
	s, clock := newStore(t)
	ctx := context.Background()

	s.Put(ctx, "k1", []byte("v"), time.Minute)
	s.Put(ctx, "k2", []byte("v"), time.Second)

	deleted, err := s.Delete(ctx, "k1")
	if err != nil || !deleted {
		t.Fatalf("Delete k1: deleted=%v err=%v", deleted, err)
	}
	deleted, _ = s.Delete(ctx, "missing")
	if deleted {
		t.Error("expected missing key to report not deleted")
	}

	clock.Advance(2 * time.Second)
	deleted, _ = s.Delete(ctx, "k2")
	if deleted {
		t.Error("expected expired key to report not deleted")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	s.Put(ctx, "k", []byte("abc"), time.Minute)
	val, _ := s.Get(ctx, "k")
	val[0] = 'z'
	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value was mutated: %q", again)
	}
}

func TestRegisteredDriver(t *testing.T) {
	s, err := kv.Open("memory", map[string]any{"cleanup_interval": "30s"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := kv.Open("memory", map[string]any{"bogus": 1}, nil); err == nil {
		t.Error("expected unknown option to be rejected")
	}
	if _, err := kv.Open("nope", nil, nil); !errors.Is(err, kv.ErrUnknownDriver) {
		t.Errorf("expected ErrUnknownDriver, got %v", err)
	}
}
