package valkey_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.io/infrasutra/burnbox/internal/kv"
	"github.io/infrasutra/burnbox/internal/kv/valkey"
)

func newStore(t *testing.T) (*valkey.Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := valkey.New(&valkey.Config{Addr: s.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create valkey store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestNew_FailFastUnreachable(t *testing.T) {
	_, err := valkey.New(&valkey.Config{Addr: "localhost:59999", DialTimeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("expected error when connecting to unreachable server, got nil")
	}
}

func TestPutGetExpiry(t *testing.T) {
	store, s := newStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "inbox:a@x.test:1", []byte("value1"), 300*time.Second); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	s.FastForward(100 * time.Second)
	val, err := store.Get(ctx, "inbox:a@x.test:1")
	if err != nil {
		t.Fatalf("Get at t+100s failed: %v", err)
	}
	if string(val) != "value1" {
		t.Errorf("expected 'value1', got %q", val)
	}

	s.FastForward(201 * time.Second)
	if _, err := store.Get(ctx, "inbox:a@x.test:1"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestKeysPrefix(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for _, k := range []string{"inbox:a@x.test:1", "inbox:a@x.test:2", "inbox:ab@x.test:1", "session:a@x.test"} {
		if err := store.Put(ctx, k, []byte("x"), time.Minute); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	keys, err := store.Keys(ctx, "inbox:a@x.test:")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "inbox:a@x.test:1" || keys[1] != "inbox:a@x.test:2" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestPutIfAbsent(t *testing.T) {
	store, s := newStore(t)
	ctx := context.Background()

	ok, err := store.PutIfAbsent(ctx, "session:a@x.test", []byte("dev-1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = store.PutIfAbsent(ctx, "session:a@x.test", []byte("dev-2"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}

	s.FastForward(2 * time.Minute)
	ok, err = store.PutIfAbsent(ctx, "session:a@x.test", []byte("dev-2"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim after expiry: ok=%v err=%v", ok, err)
	}
}

func TestDelete(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	store.Put(ctx, "key1", []byte("value1"), time.Minute)
	deleted, err := store.Delete(ctx, "key1")
	if err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	deleted, err = store.Delete(ctx, "key1")
	if err != nil || deleted {
		t.Fatalf("second Delete: deleted=%v err=%v", deleted, err)
	}
	if _, err := store.Get(ctx, "key1"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRegisteredDriver(t *testing.T) {
	s := miniredis.RunT(t)
	store, err := kv.Open("valkey", map[string]any{"addr": s.Addr(), "dial_timeout": "1s"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
