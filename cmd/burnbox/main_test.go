package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.io/infrasutra/burnbox/internal/kv"
	"github.io/infrasutra/burnbox/internal/kv/memory"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

type unreachableStore struct {
	*memory.Store
	closed *atomic.Int32
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("dial tcp: connection refused")
}

func (s unreachableStore) Close() error {
	s.closed.Add(1)
	return s.Store.Close()
}

var unreachableClosed atomic.Int32

func init() {
	kv.RegisterDriver("unreachable", func(map[string]any, *slog.Logger) (kv.Store, error) {
		return unreachableStore{Store: memory.New(memory.Options{}), closed: &unreachableClosed}, nil
	})
}

func TestOpenStoreClosesUnreachableStore(t *testing.T) {
	unreachableClosed.Store(0)
	store, err := openStore("unreachable", nil, 50*time.Millisecond, testLogger)
	if err == nil {
		store.Close()
		t.Fatal("expected an error for a store that never answers Ping")
	}
	if got := unreachableClosed.Load(); got != 1 {
		t.Errorf("expected the store closed once, got %d", got)
	}
}

func TestOpenStoreReady(t *testing.T) {
	store, err := openStore("memory", map[string]any{"cleanup_interval": "0s"}, time.Second, testLogger)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer store.Close()
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	if _, err := openStore("nope", nil, time.Second, testLogger); !errors.Is(err, kv.ErrUnknownDriver) {
		t.Errorf("expected ErrUnknownDriver, got %v", err)
	}
}
