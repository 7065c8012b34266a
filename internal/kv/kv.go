// Package kv defines the key-value store with per-key expiry that holds inbox
// records and device claims, plus a registry of interchangeable drivers.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrNotFound is returned by Get for keys that are missing or expired.
	ErrNotFound = errors.New("key not found")
	// ErrUnknownDriver is returned by Open for unregistered driver names.
	ErrUnknownDriver = errors.New("unknown store driver")
)

// Store is a key-value store where every key carries its own time-to-live.
// Expired keys must be invisible to Get, Keys and Delete.
type Store interface {
	// Put writes value under key, replacing any existing entry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent writes value only when no live entry exists for key.
	// It reports whether the write happened.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Keys returns the live keys starting with prefix, in store order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key and reports whether a live entry was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Factory builds a driver from free-form options (typically a TOML table).
// logger receives the driver's background diagnostics.
type Factory func(options map[string]any, logger *slog.Logger) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Factory{}
)

// RegisterDriver makes a driver available to Open. Drivers call it from init.
func RegisterDriver(name string, factory Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if factory == nil {
		panic("kv: RegisterDriver factory is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("kv: RegisterDriver called twice for driver " + name)
	}
	drivers[name] = factory
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the named driver. A nil logger means slog.Default.
func Open(name string, options map[string]any, logger *slog.Logger) (Store, error) {
	driversMu.RLock()
	factory, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	store, err := factory(options, logger.With("store", name))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	return store, nil
}

// DecodeOptions decodes driver options into out. Durations may be given as
// strings ("5s") and numbers may arrive as strings from environment overrides.
func DecodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("build options decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("decode store options: %w", err)
	}
	return nil
}
