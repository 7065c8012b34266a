// Package memory provides an in-process kv.Store with per-key expiry.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.io/infrasutra/burnbox/internal/kv"
)

func init() {
	kv.RegisterDriver("memory", func(options map[string]any, _ *slog.Logger) (kv.Store, error) {
		cfg := struct {
			CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
		}{CleanupInterval: time.Minute}
		if err := kv.DecodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return New(Options{CleanupInterval: cfg.CleanupInterval}), nil
	})
}

// Options configures a Store.
type Options struct {
	// CleanupInterval is how often expired entries are swept (0 disables).
	// Expired entries are hidden on read regardless.
	CleanupInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type item struct {
	value     []byte
	expiresAt time.Time
	seq       uint64
}

// Store is a map guarded by a RWMutex.
type Store struct {
	mu        sync.RWMutex
	items     map[string]*item
	seq       uint64
	now       func() time.Time
	stopClean chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Store{
		items:     make(map[string]*item),
		now:       now,
		stopClean: make(chan struct{}),
	}
	if opts.CleanupInterval > 0 {
		go s.cleanupLoop(opts.CleanupInterval)
	}
	return s
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.deleteExpired()
		case <-s.stopClean:
			return
		}
	}
}

func (s *Store) deleteExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.items {
		if !now.Before(v.expiresAt) {
			delete(s.items, k)
		}
	}
}

func (s *Store) live(it *item, now time.Time) bool {
	return it != nil && now.Before(it.expiresAt)
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(key, value, ttl)
	return nil
}

func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(s.items[key], s.now()) {
		return false, nil
	}
	s.store(key, value, ttl)
	return true, nil
}

// store must be called with mu held.
func (s *Store) store(key string, value []byte, ttl time.Duration) {
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	s.seq++
	s.items[key] = &item{
		value:     valueCopy,
		expiresAt: s.now().Add(ttl),
		seq:       s.seq,
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it := s.items[key]
	if !s.live(it, s.now()) {
		return nil, kv.ErrNotFound
	}
	result := make([]byte, len(it.value))
	copy(result, it.value)
	return result, nil
}

// Keys returns matching keys in insertion order.
func (s *Store) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	type entry struct {
		key string
		seq uint64
	}
	var matched []entry
	for k, v := range s.items {
		if strings.HasPrefix(k, prefix) && s.live(v, now) {
			matched = append(matched, entry{key: k, seq: v.seq})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	keys := make([]string, 0, len(matched))
	for _, m := range matched {
		keys = append(keys, m.key)
	}
	return keys, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return false, nil
	}
	delete(s.items, key)
	return s.live(it, s.now()), nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// Close stops the cleanup goroutine.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopClean) })
	return nil
}

var _ kv.Store = (*Store)(nil)
