// Package sqlite provides a kv.Store on SQLite. SQLite has no native per-key
// expiry, so every entry carries expires_at: reads ignore expired rows and a
// background sweep deletes them.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.io/infrasutra/burnbox/internal/kv"
)

func init() {
	kv.RegisterDriver("sqlite", func(options map[string]any, logger *slog.Logger) (kv.Store, error) {
		cfg := struct {
			Path          string        `mapstructure:"path"`
			SweepInterval time.Duration `mapstructure:"sweep_interval"`
		}{SweepInterval: time.Minute}
		if err := kv.DecodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return Open(context.Background(), Options{Path: cfg.Path, SweepInterval: cfg.SweepInterval, Logger: logger})
	})
}

// Options configures a Store.
type Options struct {
	// Path is the database file; empty means an in-memory database.
	Path string
	// SweepInterval is how often expired rows are deleted (0 disables).
	SweepInterval time.Duration
	// Now overrides the clock, for tests.
	Now    func() time.Time
	Logger *slog.Logger
}

type Store struct {
	db        *sql.DB
	now       func() time.Time
	logger    *slog.Logger
	stopSweep chan struct{}
	closeOnce sync.Once
}

func Open(ctx context.Context, opts Options) (*Store, error) {
	trimmed := strings.TrimSpace(opts.Path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, now: now, logger: logger, stopSweep: make(chan struct{})}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if opts.SweepInterval > 0 {
		go s.sweepLoop(opts.SweepInterval)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entries (
            key TEXT PRIMARY KEY,
            value BLOB NOT NULL,
            expires_at INTEGER NOT NULL,
            created_seq INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_entries_expires ON entries(expires_at);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := s.Sweep(context.Background())
			if err != nil {
				s.logger.Warn("sweep expired entries", "error", err)
			} else if removed > 0 {
				s.logger.Debug("swept expired entries", "removed", removed)
			}
		case <-s.stopSweep:
			return
		}
	}
}

// Sweep deletes expired rows and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE expires_at <= ?;`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep entries: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep entries: %w", err)
	}
	return rows, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO entries (key, value, expires_at, created_seq)
        VALUES (?, ?, ?, (SELECT COALESCE(MAX(created_seq), 0) + 1 FROM entries))
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            expires_at = excluded.expires_at,
            created_seq = excluded.created_seq;`,
		key, value, now.Add(ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `INSERT INTO entries (key, value, expires_at, created_seq)
        VALUES (?, ?, ?, (SELECT COALESCE(MAX(created_seq), 0) + 1 FROM entries))
        ON CONFLICT(key) DO UPDATE SET
            value = excluded.value,
            expires_at = excluded.expires_at,
            created_seq = excluded.created_seq
        WHERE entries.expires_at <= ?;`,
		key, value, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("put entry if absent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put entry if absent: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	row := s.db.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ? AND expires_at > ?;`,
		key, s.now().UnixNano())
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return value, nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries
        WHERE substr(key, 1, length(?)) = ? AND expires_at > ?
        ORDER BY created_seq;`,
		prefix, prefix, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ? AND expires_at > ?;`,
		key, s.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	return rows > 0, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopSweep) })
	return s.db.Close()
}

var _ kv.Store = (*Store)(nil)
