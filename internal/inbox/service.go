// Package inbox serves and purges the stored records of one recipient.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/burnbox/internal/kv"
	"github.io/infrasutra/burnbox/internal/message"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMissingRecipient = errors.New("email is required")
	ErrMissingDevice    = errors.New("device id is required")
	// ErrStore wraps unexpected store failures. Its detail is for logs only.
	ErrStore = errors.New("store failure")
)

// fetchConcurrency bounds the parallel Gets of one listing.
const fetchConcurrency = 8

// Authorizer checks the bearer credential of a request.
type Authorizer interface {
	Verify(credential string) bool
}

type Config struct {
	Domain string
	TTL    time.Duration
	// DeviceLock binds each recipient to the first device that reads it.
	DeviceLock bool
}

type Request struct {
	Recipient  string
	Credential string
	DeviceID   string
}

type Service struct {
	store  kv.Store
	auth   Authorizer
	lock   *DeviceLock
	domain string
	logger *slog.Logger
}

func NewService(store kv.Store, auth Authorizer, cfg Config, logger *slog.Logger) *Service {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = message.DefaultTTL
	}
	s := &Service{
		store:  store,
		auth:   auth,
		domain: cfg.Domain,
		logger: logger,
	}
	if cfg.DeviceLock {
		s.lock = NewDeviceLock(store, ttl)
	}
	return s
}

// DeviceLockEnabled reports whether requests must carry a device id.
func (s *Service) DeviceLockEnabled() bool {
	return s.lock != nil
}

// Domain is the only domain whose recipients are served.
func (s *Service) Domain() string {
	return s.domain
}

// validate runs the checks shared by List and Purge. ok is false when the
// recipient is outside the domain and the caller should get an empty result;
// that case needs no device id.
func (s *Service) validate(req Request) (recipient string, ok bool, err error) {
	if !s.auth.Verify(req.Credential) {
		return "", false, ErrUnauthorized
	}
	recipient = message.NormalizeAddress(req.Recipient)
	if recipient == "" {
		return "", false, ErrMissingRecipient
	}
	if !message.InDomain(recipient, s.domain) {
		return recipient, false, nil
	}
	if s.lock != nil && strings.TrimSpace(req.DeviceID) == "" {
		return "", false, ErrMissingDevice
	}
	return recipient, true, nil
}

// owns resolves the device claim. Without a device lock every caller owns
// the inbox.
func (s *Service) owns(ctx context.Context, recipient, deviceID string) (bool, error) {
	if s.lock == nil {
		return true, nil
	}
	owned, err := s.lock.Claim(ctx, recipient, strings.TrimSpace(deviceID))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return owned, nil
}

// Access runs the same checks as List without reading records. granted is
// false when the recipient is outside the domain or held by another device.
func (s *Service) Access(ctx context.Context, req Request) (recipient string, granted bool, err error) {
	recipient, ok, err := s.validate(req)
	if err != nil || !ok {
		return recipient, false, err
	}
	granted, err = s.owns(ctx, recipient, req.DeviceID)
	if err != nil {
		return recipient, false, err
	}
	return recipient, granted, nil
}

// List returns the live records of the recipient, newest first. Records that
// vanish or fail to decode between listing and fetching are skipped.
func (s *Service) List(ctx context.Context, req Request) ([]message.Record, error) {
	recipient, ok, err := s.validate(req)
	if err != nil || !ok {
		return []message.Record{}, err
	}
	owned, err := s.owns(ctx, recipient, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !owned {
		s.logger.Debug("inbox claimed by another device", "recipient", recipient)
		return []message.Record{}, nil
	}

	keys, err := s.store.Keys(ctx, message.InboxPrefix(recipient))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	fetched := make([]*message.Record, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, err := s.store.Get(gctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: %w", ErrStore, err)
			}
			rec, err := message.Decode(data)
			if err != nil {
				s.logger.Debug("skip unreadable record", "key", key, "error", err)
				return nil
			}
			fetched[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	records := make([]message.Record, 0, len(fetched))
	for _, rec := range fetched {
		if rec != nil {
			records = append(records, *rec)
		}
	}
	SortNewestFirst(records)
	return records, nil
}

// Purge deletes every record of the recipient and returns how many were
// removed. The device claim is left to expire with the address.
func (s *Service) Purge(ctx context.Context, req Request) (int, error) {
	recipient, ok, err := s.validate(req)
	if err != nil || !ok {
		return 0, err
	}
	owned, err := s.owns(ctx, recipient, req.DeviceID)
	if err != nil {
		return 0, err
	}
	if !owned {
		return 0, nil
	}

	keys, err := s.store.Keys(ctx, message.InboxPrefix(recipient))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	deleted := 0
	for _, key := range keys {
		removed, err := s.store.Delete(ctx, key)
		if err != nil {
			return deleted, fmt.Errorf("%w: %w", ErrStore, err)
		}
		if removed {
			deleted++
		}
	}
	s.logger.Info("inbox purged", "recipient", recipient, "deleted", deleted)
	return deleted, nil
}

// SortNewestFirst orders records by CreatedAt descending. Ties keep their
// current order.
func SortNewestFirst(records []message.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
