package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.io/infrasutra/burnbox/internal/kv"
	"github.io/infrasutra/burnbox/internal/message"
)

// DeviceLock binds a recipient to the first device that reads it, until the
// binding expires. It is advisory: it keeps a guessed or shared address from
// being read on a second device during its lifetime, nothing more.
type DeviceLock struct {
	store kv.Store
	ttl   time.Duration
}

func NewDeviceLock(store kv.Store, ttl time.Duration) *DeviceLock {
	return &DeviceLock{store: store, ttl: ttl}
}

// Claim binds recipient to deviceID if unclaimed and reports whether
// deviceID holds the claim.
func (l *DeviceLock) Claim(ctx context.Context, recipient, deviceID string) (bool, error) {
	key := message.SessionKey(recipient)
	// Two rounds: the holder may expire between the failed put and the read.
	for range 2 {
		created, err := l.store.PutIfAbsent(ctx, key, []byte(deviceID), l.ttl)
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", key, err)
		}
		if created {
			return true, nil
		}
		holder, err := l.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("read claim %s: %w", key, err)
		}
		return string(holder) == deviceID, nil
	}
	return false, nil
}
