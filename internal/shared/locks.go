package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReconcileLockKey builds redis keys for count reconciliation critical sections.
func ReconcileLockKey(tenantID, sessionID uuid.UUID) string {
	return fmt.Sprintf("counting:%s:session:%s:lock", tenantID, sessionID)
}

// SessionLocker serialises reconciliation per session across instances.
// The database row lock remains the correctness guarantee; the redis lock
// keeps concurrent callers from burning transactions on a doomed attempt.
type SessionLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionLocker constructs a locker with the given lease TTL.
func NewSessionLocker(client *redis.Client, ttl time.Duration) *SessionLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SessionLocker{client: client, ttl: ttl}
}

// Acquire takes the lock, returning ErrConflict when it is already held.
func (l *SessionLocker) Acquire(ctx context.Context, key string) error {
	if l == nil || l.client == nil {
		return nil
	}
	ok, err := l.client.SetNX(ctx, key, "1", l.ttl).Result()
	if err != nil {
		return fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%w: reconciliation already in progress", ErrConflict)
	}
	return nil
}

// Release drops the lock. Safe to call after expiry.
func (l *SessionLocker) Release(ctx context.Context, key string) {
	if l == nil || l.client == nil {
		return
	}
	_ = l.client.Del(ctx, key).Err()
}
