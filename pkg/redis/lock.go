package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired means another replica holds the lock. Callers treat it
// as "someone else is doing the work" rather than a failure.
var ErrLockNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only when the stored token matches, so a
// replica cannot release a lock it lost to TTL expiry.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker hands out short-lived SET NX locks under a common key prefix,
// usually the application name.
type Locker struct {
	client    *Client
	keyPrefix string
}

func NewLocker(client *Client, keyPrefix string) *Locker {
	if keyPrefix == "" {
		keyPrefix = "fleetwatch"
	}
	return &Locker{
		client:    client,
		keyPrefix: keyPrefix + ":",
	}
}

// WithLock runs fn while holding the named lock. When the lock is already
// taken it returns ErrLockNotAcquired without running fn.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	lockKey := l.keyPrefix + key
	token := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}

	l.client.logger.WithContext(ctx).Debugf("acquired lock %s", lockKey)
	defer func() {
		if _, err := releaseScript.Run(ctx, l.client.rdb, []string{lockKey}, token).Int64(); err != nil {
			l.client.logger.WithContext(ctx).WithError(err).Warnf("failed to release lock %s", lockKey)
		}
	}()

	return fn()
}
