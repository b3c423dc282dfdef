package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes booking attempts for one doctor and calendar day. It is a
// fast-path optimization that cuts down wasted transaction retries under
// contention; the database uniqueness constraint remains the source of truth,
// so when the lock cannot be acquired the critical section still runs.
type Locker interface {
	WithDoctorDayLock(ctx context.Context, doctorID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error
}

type redisDoctorDayLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDoctorDayLocker creates a locker keyed by doctor ID and UTC date.
func NewRedisDoctorDayLocker(client *redis.Client, ttl time.Duration) Locker {
	return &redisDoctorDayLocker{
		client: client,
		ttl:    ttl,
	}
}

func (l *redisDoctorDayLocker) WithDoctorDayLock(ctx context.Context, doctorID uuid.UUID, day time.Time, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("lock:booking:%s:%s", doctorID.String(), day.UTC().Format("2006-01-02"))
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil || !ok {
		// Redis down or another booking in flight: proceed unlocked, the
		// storage constraint still rejects the loser.
		return fn(ctx)
	}

	defer func() {
		_ = l.release(ctx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisDoctorDayLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release booking lock: %w", err)
	}
	return nil
}
