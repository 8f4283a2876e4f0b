package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockNotHeld = errors.New("lock not held")

// releaseScript deletes the lock only when it still carries our token, so a
// holder whose lock expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// LockManager hands out short-TTL advisory locks keyed by user id. Acquisition
// never blocks: a held lock means another pairing attempt is evaluating that
// user right now, and the caller simply moves on.
type LockManager struct {
	rdb *redis.Client
}

func NewLockManager(rdb *redis.Client) *LockManager {
	return &LockManager{rdb: rdb}
}

func lockKey(userID int64) string {
	return fmt.Sprintf("queue:lock:%d", userID)
}

// TryAcquire attempts to take the lock for userID. On success it returns the
// token needed to release it. ok=false means someone else holds it.
func (m *LockManager) TryAcquire(ctx context.Context, userID int64, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = m.rdb.SetNX(ctx, lockKey(userID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (m *LockManager) Release(ctx context.Context, userID int64, token string) error {
	res, err := releaseScript.Run(ctx, m.rdb, []string{lockKey(userID)}, token).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}
