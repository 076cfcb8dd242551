package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// DefaultRetryInterval is how often Acquire polls a busy Redis lock.
const DefaultRetryInterval = 25 * time.Millisecond

// RedisLocker implements Locker with SET NX PX and a token-checked release, so
// a lock that expired and was re-taken is never released by its old holder.
type RedisLocker struct {
	rdb   goredis.UniversalClient
	retry time.Duration
}

// NewRedisLocker creates a locker on an existing client.
func NewRedisLocker(rdb goredis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb, retry: DefaultRetryInterval}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.release(key, token), true, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		rel, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return rel, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(key, token string) Release {
	var (
		once sync.Once
		err  error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			n, e := releaseScript.Run(ctx, l.rdb, []string{key}, token).Int()
			switch {
			case e != nil:
				err = fmt.Errorf("redis unlock %s: %w", key, e)
			case n == 0:
				err = fmt.Errorf("redis unlock %s: %w", key, ErrNotHeld)
			}
		})
		return err
	}
}
