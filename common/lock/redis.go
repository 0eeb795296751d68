package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rediscommon "github.com/talknote/ingest/common/redis"
)

// RedisLock is a cross-process Locker built on SET NX with a TTL.
// The TTL is renewed while the lock is held, so a long finalize keeps it;
// a crashed holder frees it after one TTL. The token check on renew and
// release keeps one holder from touching another's lock.
type RedisLock struct {
	client     *rediscommon.Client
	prefix     string
	ttl        time.Duration
	retryEvery time.Duration
	renewEvery time.Duration
}

// NewRedisLock creates a Redis-backed Locker
func NewRedisLock(client *rediscommon.Client, prefix string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client:     client,
		prefix:     prefix,
		ttl:        ttl,
		retryEvery: 50 * time.Millisecond,
		renewEvery: ttl / 3,
	}
}

// Lock polls SET NX until acquired or ctx is done
func (l *RedisLock) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryEvery)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ErrNotAcquired)
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(stop, fullKey, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// Release with a fresh context so a cancelled request still frees the key.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = l.client.DeleteIfEquals(releaseCtx, fullKey, token)
		})
	}, nil
}

// renew extends the TTL until stop closes or the lock is lost
func (l *RedisLock) renew(stop <-chan struct{}, fullKey, token string) {
	ticker := time.NewTicker(l.renewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.renewEvery)
		held, err := l.client.ExpireIfEquals(ctx, fullKey, token, l.ttl)
		cancel()
		if err == nil && !held {
			return
		}
	}
}
