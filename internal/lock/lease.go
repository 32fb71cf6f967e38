package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ Locker = (*RedisLease)(nil)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLease is a TTL lease keyed in redis. The value is a per-holder token
// so only the holder can release or extend it; a crashed holder's lease
// lapses after ttl.
type RedisLease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

func NewRedisLease(client redis.Cmdable, key string, ttl, poll time.Duration, logger *slog.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &RedisLease{
		client: client,
		key:    key,
		ttl:    ttl,
		poll:   poll,
		logger: logger.With("component", "lease", "key", key),
	}
}

func (l *RedisLease) Acquire(ctx context.Context) (ReleaseFunc, error) {
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", l.key, err)
		}
		if ok {
			return l.hold(token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lease %s: %w", l.key, ctx.Err())
		case <-time.After(l.poll):
		}
	}
}

// hold keeps extending the lease until released so long builds do not
// outlive the ttl.
func (l *RedisLease) hold(token string) ReleaseFunc {
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
				cancel()
				if err != nil {
					l.logger.Warn("Failed to extend lease", "error", err)
					continue
				}
				if n == 0 {
					l.logger.Warn("Lease lost before release")
					return
				}
			}
		}
	}()

	var once sync.Once
	var err error
	return func() error {
		once.Do(func() {
			close(stopCh)
			<-done

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, rerr := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int()
			switch {
			case rerr != nil:
				err = fmt.Errorf("release lease %s: %w", l.key, rerr)
			case n == 0:
				err = fmt.Errorf("release lease %s: %w", l.key, ErrNotHeld)
			}
		})
		return err
	}
}
