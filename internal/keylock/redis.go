package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"
)

const (
	keyPrefix      = "oncall:lock:"
	defaultTTL     = 30 * time.Second
	releaseTimeout = 3 * time.Second
)

// errHeld keeps the acquire loop polling while another holder owns the key.
var errHeld = errors.New("lock held")

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only if this holder still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every replica using the same Redis. A held
// lock is extended every third of its TTL until released, so a lock whose
// holder dies is released after at most one TTL.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger log.Logger
}

// NewRedisClient connects to redisURL with pool and timeout settings for
// short lock operations and checks connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.ConnMaxLifetime = 2 * time.Minute
	opt.ConnMaxIdleTime = 30 * time.Second

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewRedis returns a Redis locker. A zero ttl uses 30 seconds.
func NewRedis(rdb *redis.Client, ttl time.Duration, logger log.Logger) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Redis{rdb: rdb, ttl: ttl, logger: logger}
}

// Lock implements Locker by polling SET NX with backoff until acquired.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := ulid.Make().String()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("acquire lock %q: %w", key, err))
		}
		if !ok {
			return struct{}{}, errHeld
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(r.ttl))
	if err != nil {
		if errors.Is(err, errHeld) {
			return nil, fmt.Errorf("acquire lock %q: timed out after %s", key, r.ttl)
		}
		return nil, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(context.WithoutCancel(ctx), k, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(rctx, r.rdb, []string{k}, token).Err(); err != nil {
				r.logger.Warn(rctx, "lock release failed, waiting for ttl", "key", key, "error", err)
			}
		})
	}, nil
}

// keepAlive extends the lock until stop is closed or ownership is lost.
func (r *Redis) keepAlive(ctx context.Context, k, token string, stop <-chan struct{}) {
	t := time.NewTicker(r.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ectx, cancel := context.WithTimeout(ctx, releaseTimeout)
			n, err := extendScript.Run(ectx, r.rdb, []string{k}, token, r.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				r.logger.Warn(ctx, "lock extend failed", "key", k, "error", err)
			case n == 0:
				r.logger.Warn(ctx, "lock lost before release", "key", k)
				return
			}
		}
	}
}
