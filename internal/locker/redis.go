package locker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peertrade/settlement/internal/idgen"
)

// releaseScript deletes the lock key only if it still holds our token, so a
// worker that overran the TTL cannot release a lock someone else now holds.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed locker using SET NX PX with token-checked release.
// The TTL bounds the hold so a crashed worker self-heals.
type Redis struct {
	client *redis.Client
	wait   time.Duration
	ttl    time.Duration
	poll   time.Duration
}

// NewRedis creates a Redis-backed locker. wait bounds acquisition, ttl bounds
// the hold.
func NewRedis(client *redis.Client, wait, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		wait:   wait,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
	}
}

// Acquire implements Locker by polling SET NX until the wait budget runs out.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := clampWait(ctx, r.wait)
	defer cancel()

	token := idgen.Hex(16)
	redisKey := "settlement:lock:" + key

	for {
		ok, err := r.client.SetNX(waitCtx, redisKey, token, r.ttl).Result()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, ErrNotAcquired
			}
			return nil, err
		}
		if ok {
			release := func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, r.client, []string{redisKey}, token).Err()
			}
			return release, nil
		}

		select {
		case <-waitCtx.Done():
			if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return nil, ErrNotAcquired
			}
			return nil, waitCtx.Err()
		case <-time.After(r.poll):
		}
	}
}

var _ Locker = (*Redis)(nil)
