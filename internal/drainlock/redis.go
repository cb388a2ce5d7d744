package drainlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis leases a drain lock across processes. Used in gateway mode where
// several kiosks share one Postgres-backed queue: without the lease two
// agents could replay the same item concurrently.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis builds the distributed locker. The TTL bounds how long a crashed
// holder can block the queue; a healthy pass releases well before expiry.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) key(queue string) string {
	return "fieldsync:drainlock:" + queue
}

func (r *Redis) TryAcquire(ctx context.Context, queue string) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := r.client.SetNX(ctx, r.key(queue), token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire drain lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Compare-and-delete so an expired lease taken over by another
		// process is never released out from under it.
		_ = releaseScript.Run(context.Background(), r.client, []string{r.key(queue)}, token).Err()
	}
	return release, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
