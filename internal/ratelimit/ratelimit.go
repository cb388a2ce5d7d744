package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket is a Redis-backed token bucket that smooths the burst of replays
// right after a site comes back online. All agents draining against the same
// backend share one bucket, so a dozen kiosks reconnecting at once cannot
// stampede the API.
type Bucket struct {
	client    *redis.Client
	key       string
	burst     int
	perSecond float64
	ttl       time.Duration
}

// NewBucket builds a bucket keyed by backend host. burst is the bucket
// capacity, perSecond the refill rate.
func NewBucket(client *redis.Client, backendHost string, burst int, perSecond float64) *Bucket {
	return &Bucket{
		client:    client,
		key:       "fieldsync:submit-rate:" + backendHost,
		burst:     burst,
		perSecond: perSecond,
		ttl:       time.Hour,
	}
}

// Allow consumes one token if available. When it returns false the drain
// pass stops early and reschedules; pending items are untouched.
func (b *Bucket) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := takeScript.Run(ctx, b.client, []string{b.key}, b.burst, b.perSecond, now, b.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return res == 1, nil
}

var takeScript = redis.NewScript(`
local burst = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'stamp_ms')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then tokens = burst end
if stamp == nil then stamp = now end

tokens = math.min(burst, tokens + math.max(0, now - stamp) / 1000 * rate)

local taken = 0
if tokens >= 1 then
  taken = 1
  tokens = tokens - 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'stamp_ms', now)
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return taken
`)
