package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Checks both buckets before touching either, so a denied send never
// consumes quota. Returns 0 admitted, 1 hourly denied, 2 daily denied.
var takeScript = goredis.NewScript(`
local hourly = tonumber(redis.call('get', KEYS[1]) or '0')
local daily = tonumber(redis.call('get', KEYS[2]) or '0')
local hourLimit = tonumber(ARGV[1])
local dayLimit = tonumber(ARGV[2])
if hourLimit > 0 and hourly >= hourLimit then
  return 1
end
if dayLimit > 0 and daily >= dayLimit then
  return 2
end
redis.call('incr', KEYS[1])
redis.call('expire', KEYS[1], ARGV[3])
redis.call('incr', KEYS[2])
redis.call('expire', KEYS[2], ARGV[4])
return 0
`)

// RedisStore shares campaign counters between instances. Keys are bucketed
// by UTC hour and day so rollover needs no reset step; expired buckets fall
// out through their TTL.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewRedisStore creates a store over client. prefix namespaces the keys.
func NewRedisStore(client goredis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// TryIncrement implements CounterStore.
func (s *RedisStore) TryIncrement(ctx context.Context, limits Limits, now time.Time) (Decision, error) {
	now = now.UTC()
	hourReset := NextHour(now)
	dayReset := NextDay(now)

	keys := []string{s.hourKey(limits.CampaignID, now), s.dayKey(limits.CampaignID, now)}
	hourTTL := int64(hourReset.Sub(now)/time.Second) + 60
	dayTTL := int64(dayReset.Sub(now)/time.Second) + 60

	result, err := takeScript.Run(ctx, s.client, keys, limits.Hourly, limits.Daily, hourTTL, dayTTL).Int64()
	if err != nil {
		return Decision{}, fmt.Errorf("redis counter: %w", err)
	}

	switch result {
	case 0:
		return Admit(), nil
	case 1:
		return Deny(DeniedHourly, hourReset), nil
	default:
		return Deny(DeniedDaily, dayReset), nil
	}
}

func (s *RedisStore) hourKey(campaignID uint, now time.Time) string {
	return fmt.Sprintf("%s:{%d}:h:%s", s.prefix, campaignID, now.Format("2006010215"))
}

func (s *RedisStore) dayKey(campaignID uint, now time.Time) string {
	return fmt.Sprintf("%s:{%d}:d:%s", s.prefix, campaignID, now.Format("20060102"))
}
