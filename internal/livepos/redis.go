package livepos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"schoolbus-tracker/internal/tracking"
)

const (
	keyPrefix   = "position:"
	vehiclesKey = "positions:vehicles"
)

// putIfNewer writes the sample hash unless the stored ts is later, refreshes
// the TTL and indexes the vehicle.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

// RedisStore keeps each vehicle's sample in a hash at position:<vehicle> and
// the known vehicles in a set. Hashes expire after ttl so abandoned trips
// fall off the fleet view.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func positionKey(vehicleID string) string { return keyPrefix + vehicleID }

func (r *RedisStore) Get(ctx context.Context, key string) (tracking.LocationSample, bool, error) {
	data, err := r.rdb.HGet(ctx, positionKey(key), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return tracking.LocationSample{}, false, nil
	}
	if err != nil {
		return tracking.LocationSample{}, false, fmt.Errorf("redis hget: %w", err)
	}
	var s tracking.LocationSample
	if err := json.Unmarshal(data, &s); err != nil {
		return tracking.LocationSample{}, false, fmt.Errorf("decode position: %w", err)
	}
	return s, true, nil
}

func (r *RedisStore) PutIfNewer(ctx context.Context, s tracking.LocationSample) (bool, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return false, err
	}
	n, err := putIfNewer.Run(ctx, r.rdb,
		[]string{positionKey(s.VehicleID), vehiclesKey},
		s.Timestamp.UnixMilli(), data, r.ttl.Milliseconds(), s.VehicleID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis put position: %w", err)
	}
	return n == 1, nil
}

func (r *RedisStore) Clear(ctx context.Context, key string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, positionKey(key))
	pipe.SRem(ctx, vehiclesKey, key)
	_, err := pipe.Exec(ctx)
	return err
}

// All returns every live sample and prunes set members whose hash expired.
func (r *RedisStore) All(ctx context.Context) ([]tracking.LocationSample, error) {
	ids, err := r.rdb.SMembers(ctx, vehiclesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, positionKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis hget pipeline: %w", err)
	}

	out := make([]tracking.LocationSample, 0, len(ids))
	var expired []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, ids[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		var s tracking.LocationSample
		if err := json.Unmarshal(data, &s); err != nil {
			log.Warn().Err(err).Str("vehicle", ids[i]).Msg("skipping undecodable position")
			continue
		}
		out = append(out, s)
	}
	if len(expired) > 0 {
		if err := r.rdb.SRem(ctx, vehiclesKey, expired...).Err(); err != nil {
			log.Debug().Err(err).Msg("prune expired vehicles failed")
		}
	}
	return out, nil
}
