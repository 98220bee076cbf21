package statestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 64

// RedisStore shares state between gateway instances. Expiry is left to Redis
// TTLs, so SweepExpired has nothing to do.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, opts.Prefix), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fairbet:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Update uses WATCH/MULTI and retries when another writer wins the race.
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	k := s.key(key)
	var result []byte

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		exists := true
		if err == redis.Nil {
			exists, err = false, nil
		}
		if err != nil {
			return err
		}

		next, err := fn(current, exists)
		if err != nil {
			if errors.Is(err, ErrAbort) {
				result = current
				return nil
			}
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, k)
				return nil
			}
			pipe.Set(ctx, k, next, ttl)
			return nil
		})
		result = next
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("failed to update %s: %w", key, err)
	}
	return nil, fmt.Errorf("failed to update %s: too much contention", key)
}

var throttleScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local gap = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])
	local wait = 0

	for _, key in ipairs(KEYS) do
		local last = redis.call("GET", key)
		if last then
			local remaining = tonumber(last) + gap - now
			if remaining > wait then
				wait = remaining
			end
		end
	end

	if wait > 0 then
		return wait
	end

	for _, key in ipairs(KEYS) do
		redis.call("SET", key, ARGV[1], "PX", ttl)
	end

	return 0
`)

func (s *RedisStore) Throttle(ctx context.Context, keys []string, now time.Time, gap, ttl time.Duration) (time.Duration, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}

	waitMs, err := throttleScript.Run(ctx, s.client, full,
		now.UnixMilli(), gap.Milliseconds(), ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to run throttle script: %w", err)
	}
	return time.Duration(waitMs) * time.Millisecond, nil
}

func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeMillis(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}

func decodeMillis(raw []byte) (time.Time, error) {
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
