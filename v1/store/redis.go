package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	coerrors "github.com/mirkobrombin/go-coedit/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// revKey is the store-wide version counter. Versions are allocated from a
// single INCR so they stay unique across keys and recreations.
const revKey = "coedit:rev"

// casScript writes the record only when the stored version matches ARGV[1]
// (with "0" meaning the key must be absent). Returns the new version, or 0
// when the check fails.
var casScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "v")
if cur == false then
    if ARGV[1] ~= "0" then return 0 end
else
    if cur ~= ARGV[1] then return 0 end
end
local next = redis.call("INCR", KEYS[2])
redis.call("HSET", KEYS[1], "v", next, "d", ARGV[2])
return next
`)

// delScript deletes the record only when the stored version matches ARGV[1]
// (with "0" meaning unconditional). Returns 1 on delete, 0 otherwise.
var delScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "v")
if cur == false then return 0 end
if ARGV[1] ~= "0" and cur ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1
`)

// Redis implements Store on a Redis backend. Each record is a hash with a
// version field and a JSON-encoded value field, mutated through Lua scripts
// so the version check and the write are atomic.
type Redis[T any] struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) { o.timeout = d }
}

// NewRedis returns a Redis-backed store using the provided client.
func NewRedis[T any](client *redis.Client, opts ...RedisOption) *Redis[T] {
	o := redisOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis[T]{client: client, timeout: o.timeout}
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return coerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return coerrors.ErrConnectionClosed
	case stdErrors.Is(err, context.Canceled):
		return err
	default:
		return stdErrors.Join(coerrors.ErrStoreUnavailable, err)
	}
}

// Get implements Store.Get.
func (s *Redis[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := s.client.HMGet(cctx, key, "v", "d").Result()
	if err != nil {
		return Entry[T]{}, false, mapRedisErr(err)
	}
	if res[0] == nil || res[1] == nil {
		return Entry[T]{}, false, nil
	}
	return decodeEntry[T](res[0], res[1])
}

// List implements Store.List using SCAN to iterate over matching keys.
func (s *Redis[T]) List(ctx context.Context, prefix string) (map[string]Entry[T], error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out := make(map[string]Entry[T])
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(cctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, mapRedisErr(err)
		}
		for _, k := range batch {
			res, err := s.client.HMGet(cctx, k, "v", "d").Result()
			if err != nil {
				return nil, mapRedisErr(err)
			}
			if res[0] == nil || res[1] == nil {
				continue // deleted between SCAN and HMGET
			}
			e, ok, err := decodeEntry[T](res[0], res[1])
			if err != nil {
				return nil, err
			}
			if ok {
				out[k] = e
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *Redis[T]) CompareAndSwap(ctx context.Context, key string, expected int64, value T) (Entry[T], bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Entry[T]{}, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := casScript.Run(cctx, s.client, []string{key, revKey},
		strconv.FormatInt(expected, 10), string(data)).Int64()
	if err != nil {
		return Entry[T]{}, false, mapRedisErr(err)
	}
	if res == 0 {
		return Entry[T]{}, false, nil
	}
	return Entry[T]{Value: value, Version: res}, true, nil
}

// Delete implements Store.Delete.
func (s *Redis[T]) Delete(ctx context.Context, key string, expected int64) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := delScript.Run(cctx, s.client, []string{key},
		strconv.FormatInt(expected, 10)).Int64()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return res == 1, nil
}

func decodeEntry[T any](rawVersion, rawData any) (Entry[T], bool, error) {
	vs, ok := rawVersion.(string)
	if !ok {
		return Entry[T]{}, false, nil
	}
	version, err := strconv.ParseInt(vs, 10, 64)
	if err != nil {
		return Entry[T]{}, false, err
	}
	ds, ok := rawData.(string)
	if !ok {
		return Entry[T]{}, false, nil
	}
	var v T
	if err := json.Unmarshal([]byte(ds), &v); err != nil {
		return Entry[T]{}, false, err
	}
	return Entry[T]{Value: v, Version: version}, true, nil
}
