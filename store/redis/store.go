// Package redis provides a Redis-backed implementation of store.Store.
//
// It wraps redis.UniversalClient, which supports Redis standalone,
// Redis Cluster, and Redis Sentinel out of the box. Every compound
// operation runs as a Lua script so it is atomic across gateway replicas.
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/krishna-kudari/gateguard/store"
)

// Store implements store.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
}

// New creates a Redis-backed Store from any UniversalClient
// (standalone *redis.Client, *redis.ClusterClient, or *redis.Ring).
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to the Redis instance named by a redis:// URL and returns a
// Store over it.
func Open(url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis store: parse url: %w", err)
	}
	return New(goredis.NewClient(opts)), nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

var incrScript = goredis.NewScript(`
local count = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return { count, ttl }
`)

func (s *Store) IncrBy(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.client, []string{key}, delta, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis store: incr %s: %w", key, err)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

var addTimestampScript = goredis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, cutoff)
if ARGV[3] ~= '' then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local count = redis.call('ZCARD', KEYS[1])
local oldest = 0
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head > 0 then
  oldest = tonumber(head[2])
end
return { count, oldest }
`)

func (s *Store) AddTimestamp(ctx context.Context, key string, ts int64, member string, window time.Duration) (int64, int64, error) {
	res, err := addTimestampScript.Run(ctx, s.client, []string{key}, ts, window.Milliseconds(), member).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis store: zadd %s: %w", key, err)
	}
	return res[0], res[1], nil
}

func (s *Store) CountTimestamps(ctx context.Context, key string, ts int64, window time.Duration) (int64, int64, error) {
	res, err := addTimestampScript.Run(ctx, s.client, []string{key}, ts, window.Milliseconds(), "").Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis store: zcard %s: %w", key, err)
	}
	return res[0], res[1], nil
}

func (s *Store) RemoveTimestamp(ctx context.Context, key string, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *Store) GetBucket(ctx context.Context, key string) (*store.Bucket, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, &store.ErrKeyNotFound{Key: key}
	}
	tokens, err := strconv.ParseFloat(fields["tokens"], 64)
	if err != nil {
		return nil, fmt.Errorf("redis store: bucket %s: %w", key, err)
	}
	last, err := strconv.ParseInt(fields["last_update"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis store: bucket %s: %w", key, err)
	}
	return &store.Bucket{Tokens: tokens, LastUpdate: last}, nil
}

var setBucketScript = goredis.NewScript(`
local prev = tonumber(ARGV[3])
local stored = redis.call('HGET', KEYS[1], 'last_update')
if prev == 0 then
  if stored then return 0 end
else
  if not stored or tonumber(stored) ~= prev then return 0 end
end
redis.call('HSET', KEYS[1], 'tokens', ARGV[1], 'last_update', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

func (s *Store) SetBucket(ctx context.Context, key string, b store.Bucket, prevUpdate int64, ttl time.Duration) error {
	ok, err := setBucketScript.Run(ctx, s.client, []string{key},
		strconv.FormatFloat(b.Tokens, 'f', -1, 64),
		b.LastUpdate,
		prevUpdate,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis store: set bucket %s: %w", key, err)
	}
	if ok != 1 {
		return &store.ErrCASConflict{Key: key}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", &store.ErrKeyNotFound{Key: key}
	}
	return val, err
}

func (s *Store) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

var casScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[3]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next string, ttl time.Duration) (bool, error) {
	ok, err := casScript.Run(ctx, s.client, []string{key}, prev, next, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis store: cas %s: %w", key, err)
	}
	return ok == 1, nil
}

// Queue entries carry a priority-only score; ZADD orders equal scores by
// member lexicographically, so the member is prefixed with zero-padded
// deadline and enqueue-time fields to realize the full dequeue order.
func queueMember(e store.QueueEntry, payload []byte) string {
	return fmt.Sprintf("%016d:%016d:%s", e.Deadline, e.EnqueuedAt, payload)
}

func (s *Store) Enqueue(ctx context.Context, queue string, e store.QueueEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis store: enqueue %s: %w", queue, err)
	}
	return s.client.ZAdd(ctx, queue, goredis.Z{
		Score:  store.QueuePriorityScore(e.Priority),
		Member: queueMember(e, payload),
	}).Err()
}

func (s *Store) Dequeue(ctx context.Context, queue string) (*store.QueueEntry, error) {
	popped, err := s.client.ZPopMin(ctx, queue, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: dequeue %s: %w", queue, err)
	}
	if len(popped) == 0 {
		return nil, &store.ErrKeyNotFound{Key: queue}
	}
	member, _ := popped[0].Member.(string)
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("redis store: dequeue %s: malformed member %q", queue, member)
	}
	var e store.QueueEntry
	if err := json.Unmarshal([]byte(parts[2]), &e); err != nil {
		return nil, fmt.Errorf("redis store: dequeue %s: %w", queue, err)
	}
	return &e, nil
}

func (s *Store) QueueLen(ctx context.Context, queue string) (int64, error) {
	return s.client.ZCard(ctx, queue).Result()
}

func (s *Store) Close() error {
	return s.client.Close()
}
