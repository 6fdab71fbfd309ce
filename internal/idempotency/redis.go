package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "idem:"

// releaseScript deletes a key only while ARGV[1] still holds its in-flight
// claim, so a release never drops a newer claim or a resolved response.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
local ok, rec = pcall(cjson.decode, v)
if ok and rec.state == "in_flight" and rec.token == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// resolveScript writes ARGV[2] with a PX of ARGV[3] when the key is absent or
// still claimed by ARGV[1]. It returns 0 when another caller holds the key.
var resolveScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
	local ok, rec = pcall(cjson.decode, v)
	if not ok or rec.state ~= "in_flight" or rec.token ~= ARGV[1] then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// RedisStore shares idempotency state between instances through Redis.
// Claims use SET NX PX, so TTL expiry is enforced by the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

// ConnectRedis parses url, connects and pings the server.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("idempotency: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("idempotency: ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

func (r *RedisStore) Get(ctx context.Context, key string) (*domain.Idempotency, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec domain.Idempotency
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return &rec, nil
}

func (r *RedisStore) SetIfNotExists(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	now := r.now()
	payload, err := json.Marshal(domain.Idempotency{
		Key:       key,
		State:     domain.IdempotencyInFlight,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return false, err
	}
	return r.client.SetNX(ctx, r.key(key), payload, ttl).Result()
}

func (r *RedisStore) Resolve(ctx context.Context, key, token string, status int, body []byte, ttl time.Duration) error {
	now := r.now()
	payload, err := json.Marshal(domain.Idempotency{
		Key:       key,
		State:     domain.IdempotencyResolved,
		Token:     token,
		Status:    status,
		Body:      body,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return err
	}
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	n, err := resolveScript.Run(ctx, r.client, []string{r.key(key)}, token, payload, ms).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *RedisStore) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, r.client, []string{r.key(key)}, token).Err()
}

// Reset deletes every key under the store prefix.
func (r *RedisStore) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
