package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "irgate:escrow:"

// RedisStore keeps one JSON value per key, written with SET NX and a TTL
// that ends at ExpiresAt. Redis expires entries itself, so DeleteExpired is
// a no-op.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

// OpenRedis parses a redis:// URL.
func OpenRedis(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("escrow: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("escrow: ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

// Tenant ids are query-escaped so a tenant containing ':' or glob
// characters cannot overlap another tenant's key space.
func tenantPrefix(tenantID string) string {
	return redisPrefix + url.QueryEscape(tenantID) + ":"
}

func redisKey(tenantID, authorUUID string) string {
	return tenantPrefix(tenantID) + authorUUID
}

func (s *RedisStore) Upsert(ctx context.Context, e Entry) (bool, error) {
	if err := e.validate(); err != nil {
		return false, err
	}
	var ttl time.Duration
	if !e.ExpiresAt.IsZero() {
		ttl = e.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return false, nil
		}
	}
	body, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("escrow: encode entry: %w", err)
	}
	created, err := s.client.SetNX(ctx, redisKey(e.TenantID, e.AuthorUUID), body, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("escrow: setnx: %w", err)
	}
	return created, nil
}

func (s *RedisStore) Get(ctx context.Context, tenantID, authorUUID string) (*Entry, error) {
	body, err := s.client.Get(ctx, redisKey(tenantID, authorUUID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("escrow: get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("escrow: decode entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Count(ctx context.Context, tenantID string) (int64, error) {
	var (
		n      int64
		cursor uint64
	)
	match := tenantPrefix(tenantID) + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return 0, fmt.Errorf("escrow: scan: %w", err)
		}
		n += int64(len(keys))
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Atomic() bool { return true }

func (s *RedisStore) Close() error {
	return s.client.Close()
}
