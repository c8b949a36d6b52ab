package loginstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "oidc-rp:login:"

// RedisStore keeps pending logins in Redis so several instances can share
// them. Keys carry a TTL matching the login's expiry and Take uses GETDEL, so
// a state can be consumed exactly once across the fleet.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore connects to the Redis server at redisURL (redis:// or
// rediss://) and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	log.LogInfoWithFields("loginstate", "Connected to Redis login state store", map[string]any{
		"addr": opts.Addr,
		"db":   opts.DB,
	})
	return NewRedisStoreWithClient(rdb), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: redisKeyPrefix, now: time.Now}
}

func (s *RedisStore) key(state string) string {
	return s.prefix + state
}

func (s *RedisStore) Put(ctx context.Context, p PendingLogin) error {
	ttl := p.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("login state already expired")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding login state: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, s.key(p.State), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("writing login state: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, state string) (PendingLogin, error) {
	data, err := s.rdb.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PendingLogin{}, ErrNotFound
	}
	if err != nil {
		return PendingLogin{}, fmt.Errorf("reading login state: %w", err)
	}

	var p PendingLogin
	if err := json.Unmarshal(data, &p); err != nil {
		return PendingLogin{}, fmt.Errorf("decoding login state: %w", err)
	}
	return p, nil
}

// Close releases the underlying connection pool
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
