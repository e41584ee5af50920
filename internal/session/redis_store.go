package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HashClient is the subset of redis commands the store needs.
type HashClient interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, key string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.c.HGetAll(ctx, key).Result()
}

func (r *redisAdapter) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

// RedisStore keeps the session in one hash with fields token and profile.
type RedisStore struct {
	client HashClient
	key    string
}

func NewRedisStore(rc *redis.Client, key string) *RedisStore {
	return newRedisStore(&redisAdapter{c: rc}, key)
}

func newRedisStore(c HashClient, key string) *RedisStore {
	return &RedisStore{client: c, key: key}
}

func (r *RedisStore) Load(ctx context.Context) (Session, error) {
	m, err := r.client.HGetAll(ctx, r.key)
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	tok := m["token"]
	if tok == "" {
		return Session{}, ErrNoSession
	}
	p, err := decodeProfile(m["profile"])
	if err != nil {
		return Session{}, err
	}
	return Session{Token: tok, Profile: p}, nil
}

func (r *RedisStore) Save(ctx context.Context, s Session) error {
	raw, err := encodeProfile(s.Profile)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.key, map[string]interface{}{"token": s.Token, "profile": raw}); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
