package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"collab/api/internal/auth"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session tokens in Redis so several API processes can
// issue tokens for one gateway. Keys hold a hash of the token, never the
// token itself.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed token store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "collab:token:",
		now:    time.Now,
	}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + auth.HashToken(token)
}

// Save stores a token until its expiry. Tokens that are already expired
// are not written.
func (s *RedisStore) Save(ctx context.Context, token Token) error {
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal session token: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session token: %w", err)
	}
	return nil
}

// Consume reads and deletes the token in one GETDEL.
func (s *RedisStore) Consume(ctx context.Context, value string) (Token, error) {
	data, err := s.client.GetDel(ctx, s.key(value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, ErrInvalidToken
	}
	if err != nil {
		return Token{}, fmt.Errorf("consume session token: %w", err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return Token{}, fmt.Errorf("unmarshal session token: %w", err)
	}
	token.Token = value
	// Redis expiry is lazy at millisecond granularity; the absolute
	// deadline is authoritative.
	if token.Expired(s.now()) {
		return Token{}, ErrInvalidToken
	}
	return token, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
