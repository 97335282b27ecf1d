// Package session provides Redis storage for refresh tokens and
// one-shot magic-link tokens.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type tokenData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore holds refresh sessions and magic links with Redis TTLs
// doing the expiry work.
type RedisStore struct {
	client        *redis.Client
	refreshPrefix string
	linkPrefix    string
}

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

	return &RedisStore{
		client:        client,
		refreshPrefix: "refresh:",
		linkPrefix:    "magiclink:",
	}, nil
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	data := tokenData{UserID: userID, CreatedAt: time.Now()}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.refreshPrefix+tokenHash, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the user id behind a refresh token hash.
// Missing or expired tokens map to sql.ErrNoRows so callers treat both
// backends the same way.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	jsonData, err := s.client.Get(ctx, s.refreshPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return "", sql.ErrNoRows
	}
	if err != nil {
		return "", fmt.Errorf("lookup refresh token: %w", err)
	}

	var data tokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return "", fmt.Errorf("unmarshal token data: %w", err)
	}
	return data.UserID, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveMagicLink(ctx context.Context, tokenHash, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if err := s.client.Set(ctx, s.linkPrefix+tokenHash, userID, ttl).Err(); err != nil {
		return fmt.Errorf("save magic link: %w", err)
	}
	return nil
}

// ConsumeMagicLink redeems a link token exactly once (GETDEL).
func (s *RedisStore) ConsumeMagicLink(ctx context.Context, tokenHash string) (string, error) {
	userID, err := s.client.GetDel(ctx, s.linkPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return "", sql.ErrNoRows
	}
	if err != nil {
		return "", fmt.Errorf("consume magic link: %w", err)
	}
	return userID, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
