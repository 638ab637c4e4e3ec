package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
)

// RedisUserRepository stores user records with a sliding expiry; every
// read refreshes it.
type RedisUserRepository struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisUserRepository(client *redis.Client, ttl time.Duration) ports.UserRepository {
	return &RedisUserRepository{
		client: client,
		prefix: "huddle:user:",
		ttl:    ttl,
	}
}

func (r *RedisUserRepository) userKey(id domain.UserID) string {
	return r.prefix + string(id)
}

func (r *RedisUserRepository) Create(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.userKey(user.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to set user in Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("user already exists: %s", user.ID)
	}

	return nil
}

func (r *RedisUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	key := r.userKey(id)
	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}

	if r.ttl > 0 {
		r.client.Expire(ctx, key, r.ttl)
	}

	var user domain.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &user, nil
}

func (r *RedisUserRepository) Update(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	updated, err := r.client.SetXX(ctx, r.userKey(user.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update user in Redis: %w", err)
	}
	if !updated {
		return domain.ErrUserNotFound
	}

	return nil
}
