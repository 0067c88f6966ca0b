package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	subscriptionKeyPrefix = "subscription:"

	defaultCacheTTL = time.Minute
)

// NewRedisClient создает клиент Redis и проверяет соединение
func NewRedisClient(ctx context.Context, addr, password string, db int, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err, "addr", addr)
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", addr)
	return client, nil
}

// RedisCache кеширует подписки для частых проверок статуса
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisCache создает кеш. Нулевой ttl заменяется значением по умолчанию.
func NewRedisCache(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, log: log}
}

func subscriptionKey(id uuid.UUID) string {
	return subscriptionKeyPrefix + id.String()
}

// CacheSubscription кеширует подписку
func (c *RedisCache) CacheSubscription(ctx context.Context, sub *domain.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}
	if err := c.client.Set(ctx, subscriptionKey(sub.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache subscription: %w", err)
	}
	c.log.Debugw("Subscription cached", "subscriptionID", sub.ID)
	return nil
}

// GetCachedSubscription возвращает подписку из кеша или nil, если ее там нет
func (c *RedisCache) GetCachedSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	data, err := c.client.Get(ctx, subscriptionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get subscription from cache: %w", err)
	}

	var sub domain.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached subscription: %w", err)
	}
	return &sub, nil
}

// InvalidateSubscriptions удаляет подписки из кеша
func (c *RedisCache) InvalidateSubscriptions(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = subscriptionKey(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate subscriptions: %w", err)
	}
	return nil
}
