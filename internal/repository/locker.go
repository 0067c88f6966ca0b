package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:"

// ErrLockNotAcquired блокировку держит другой владелец
var ErrLockNotAcquired = errors.New("lock not acquired")

// Locker кратковременная взаимная блокировка по ключу с ограниченным временем жизни.
// Возвращенная функция освобождает блокировку, только если она все еще принадлежит вызывающему.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// освобождение только своим токеном
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker блокировки через SET NX PX, общие для всех экземпляров сервиса
type RedisLocker struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisLocker создает блокировщик на Redis
func NewRedisLocker(client *redis.Client, log *logger.Logger) *RedisLocker {
	return &RedisLocker{client: client, log: log}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	fullKey := lockKeyPrefix + key

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Err(); err != nil {
			l.log.Warnw("Failed to release lock", "error", err, "key", key)
		}
	}, nil
}

// LocalLocker блокировки в пределах процесса
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLock
	now  func() time.Time
}

type localLock struct {
	token   uuid.UUID
	expires time.Time
}

// NewLocalLocker создает блокировщик в памяти
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLock), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, ErrLockNotAcquired
	}
	token := uuid.New()
	l.held[key] = localLock{token: token, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}, nil
}

// FallbackLocker использует основной блокировщик, а при его недоступности локальный
type FallbackLocker struct {
	primary  Locker
	fallback Locker
	log      *logger.Logger
}

// NewFallbackLocker создает блокировщик с запасным вариантом
func NewFallbackLocker(primary, fallback Locker, log *logger.Logger) *FallbackLocker {
	return &FallbackLocker{primary: primary, fallback: fallback, log: log}
}

func (l *FallbackLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	release, err := l.primary.Acquire(ctx, key, ttl)
	if err == nil || errors.Is(err, ErrLockNotAcquired) {
		return release, err
	}
	l.log.Warnw("Primary locker unavailable, using in-process lock", "error", err, "key", key)
	return l.fallback.Acquire(ctx, key, ttl)
}
