package repository

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
)

// CachedStore добавляет кеш чтения подписок поверх Store.
// Измененные подписки удаляются из кеша после успешной фиксации.
type CachedStore struct {
	Store
	cache *RedisCache
	log   *logger.Logger
}

// NewCachedStore создает хранилище с кешированием
func NewCachedStore(store Store, cache *RedisCache, log *logger.Logger) *CachedStore {
	return &CachedStore{Store: store, cache: cache, log: log}
}

func (s *CachedStore) Subscriptions() SubscriptionRepository {
	return &cachedSubscriptions{
		SubscriptionRepository: s.Store.Subscriptions(),
		store:                  s,
		touched:                s.invalidate,
	}
}

func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	var mu sync.Mutex
	var touched []uuid.UUID

	err := s.Store.WithinTx(ctx, func(tx Tx) error {
		return fn(&cachedTx{Tx: tx, store: s, touched: func(_ context.Context, id uuid.UUID) {
			mu.Lock()
			touched = append(touched, id)
			mu.Unlock()
		}})
	})
	if err != nil {
		return err
	}

	for _, id := range touched {
		s.invalidate(ctx, id)
	}
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.cache.InvalidateSubscriptions(ctx, id); err != nil {
		s.log.Warnw("Failed to invalidate subscription cache", "error", err, "subscriptionID", id)
	}
}

type cachedTx struct {
	Tx
	store   *CachedStore
	touched func(context.Context, uuid.UUID)
}

func (t *cachedTx) Subscriptions() SubscriptionRepository {
	return &cachedSubscriptions{
		SubscriptionRepository: t.Tx.Subscriptions(),
		store:                  t.store,
		touched:                t.touched,
		inTx:                   true,
	}
}

func (t *cachedTx) LockSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	t.touched(ctx, id)
	return t.Tx.LockSubscription(ctx, id)
}

// cachedSubscriptions читает из кеша только вне транзакции
type cachedSubscriptions struct {
	SubscriptionRepository
	store   *CachedStore
	touched func(context.Context, uuid.UUID)
	inTx    bool
}

// GetByID получает подписку сначала из кеша, потом из хранилища
func (r *cachedSubscriptions) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	if r.inTx {
		return r.SubscriptionRepository.GetByID(ctx, id)
	}

	cached, err := r.store.cache.GetCachedSubscription(ctx, id)
	if err != nil {
		r.store.log.Warnw("Error getting subscription from cache", "error", err, "subscriptionID", id)
	}
	if cached != nil {
		return cached, nil
	}

	sub, err := r.SubscriptionRepository.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.store.cache.CacheSubscription(ctx, sub); err != nil {
		r.store.log.Warnw("Failed to cache subscription after fetching", "error", err, "subscriptionID", id)
	}
	return sub, nil
}

func (r *cachedSubscriptions) Activate(ctx context.Context, id uuid.UUID, expiresAt *time.Time, remoteID string, now time.Time) (bool, error) {
	defer r.touched(ctx, id)
	return r.SubscriptionRepository.Activate(ctx, id, expiresAt, remoteID, now)
}

func (r *cachedSubscriptions) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	defer r.touched(ctx, id)
	return r.SubscriptionRepository.Cancel(ctx, id, now)
}

func (r *cachedSubscriptions) Expire(ctx context.Context, id uuid.UUID, observed time.Time, now time.Time) (bool, error) {
	defer r.touched(ctx, id)
	return r.SubscriptionRepository.Expire(ctx, id, observed, now)
}

func (r *cachedSubscriptions) MarkReminderSent(ctx context.Context, id uuid.UUID, observed time.Time, now time.Time) (bool, error) {
	defer r.touched(ctx, id)
	return r.SubscriptionRepository.MarkReminderSent(ctx, id, observed, now)
}

func (r *cachedSubscriptions) ClearReminder(ctx context.Context, id uuid.UUID, now time.Time) error {
	defer r.touched(ctx, id)
	return r.SubscriptionRepository.ClearReminder(ctx, id, now)
}

func (r *cachedSubscriptions) MarkAccessRevoked(ctx context.Context, id uuid.UUID, now time.Time) error {
	defer r.touched(ctx, id)
	return r.SubscriptionRepository.MarkAccessRevoked(ctx, id, now)
}
