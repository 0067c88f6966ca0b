package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/repository"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := repository.NewRedisLocker(client, logger.NewNop())
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "checkout:plan:buyer", time.Second)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "checkout:plan:buyer", time.Second)
	assert.ErrorIs(t, err, repository.ErrLockNotAcquired)

	release()
	assert.False(t, mr.Exists("lock:checkout:plan:buyer"))

	release2, err := locker.Acquire(ctx, "checkout:plan:buyer", time.Second)
	require.NoError(t, err)
	release2()
}

func TestRedisLocker_ExpiredLockIsNotReleasedByOldOwner(t *testing.T) {
	mr, client := setupTestRedis(t)
	locker := repository.NewRedisLocker(client, logger.NewNop())
	ctx := context.Background()

	oldRelease, err := locker.Acquire(ctx, "sweep", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	newRelease, err := locker.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	defer newRelease()

	oldRelease()
	assert.True(t, mr.Exists("lock:sweep"))
}

func TestFallbackLocker_UsesLocalWhenRedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	local := repository.NewLocalLocker()
	locker := repository.NewFallbackLocker(repository.NewRedisLocker(client, logger.NewNop()), local, logger.NewNop())
	ctx := context.Background()

	mr.Close()

	release, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, repository.ErrLockNotAcquired)

	release()
	release, err = locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	release()
}

func TestCachedStore_InvalidatesAfterCommit(t *testing.T) {
	mr, client := setupTestRedis(t)
	log := logger.NewNop()
	mem := repository.NewMemoryStore()
	store := repository.NewCachedStore(mem, repository.NewRedisCache(client, time.Minute, log), log)
	ctx := context.Background()

	sub := newSubscription(domain.SubscriptionStatusPending, nil)
	require.NoError(t, mem.Subscriptions().Create(ctx, sub))

	got, err := store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPending, got.Status)
	assert.True(t, mr.Exists("subscription:"+sub.ID.String()))

	err = store.WithinTx(ctx, func(tx repository.Tx) error {
		_, err := tx.Subscriptions().Activate(ctx, sub.ID, nil, "", baseTime)
		return err
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("subscription:"+sub.ID.String()))

	got, err = store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	_, client := setupTestRedis(t)
	log := logger.NewNop()
	mem := repository.NewMemoryStore()
	cache := repository.NewRedisCache(client, time.Minute, log)
	store := repository.NewCachedStore(mem, cache, log)
	ctx := context.Background()

	sub := newSubscription(domain.SubscriptionStatusActive, at(time.Hour))
	require.NoError(t, cache.CacheSubscription(ctx, sub))

	got, err := store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.True(t, sub.ExpiresAt.Equal(*got.ExpiresAt))
}
