package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newSubscription(status domain.SubscriptionStatus, expiresAt *time.Time) *domain.Subscription {
	return &domain.Subscription{
		ID:           uuid.New(),
		PlanID:       uuid.New(),
		BotID:        uuid.New(),
		CreatorID:    uuid.New(),
		SubscriberID: "tg-100",
		Gateway:      domain.GatewayAsaas,
		Status:       status,
		ExpiresAt:    expiresAt,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
}

func newTransaction(subID uuid.UUID, paymentID string) *domain.Transaction {
	return &domain.Transaction{
		ID:               uuid.New(),
		SubscriptionID:   subID,
		Gateway:          domain.GatewayAsaas,
		GatewayPaymentID: paymentID,
		AmountGross:      1000,
		Status:           domain.TransactionStatusPending,
		CreatedAt:        baseTime,
		UpdatedAt:        baseTime,
	}
}

func at(d time.Duration) *time.Time {
	t := baseTime.Add(d)
	return &t
}

func TestMemoryStore_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	sub := newSubscription(domain.SubscriptionStatusPending, nil)

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(tx repository.Tx) error {
		require.NoError(t, tx.Subscriptions().Create(ctx, sub))
		require.NoError(t, tx.Transactions().Create(ctx, newTransaction(sub.ID, "pay_1")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Subscriptions().GetByID(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_FailNextCommits(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	store.FailNextCommits(errors.New("connection reset"))

	sub := newSubscription(domain.SubscriptionStatusPending, nil)
	err := store.WithinTx(ctx, func(tx repository.Tx) error {
		return tx.Subscriptions().Create(ctx, sub)
	})
	require.Error(t, err)

	_, err = store.Subscriptions().GetByID(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	store.FailNextCommits(nil)
	require.NoError(t, store.Subscriptions().Create(ctx, sub))
}

func TestMemoryTransactions_DuplicatePaymentID(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	subID := uuid.New()

	require.NoError(t, store.Transactions().Create(ctx, newTransaction(subID, "pay_1")))
	err := store.Transactions().Create(ctx, newTransaction(subID, "pay_1"))
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	// пустой id не участвует в уникальности
	require.NoError(t, store.Transactions().Create(ctx, newTransaction(subID, "")))
	require.NoError(t, store.Transactions().Create(ctx, newTransaction(subID, "")))
}

func TestMemoryTransactions_Lookups(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	sub := newSubscription(domain.SubscriptionStatusPending, nil)
	require.NoError(t, store.Subscriptions().Create(ctx, sub))

	initial := newTransaction(sub.ID, "link_1")
	require.NoError(t, store.Transactions().Create(ctx, initial))

	t.Run("unbound by checkout id", func(t *testing.T) {
		found, err := store.Transactions().FindUnboundInitial(ctx, domain.GatewayAsaas, "link_1", "")
		require.NoError(t, err)
		assert.Equal(t, initial.ID, found.ID)
	})

	t.Run("unbound by external reference", func(t *testing.T) {
		found, err := store.Transactions().FindUnboundInitial(ctx, domain.GatewayAsaas, "", initial.ID.String())
		require.NoError(t, err)
		assert.Equal(t, initial.ID, found.ID)
	})

	t.Run("other gateway", func(t *testing.T) {
		_, err := store.Transactions().FindUnboundInitial(ctx, domain.GatewayStripe, "link_1", "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("bound charge", func(t *testing.T) {
		bound := *initial
		bound.GatewayReference = "pay_abc"
		ok, err := store.Transactions().Update(ctx, &bound, domain.TransactionStatusPending)
		require.NoError(t, err)
		require.True(t, ok)

		found, err := store.Transactions().FindByCharge(ctx, domain.GatewayAsaas, "pay_abc")
		require.NoError(t, err)
		assert.Equal(t, initial.ID, found.ID)

		_, err = store.Transactions().FindUnboundInitial(ctx, domain.GatewayAsaas, "link_1", "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("recent pending", func(t *testing.T) {
		found, err := store.Transactions().FindRecentPending(ctx, sub.PlanID, sub.SubscriberID, domain.GatewayAsaas, baseTime.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, initial.ID, found.ID)

		_, err = store.Transactions().FindRecentPending(ctx, sub.PlanID, sub.SubscriberID, domain.GatewayAsaas, baseTime.Add(time.Minute))
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestMemoryTransactions_UpdateIsConditional(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	tx := newTransaction(uuid.New(), "pay_1")
	require.NoError(t, store.Transactions().Create(ctx, tx))

	confirmed := *tx
	confirmed.Status = domain.TransactionStatusConfirmed
	ok, err := store.Transactions().Update(ctx, &confirmed, domain.TransactionStatusPending)
	require.NoError(t, err)
	assert.True(t, ok)

	failed := *tx
	failed.Status = domain.TransactionStatusFailed
	ok, err = store.Transactions().Update(ctx, &failed, domain.TransactionStatusPending)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Transactions().GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusConfirmed, got.Status)
}

func TestMemorySubscriptions_Transitions(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	subs := store.Subscriptions()

	sub := newSubscription(domain.SubscriptionStatusPending, nil)
	require.NoError(t, subs.Create(ctx, sub))

	ok, err := subs.Activate(ctx, sub.ID, at(30*24*time.Hour), "sub_remote", baseTime)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := subs.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusActive, got.Status)
	assert.Equal(t, "sub_remote", got.GatewaySubscriptionID)

	byRemote, err := subs.GetByGatewaySubscriptionID(ctx, domain.GatewayAsaas, "sub_remote")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, byRemote.ID)

	// удаленный id не перезаписывается
	ok, err = subs.Activate(ctx, sub.ID, at(60*24*time.Hour), "other", baseTime)
	require.NoError(t, err)
	require.True(t, ok)
	got, _ = subs.GetByID(ctx, sub.ID)
	assert.Equal(t, "sub_remote", got.GatewaySubscriptionID)

	// expires_at сменился, старое наблюдение не истекает подписку
	ok, err = subs.Expire(ctx, sub.ID, *at(30 * 24 * time.Hour), baseTime)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = subs.Expire(ctx, sub.ID, *at(60 * 24 * time.Hour), baseTime)
	require.NoError(t, err)
	assert.True(t, ok)

	// expired терминален
	ok, err = subs.Activate(ctx, sub.ID, at(90*24*time.Hour), "", baseTime)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = subs.Cancel(ctx, sub.ID, baseTime)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemorySubscriptions_ReminderMarker(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	subs := store.Subscriptions()

	expires := at(48 * time.Hour)
	sub := newSubscription(domain.SubscriptionStatusActive, expires)
	require.NoError(t, subs.Create(ctx, sub))

	list, err := subs.ListExpiringBetween(ctx, baseTime, baseTime.Add(72*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	ok, err := subs.MarkReminderSent(ctx, sub.ID, *expires, baseTime)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = subs.MarkReminderSent(ctx, sub.ID, *expires, baseTime)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err = subs.ListExpiringBetween(ctx, baseTime, baseTime.Add(72*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	// продление сбрасывает отметку
	ok, err = subs.Activate(ctx, sub.ID, at(50*time.Hour), "", baseTime)
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := subs.GetByID(ctx, sub.ID)
	assert.Nil(t, got.ReminderSentAt)

	ok, err = subs.MarkReminderSent(ctx, sub.ID, *at(50 * time.Hour), baseTime)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, subs.ClearReminder(ctx, sub.ID, baseTime))
	got, _ = subs.GetByID(ctx, sub.ID)
	assert.Nil(t, got.ReminderSentAt)
}

func TestMemorySubscriptions_ListExpired(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	subs := store.Subscriptions()

	past := newSubscription(domain.SubscriptionStatusActive, at(-time.Hour))
	future := newSubscription(domain.SubscriptionStatusActive, at(time.Hour))
	lifetime := newSubscription(domain.SubscriptionStatusActive, nil)
	cancelled := newSubscription(domain.SubscriptionStatusCancelled, at(-time.Hour))
	for _, s := range []*domain.Subscription{past, future, lifetime, cancelled} {
		require.NoError(t, subs.Create(ctx, s))
	}

	list, err := subs.ListExpired(ctx, baseTime, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, past.ID, list[0].ID)
}

func TestMemoryWebhookEvents_ListByOutcome(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()

	for i, outcome := range []domain.WebhookOutcome{
		domain.WebhookOutcomeProcessed, domain.WebhookOutcomeTriage, domain.WebhookOutcomeTriage,
	} {
		require.NoError(t, store.WebhookEvents().Save(ctx, &domain.WebhookEvent{
			Gateway:    domain.GatewayAsaas,
			ExternalID: string(rune('a' + i)),
			Outcome:    outcome,
		}))
	}

	events, err := store.WebhookEvents().ListByOutcome(ctx, domain.WebhookOutcomeTriage, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].ExternalID)
}
