// Package repository описывает хранилище подписок и транзакций.
// Реализации: postgres (pgx) и in-memory для тестов. Кеш и блокировки на Redis.
package repository

import (
	"context"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/google/uuid"
)

// SubscriptionRepository определяет методы для работы с подписками.
// Методы смены статуса выполняют сравнение-и-замену и возвращают false,
// если строка уже не находится в ожидаемом состоянии.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	GetByGatewaySubscriptionID(ctx context.Context, gw domain.Gateway, remoteID string) (*domain.Subscription, error)

	// Activate переводит pending/active в active, выставляет expires_at (nil для бессрочных),
	// сбрасывает отметку напоминания и привязывает удаленный id, если он еще не известен.
	Activate(ctx context.Context, id uuid.UUID, expiresAt *time.Time, remoteID string, now time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// Expire срабатывает только если подписка активна и expires_at не менялся с момента чтения
	Expire(ctx context.Context, id uuid.UUID, observedExpiresAt time.Time, now time.Time) (bool, error)

	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error)
	// ListExpiringBetween активные подписки с expires_at в [from, to) без отправленного напоминания
	ListExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.Subscription, error)

	MarkReminderSent(ctx context.Context, id uuid.UUID, observedExpiresAt time.Time, now time.Time) (bool, error)
	ClearReminder(ctx context.Context, id uuid.UUID, now time.Time) error

	// ListRevokePending истекшие подписки, для которых отзыв доступа еще не доставлен
	ListRevokePending(ctx context.Context, limit int) ([]domain.Subscription, error)
	MarkAccessRevoked(ctx context.Context, id uuid.UUID, now time.Time) error
}

// TransactionRepository определяет методы для работы с транзакциями
type TransactionRepository interface {
	// Create возвращает ErrDuplicate, если (gateway, gateway_payment_id) уже занят
	Create(ctx context.Context, tx *domain.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)

	// FindByCharge ищет по gateway_payment_id или gateway_reference
	FindByCharge(ctx context.Context, gw domain.Gateway, chargeID string) (*domain.Transaction, error)

	// FindUnboundInitial ищет первую транзакцию checkout, к которой еще не привязано списание
	FindUnboundInitial(ctx context.Context, gw domain.Gateway, checkoutID, externalRef string) (*domain.Transaction, error)

	// FindRecentPending последняя незавершенная оплата покупателя по плану, созданная не раньше since
	FindRecentPending(ctx context.Context, planID uuid.UUID, subscriberID string, gw domain.Gateway, since time.Time) (*domain.Transaction, error)

	LatestBySubscription(ctx context.Context, subscriptionID uuid.UUID) (*domain.Transaction, error)

	// Update сохраняет изменения, если статус в хранилище все еще равен from
	Update(ctx context.Context, tx *domain.Transaction, from domain.TransactionStatus) (bool, error)
}

// WebhookEventRepository журнал входящих событий
type WebhookEventRepository interface {
	Save(ctx context.Context, ev *domain.WebhookEvent) error
	ListByOutcome(ctx context.Context, outcome domain.WebhookOutcome, limit int) ([]domain.WebhookEvent, error)
}

// Repositories набор репозиториев, доступный как вне транзакции, так и внутри нее
type Repositories interface {
	Subscriptions() SubscriptionRepository
	Transactions() TransactionRepository
	WebhookEvents() WebhookEventRepository
}

// Tx единица работы. Блокировки строк держатся до завершения транзакции.
type Tx interface {
	Repositories
	LockSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)
	LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
}

// Store хранилище с поддержкой транзакций.
// WithinTx фиксирует изменения, только если fn вернула nil.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
