// Package postgres реализует repository.Store поверх pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/repository"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// querier общее подмножество pgxpool.Pool и pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store хранилище подписок и транзакций в PostgreSQL
type Store struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewStore создает хранилище поверх пула
func NewStore(pool *pgxpool.Pool, log *logger.Logger) *Store {
	return &Store{pool: pool, log: log}
}

func (s *Store) Subscriptions() repository.SubscriptionRepository {
	return &subscriptionRepo{q: s.pool, log: s.log}
}

func (s *Store) Transactions() repository.TransactionRepository {
	return &transactionRepo{q: s.pool, log: s.log}
}

func (s *Store) WebhookEvents() repository.WebhookEventRepository {
	return &webhookEventRepo{q: s.pool, log: s.log}
}

// WithinTx выполняет fn в транзакции READ COMMITTED. Ошибка fn откатывает транзакцию.
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, log: s.log})
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			s.log.Errorw("Database transaction failed", "error", err, "code", pgErr.Code)
			return domain.NewInternalError("transaction", err)
		}
		return err
	}
	return nil
}

type pgTx struct {
	tx  pgx.Tx
	log *logger.Logger
}

func (t *pgTx) Subscriptions() repository.SubscriptionRepository {
	return &subscriptionRepo{q: t.tx, log: t.log}
}

func (t *pgTx) Transactions() repository.TransactionRepository {
	return &transactionRepo{q: t.tx, log: t.log}
}

func (t *pgTx) WebhookEvents() repository.WebhookEventRepository {
	return &webhookEventRepo{q: t.tx, log: t.log}
}

// LockSubscription читает подписку с блокировкой строки до конца транзакции
func (t *pgTx) LockSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return getSubscription(ctx, t.tx, subscriptionSelect+" WHERE id = $1 FOR UPDATE", id)
}

// LockTransaction читает транзакцию с блокировкой строки до конца транзакции
func (t *pgTx) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, transactionSelect+" WHERE id = $1 FOR UPDATE", id)
}

// mapError переводит ошибки драйвера в ошибки домена
func mapError(err error, entity, field, value string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewNotFoundError(entity, value)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.NewDuplicateError(entity, field, value)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.NewInternalError(fmt.Sprintf("%s query", entity), err)
}
