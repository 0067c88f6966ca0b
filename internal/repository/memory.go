package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore реализация Store в памяти. Транзакции выполняются строго по одной,
// при ошибке состояние откатывается к снимку.
type MemoryStore struct {
	txMu sync.Mutex // сериализует транзакции и одиночные записи
	mu   sync.RWMutex

	subs   map[uuid.UUID]domain.Subscription
	txs    map[uuid.UUID]domain.Transaction
	events []domain.WebhookEvent

	commitErr error
}

// NewMemoryStore создает пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[uuid.UUID]domain.Subscription),
		txs:  make(map[uuid.UUID]domain.Transaction),
	}
}

// FailNextCommits заставляет последующие WithinTx откатываться с err.
// nil возвращает нормальное поведение.
func (s *MemoryStore) FailNextCommits(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) Subscriptions() SubscriptionRepository {
	return &memSubscriptions{s: s}
}

func (s *MemoryStore) Transactions() TransactionRepository {
	return &memTransactions{s: s}
}

func (s *MemoryStore) WebhookEvents() WebhookEventRepository {
	return &memEvents{s: s}
}

// WithinTx выполняет fn с эксклюзивным доступом к хранилищу
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		s.restore(snap)
		return err
	}

	s.mu.RLock()
	commitErr := s.commitErr
	s.mu.RUnlock()
	if commitErr != nil {
		s.restore(snap)
		return commitErr
	}
	return nil
}

type memSnapshot struct {
	subs   map[uuid.UUID]domain.Subscription
	txs    map[uuid.UUID]domain.Transaction
	events []domain.WebhookEvent
}

func (s *MemoryStore) snapshot() memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := memSnapshot{
		subs:   make(map[uuid.UUID]domain.Subscription, len(s.subs)),
		txs:    make(map[uuid.UUID]domain.Transaction, len(s.txs)),
		events: append([]domain.WebhookEvent(nil), s.events...),
	}
	for k, v := range s.subs {
		snap.subs[k] = v
	}
	for k, v := range s.txs {
		snap.txs[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = snap.subs
	s.txs = snap.txs
	s.events = snap.events
}

// write блокирует хранилище на запись. Вне транзакции дополнительно ждет окончания текущей.
func (s *MemoryStore) write(inTx bool) func() {
	if !inTx {
		s.txMu.Lock()
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		if !inTx {
			s.txMu.Unlock()
		}
	}
}

type memTx struct {
	s *MemoryStore
}

func (t *memTx) Subscriptions() SubscriptionRepository {
	return &memSubscriptions{s: t.s, inTx: true}
}

func (t *memTx) Transactions() TransactionRepository {
	return &memTransactions{s: t.s, inTx: true}
}

func (t *memTx) WebhookEvents() WebhookEventRepository {
	return &memEvents{s: t.s, inTx: true}
}

func (t *memTx) LockSubscription(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return t.Subscriptions().GetByID(ctx, id)
}

func (t *memTx) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return t.Transactions().GetByID(ctx, id)
}

type memSubscriptions struct {
	s    *MemoryStore
	inTx bool
}

func (r *memSubscriptions) Create(_ context.Context, sub *domain.Subscription) error {
	defer r.s.write(r.inTx)()
	if _, exists := r.s.subs[sub.ID]; exists {
		return domain.NewDuplicateError("subscription", "id", sub.ID.String())
	}
	r.s.subs[sub.ID] = *sub
	return nil
}

func (r *memSubscriptions) GetByID(_ context.Context, id uuid.UUID) (*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sub, ok := r.s.subs[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription", id.String())
	}
	return &sub, nil
}

func (r *memSubscriptions) GetByGatewaySubscriptionID(_ context.Context, gw domain.Gateway, remoteID string) (*domain.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if remoteID != "" {
		for _, sub := range r.s.subs {
			if sub.Gateway == gw && sub.GatewaySubscriptionID == remoteID {
				return &sub, nil
			}
		}
	}
	return nil, domain.NewNotFoundError("subscription", remoteID)
}

// update применяет fn к подписке, если она существует и cond выполняется
func (r *memSubscriptions) update(id uuid.UUID, cond func(domain.Subscription) bool, fn func(*domain.Subscription)) bool {
	defer r.s.write(r.inTx)()
	sub, ok := r.s.subs[id]
	if !ok || !cond(sub) {
		return false
	}
	fn(&sub)
	r.s.subs[id] = sub
	return true
}

func (r *memSubscriptions) Activate(_ context.Context, id uuid.UUID, expiresAt *time.Time, remoteID string, now time.Time) (bool, error) {
	ok := r.update(id,
		func(s domain.Subscription) bool {
			return s.Status == domain.SubscriptionStatusPending || s.Status == domain.SubscriptionStatusActive
		},
		func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusActive
			s.ExpiresAt = copyTime(expiresAt)
			s.ReminderSentAt = nil
			if s.ActivatedAt == nil {
				s.ActivatedAt = copyTime(&now)
			}
			if s.GatewaySubscriptionID == "" {
				s.GatewaySubscriptionID = remoteID
			}
			s.UpdatedAt = now
		})
	return ok, nil
}

func (r *memSubscriptions) Cancel(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	ok := r.update(id,
		func(s domain.Subscription) bool { return s.Status.CanTransitionTo(domain.SubscriptionStatusCancelled) },
		func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusCancelled
			s.CancelledAt = copyTime(&now)
			s.UpdatedAt = now
		})
	return ok, nil
}

func (r *memSubscriptions) Expire(_ context.Context, id uuid.UUID, observed time.Time, now time.Time) (bool, error) {
	ok := r.update(id,
		func(s domain.Subscription) bool {
			return s.Status == domain.SubscriptionStatusActive && s.ExpiresAt != nil && s.ExpiresAt.Equal(observed)
		},
		func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusExpired
			s.UpdatedAt = now
		})
	return ok, nil
}

func (r *memSubscriptions) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.list(limit, func(s domain.Subscription) bool {
		return s.Status == domain.SubscriptionStatusActive && s.IsExpiredAt(now)
	}), nil
}

func (r *memSubscriptions) ListExpiringBetween(_ context.Context, from, to time.Time, limit int) ([]domain.Subscription, error) {
	return r.list(limit, func(s domain.Subscription) bool {
		return s.Status == domain.SubscriptionStatusActive &&
			s.ExpiresAt != nil && !s.ExpiresAt.Before(from) && s.ExpiresAt.Before(to) &&
			s.ReminderSentAt == nil
	}), nil
}

func (r *memSubscriptions) list(limit int, match func(domain.Subscription) bool) []domain.Subscription {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Subscription
	for _, sub := range r.s.subs {
		if match(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memSubscriptions) MarkReminderSent(_ context.Context, id uuid.UUID, observed time.Time, now time.Time) (bool, error) {
	ok := r.update(id,
		func(s domain.Subscription) bool {
			return s.Status == domain.SubscriptionStatusActive && s.ExpiresAt != nil &&
				s.ExpiresAt.Equal(observed) && s.ReminderSentAt == nil
		},
		func(s *domain.Subscription) {
			s.ReminderSentAt = copyTime(&now)
			s.UpdatedAt = now
		})
	return ok, nil
}

func (r *memSubscriptions) ClearReminder(_ context.Context, id uuid.UUID, now time.Time) error {
	r.update(id,
		func(domain.Subscription) bool { return true },
		func(s *domain.Subscription) {
			s.ReminderSentAt = nil
			s.UpdatedAt = now
		})
	return nil
}

func (r *memSubscriptions) ListRevokePending(_ context.Context, limit int) ([]domain.Subscription, error) {
	return r.list(limit, func(s domain.Subscription) bool {
		return s.Status == domain.SubscriptionStatusExpired && s.AccessRevokedAt == nil
	}), nil
}

func (r *memSubscriptions) MarkAccessRevoked(_ context.Context, id uuid.UUID, now time.Time) error {
	r.update(id,
		func(s domain.Subscription) bool { return s.AccessRevokedAt == nil },
		func(s *domain.Subscription) {
			s.AccessRevokedAt = copyTime(&now)
			s.UpdatedAt = now
		})
	return nil
}

type memTransactions struct {
	s    *MemoryStore
	inTx bool
}

func (r *memTransactions) Create(_ context.Context, tx *domain.Transaction) error {
	defer r.s.write(r.inTx)()
	if _, exists := r.s.txs[tx.ID]; exists {
		return domain.NewDuplicateError("transaction", "id", tx.ID.String())
	}
	if tx.GatewayPaymentID != "" {
		for _, other := range r.s.txs {
			if other.Gateway == tx.Gateway && other.GatewayPaymentID == tx.GatewayPaymentID {
				return domain.NewDuplicateError("transaction", "gateway_payment_id", tx.GatewayPaymentID)
			}
		}
	}
	r.s.txs[tx.ID] = *tx
	return nil
}

func (r *memTransactions) GetByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	tx, ok := r.s.txs[id]
	if !ok {
		return nil, domain.NewNotFoundError("transaction", id.String())
	}
	return &tx, nil
}

func (r *memTransactions) find(id string, match func(domain.Transaction) bool) (*domain.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var found *domain.Transaction
	for _, tx := range r.s.txs {
		if match(tx) && (found == nil || tx.CreatedAt.After(found.CreatedAt)) {
			t := tx
			found = &t
		}
	}
	if found == nil {
		return nil, domain.NewNotFoundError("transaction", id)
	}
	return found, nil
}

func (r *memTransactions) FindByCharge(_ context.Context, gw domain.Gateway, chargeID string) (*domain.Transaction, error) {
	return r.find(chargeID, func(tx domain.Transaction) bool {
		return chargeID != "" && tx.Gateway == gw &&
			(tx.GatewayPaymentID == chargeID || tx.GatewayReference == chargeID)
	})
}

func (r *memTransactions) FindUnboundInitial(_ context.Context, gw domain.Gateway, checkoutID, externalRef string) (*domain.Transaction, error) {
	ref, refErr := uuid.Parse(externalRef)
	return r.find(checkoutID+externalRef, func(tx domain.Transaction) bool {
		if tx.Gateway != gw || tx.GatewayReference != "" {
			return false
		}
		return (checkoutID != "" && tx.GatewayPaymentID == checkoutID) || (refErr == nil && tx.ID == ref)
	})
}

func (r *memTransactions) FindRecentPending(_ context.Context, planID uuid.UUID, subscriberID string, gw domain.Gateway, since time.Time) (*domain.Transaction, error) {
	r.s.mu.RLock()
	subs := make(map[uuid.UUID]domain.Subscription, len(r.s.subs))
	for k, v := range r.s.subs {
		subs[k] = v
	}
	r.s.mu.RUnlock()

	return r.find(subscriberID, func(tx domain.Transaction) bool {
		sub, ok := subs[tx.SubscriptionID]
		return ok && sub.PlanID == planID && sub.SubscriberID == subscriberID &&
			sub.Status == domain.SubscriptionStatusPending &&
			tx.Gateway == gw && tx.Status == domain.TransactionStatusPending &&
			!tx.CreatedAt.Before(since)
	})
}

func (r *memTransactions) LatestBySubscription(_ context.Context, subscriptionID uuid.UUID) (*domain.Transaction, error) {
	return r.find(subscriptionID.String(), func(tx domain.Transaction) bool {
		return tx.SubscriptionID == subscriptionID
	})
}

func (r *memTransactions) Update(_ context.Context, tx *domain.Transaction, from domain.TransactionStatus) (bool, error) {
	defer r.s.write(r.inTx)()
	current, ok := r.s.txs[tx.ID]
	if !ok || current.Status != from {
		return false, nil
	}
	r.s.txs[tx.ID] = *tx
	return true, nil
}

type memEvents struct {
	s    *MemoryStore
	inTx bool
}

func (r *memEvents) Save(_ context.Context, ev *domain.WebhookEvent) error {
	defer r.s.write(r.inTx)()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	r.s.events = append(r.s.events, *ev)
	return nil
}

func (r *memEvents) ListByOutcome(_ context.Context, outcome domain.WebhookOutcome, limit int) ([]domain.WebhookEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.WebhookEvent
	for i := len(r.s.events) - 1; i >= 0; i-- {
		if r.s.events[i].Outcome == outcome {
			out = append(out, r.s.events[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
