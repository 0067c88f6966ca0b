package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/catalog"
	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
	"github.com/Dhoini/channel-subscriptions/internal/kafka"
	"github.com/Dhoini/channel-subscriptions/internal/metrics"
	"github.com/Dhoini/channel-subscriptions/internal/notify"
	"github.com/Dhoini/channel-subscriptions/internal/repository"
	"github.com/Dhoini/channel-subscriptions/internal/split"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// CheckoutInput запрос на оплату плана
type CheckoutInput struct {
	CreatorID  uuid.UUID
	PlanID     uuid.UUID
	BuyerID    string // id подписчика в мессенджере
	BuyerEmail string
}

// Validate проверяет обязательные поля
func (in CheckoutInput) Validate() error {
	var errs domain.ValidationErrors
	if in.CreatorID == uuid.Nil {
		errs.Add("creator_id", "is required")
	}
	if in.PlanID == uuid.Nil {
		errs.Add("plan_id", "is required")
	}
	if strings.TrimSpace(in.BuyerID) == "" {
		errs.Add("buyer_id", "is required")
	}
	return errs.Err()
}

// CheckoutResult ссылка на оплату и id локальной подписки
type CheckoutResult struct {
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	TransactionID  uuid.UUID      `json:"transaction_id"`
	CheckoutURL    string         `json:"checkout_url"`
	Gateway        domain.Gateway `json:"gateway"`
	Split          split.Split    `json:"split"`
	Reused         bool           `json:"reused"`
}

// SubscriptionStatus состояние подписки для опроса ботом
type SubscriptionStatus struct {
	SubscriptionID uuid.UUID                 `json:"subscription_id"`
	Status         domain.SubscriptionStatus `json:"status"`
	ExpiresAt      *time.Time                `json:"expires_at,omitempty"`
	PaymentStatus  domain.TransactionStatus  `json:"payment_status,omitempty"`
	CheckoutURL    string                    `json:"checkout_url,omitempty"`
}

// CheckoutConfig параметры оркестрации оплаты
type CheckoutConfig struct {
	FeePercent  float64
	ReuseWindow time.Duration
	LockTTL     time.Duration // не меньше CallTimeout + RetryBudget + lockMargin
	LockWait    time.Duration

	CallTimeout      time.Duration // на один вызов провайдера
	RetryBudget      time.Duration // на все повторы
	RetryInitialWait time.Duration

	WebhookURL func(gw domain.Gateway) string
	SuccessURL string
	CancelURL  string
}

// DefaultCheckoutConfig значения по умолчанию
func DefaultCheckoutConfig() CheckoutConfig {
	return CheckoutConfig{
		FeePercent:       10,
		ReuseWindow:      10 * time.Minute,
		LockTTL:          time.Minute,
		LockWait:         5 * time.Second,
		CallTimeout:      15 * time.Second,
		RetryBudget:      30 * time.Second,
		RetryInitialWait: 500 * time.Millisecond,
		WebhookURL:       func(domain.Gateway) string { return "" },
	}
}

// CheckoutService создает оплату у провайдера и локальные записи о ней
type CheckoutService struct {
	store    repository.Store
	catalog  catalog.Reader
	gateways *gateway.Registry
	locker   repository.Locker
	effects  *effects
	metrics  *metrics.Metrics
	log      *logger.Logger
	cfg      CheckoutConfig
	now      func() time.Time
}

// CheckoutDeps зависимости CheckoutService
type CheckoutDeps struct {
	Store     repository.Store
	Catalog   catalog.Reader
	Gateways  *gateway.Registry
	Locker    repository.Locker
	Notifier  notify.Dispatcher
	Publisher kafka.LifecyclePublisher
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Now       func() time.Time
}

// NewCheckoutService создает сервис оплаты
func NewCheckoutService(deps CheckoutDeps, cfg CheckoutConfig) *CheckoutService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Locker == nil {
		deps.Locker = repository.NewLocalLocker()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Publisher == nil {
		deps.Publisher = kafka.NopPublisher{}
	}
	if cfg.WebhookURL == nil {
		cfg.WebhookURL = func(domain.Gateway) string { return "" }
	}
	def := DefaultCheckoutConfig()
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	// нулевой MaxElapsedTime в backoff означает бесконечные повторы
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if minTTL := cfg.gatewayDeadline() + lockMargin; cfg.LockTTL < minTTL {
		cfg.LockTTL = minTTL
	}
	log := deps.Log.Named("checkout")
	return &CheckoutService{
		store:    deps.Store,
		catalog:  deps.Catalog,
		gateways: deps.Gateways,
		locker:   deps.Locker,
		effects: &effects{
			notifier:  deps.Notifier,
			publisher: deps.Publisher,
			log:       log,
			now:       now,
		},
		metrics: deps.Metrics,
		log:     log,
		cfg:     cfg,
		now:     now,
	}
}

// CreateCheckout создает ссылку на оплату плана.
// Удаленный вызов выполняется до записи в хранилище: при его ошибке локальных записей не остается.
func (s *CheckoutService) CreateCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	owned, err := s.catalog.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}
	plan := owned.Plan
	if owned.Bot.CreatorID != in.CreatorID || plan.Status != domain.PlanStatusActive {
		s.log.Warnw("Plan is not available for checkout", "planID", plan.ID, "creatorID", in.CreatorID, "status", plan.Status)
		return nil, domain.NewNotFoundError("plan", plan.ID.String())
	}

	creator, err := s.catalog.GetCreator(ctx, in.CreatorID)
	if err != nil {
		return nil, err
	}
	if creator.Status != domain.CreatorStatusActive {
		return nil, domain.NewValidationError("creator", fmt.Sprintf("creator is %s", creator.Status))
	}

	gw := creator.GatewayPreference
	adapter, err := s.gateways.Select(gw)
	if err != nil {
		return nil, err
	}
	account, ok := creator.Account(gw)
	if !ok || account.SplitDestination == "" {
		return nil, domain.NewValidationError("gateway_account", fmt.Sprintf("creator has no %s split destination", gw))
	}

	release, err := s.acquireCheckoutLock(ctx, plan.ID, in.BuyerID)
	if err != nil {
		return nil, err
	}
	defer release()

	if reused, err := s.findReusable(ctx, plan.ID, in.BuyerID, gw); err != nil {
		return nil, err
	} else if reused != nil {
		s.metrics.Checkout(string(gw), "reused")
		return reused, nil
	}

	amounts, err := split.Calculate(plan.PriceCents, s.cfg.FeePercent)
	if err != nil {
		return nil, err
	}

	req := gateway.PaymentRequest{
		TransactionID:  uuid.New(),
		SubscriptionID: uuid.New(),
		Plan:           plan,
		Account:        account,
		Split:          amounts,
		FeePercent:     s.cfg.FeePercent,
		BuyerID:        in.BuyerID,
		BuyerEmail:     in.BuyerEmail,
		WebhookURL:     s.cfg.WebhookURL(gw),
		SuccessURL:     s.cfg.SuccessURL,
		CancelURL:      s.cfg.CancelURL,
	}
	recurring := plan.IsRecurring && !plan.IsLifetime()

	checkout, err := s.callGateway(ctx, adapter, recurring, req)
	if err != nil {
		s.metrics.Checkout(string(gw), "gateway_error")
		return nil, err
	}

	now := s.now()
	sub := domain.Subscription{
		ID:                    req.SubscriptionID,
		PlanID:                plan.ID,
		BotID:                 owned.Bot.ID,
		CreatorID:             creator.ID,
		SubscriberID:          in.BuyerID,
		Gateway:               gw,
		Status:                domain.SubscriptionStatusPending,
		GatewaySubscriptionID: checkout.SubscriptionID,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	metadata, _ := json.Marshal(map[string]interface{}{
		"buyer_email": in.BuyerEmail,
		"recurring":   recurring,
		"fee_percent": s.cfg.FeePercent,
	})
	tx := domain.Transaction{
		ID:                req.TransactionID,
		SubscriptionID:    sub.ID,
		Gateway:           gw,
		GatewayPaymentID:  checkout.PaymentID,
		AmountGross:       amounts.Gross,
		AmountNetCreator:  amounts.CreatorNet,
		AmountPlatformFee: amounts.PlatformFee,
		Currency:          plan.Currency,
		PaymentMethod:     domain.PaymentMethodUndefined,
		Status:            domain.TransactionStatusPending,
		CheckoutURL:       checkout.URL,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = s.store.WithinTx(ctx, func(rtx repository.Tx) error {
		if err := rtx.Subscriptions().Create(ctx, &sub); err != nil {
			return err
		}
		return rtx.Transactions().Create(ctx, &tx)
	})
	if err != nil {
		s.handleOrphan(ctx, adapter, account, checkout, sub, tx, err)
		return nil, domain.NewInternalError("persist checkout", err)
	}

	s.log.Infow("Checkout created",
		"subscriptionID", sub.ID,
		"transactionID", tx.ID,
		"gateway", gw,
		"gatewayPaymentID", checkout.PaymentID,
		"gross", amounts.Gross,
		"platformFee", amounts.PlatformFee,
	)
	s.metrics.Checkout(string(gw), "created")
	s.metrics.Transition("subscription", string(sub.Status))
	s.effects.run(ctx, []sideEffect{{event: domain.SubscriptionEventCreated, sub: sub, tx: &tx}})

	return &CheckoutResult{
		SubscriptionID: sub.ID,
		TransactionID:  tx.ID,
		CheckoutURL:    checkout.URL,
		Gateway:        gw,
		Split:          amounts,
	}, nil
}

// lockMargin запас блокировки сверх вызова провайдера на чтение и запись в хранилище
const lockMargin = 10 * time.Second

// gatewayDeadline предел всех попыток вызова провайдера: последняя попытка
// начинается не позже RetryBudget и длится не дольше CallTimeout
func (c CheckoutConfig) gatewayDeadline() time.Duration {
	return c.RetryBudget + c.CallTimeout
}

// acquireCheckoutLock ждет блокировку (plan, buyer) не дольше LockWait
func (s *CheckoutService) acquireCheckoutLock(ctx context.Context, planID uuid.UUID, buyerID string) (func(), error) {
	key := fmt.Sprintf("checkout:%s:%s", planID, buyerID)

	var release func()
	op := func() error {
		r, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, repository.ErrLockNotAcquired) {
				return err
			}
			return backoff.Permanent(err)
		}
		release = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = s.cfg.LockWait

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, repository.ErrLockNotAcquired) {
			return nil, domain.NewConflictError("checkout", key, "another checkout for this plan and buyer is in progress")
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.NewInternalError("acquire checkout lock", err)
	}
	return release, nil
}

// findReusable возвращает недавнюю незавершенную оплату того же покупателя
func (s *CheckoutService) findReusable(ctx context.Context, planID uuid.UUID, buyerID string, gw domain.Gateway) (*CheckoutResult, error) {
	if s.cfg.ReuseWindow <= 0 {
		return nil, nil
	}
	since := s.now().Add(-s.cfg.ReuseWindow)
	tx, err := s.store.Transactions().FindRecentPending(ctx, planID, buyerID, gw, since)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if tx.CheckoutURL == "" {
		return nil, nil
	}

	s.log.Infow("Reusing recent checkout", "transactionID", tx.ID, "subscriptionID", tx.SubscriptionID, "buyerID", buyerID)
	return &CheckoutResult{
		SubscriptionID: tx.SubscriptionID,
		TransactionID:  tx.ID,
		CheckoutURL:    tx.CheckoutURL,
		Gateway:        tx.Gateway,
		Split: split.Split{
			Gross:       tx.AmountGross,
			PlatformFee: tx.AmountPlatformFee,
			CreatorNet:  tx.AmountNetCreator,
		},
		Reused: true,
	}, nil
}

// callGateway вызывает провайдера с повторами временных ошибок.
// Ключ идемпотентности одинаков для всех попыток.
func (s *CheckoutService) callGateway(ctx context.Context, adapter gateway.Adapter, recurring bool, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	operation := "create_payment_link"
	create := adapter.CreatePaymentLink
	if recurring {
		operation = "create_subscription"
		create = adapter.CreateSubscription
	}
	gw := adapter.Gateway()

	// все попытки укладываются во время жизни блокировки
	ctx, cancel := context.WithTimeout(ctx, s.cfg.gatewayDeadline())
	defer cancel()

	var checkout *gateway.Checkout
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()

		started := time.Now()
		c, err := create(callCtx, req)
		s.metrics.ObserveGatewayCall(string(gw), operation, err, time.Since(started))
		if err != nil {
			if domain.IsRetryable(err) {
				s.log.Warnw("Retryable gateway error, retrying", "gateway", gw, "operation", operation, "attempt", attempt, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		checkout = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	if s.cfg.RetryInitialWait > 0 {
		bo.InitialInterval = s.cfg.RetryInitialWait
	}
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = s.cfg.RetryBudget

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		s.log.Errorw("Gateway call failed", "gateway", gw, "operation", operation, "attempts", attempt, "error", err)
		if errors.Is(err, domain.ErrGateway) || errors.Is(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, domain.NewGatewayError(gw, operation, 0, true, err)
	}
	if checkout == nil || checkout.PaymentID == "" || checkout.URL == "" {
		return nil, domain.NewGatewayError(gw, operation, 0, false, errors.New("provider returned empty checkout"))
	}
	return checkout, nil
}

// handleOrphan удаленный артефакт создан, но локальная запись не сохранилась
func (s *CheckoutService) handleOrphan(ctx context.Context, adapter gateway.Adapter, account domain.GatewayAccount,
	checkout *gateway.Checkout, sub domain.Subscription, tx domain.Transaction, cause error) {
	gw := adapter.Gateway()
	s.metrics.OrphanedCheckout(string(gw))
	s.log.Errorw("Orphaned checkout artifact, manual cancellation may be required",
		"gateway", gw,
		"gatewayPaymentID", checkout.PaymentID,
		"gatewaySubscriptionID", checkout.SubscriptionID,
		"checkoutURL", checkout.URL,
		"subscriptionID", sub.ID,
		"transactionID", tx.ID,
		"creatorID", sub.CreatorID,
		"buyerID", sub.SubscriberID,
		"error", cause,
	)

	if checkout.SubscriptionID == "" {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CallTimeout)
	defer cancel()
	if err := adapter.CancelSubscription(cancelCtx, account, checkout.SubscriptionID); err != nil {
		s.log.Errorw("Failed to cancel orphaned remote subscription",
			"gateway", gw, "gatewaySubscriptionID", checkout.SubscriptionID, "error", err)
		return
	}
	s.log.Infow("Orphaned remote subscription cancelled", "gateway", gw, "gatewaySubscriptionID", checkout.SubscriptionID)
}

// CancelSubscription отменяет подписку по запросу создателя.
// Повторная отмена уже завершенной подписки возвращает ее без ошибки.
func (s *CheckoutService) CancelSubscription(ctx context.Context, creatorID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.store.Subscriptions().GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.CreatorID != creatorID {
		return nil, domain.NewNotFoundError("subscription", subscriptionID.String())
	}
	if sub.Status.IsTerminal() {
		return sub, nil
	}

	if sub.GatewaySubscriptionID != "" {
		if err := s.cancelRemote(ctx, sub); err != nil {
			return nil, err
		}
	}

	wasActive := false
	var cancelled *domain.Subscription
	err = s.store.WithinTx(ctx, func(rtx repository.Tx) error {
		current, err := rtx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		wasActive = current.Status == domain.SubscriptionStatusActive
		ok, err := rtx.Subscriptions().Cancel(ctx, subscriptionID, s.now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.NewConflictError("subscription", subscriptionID.String(), "status changed concurrently")
		}
		cancelled, err = rtx.Subscriptions().GetByID(ctx, subscriptionID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return s.store.Subscriptions().GetByID(ctx, subscriptionID)
		}
		return nil, err
	}

	s.log.Infow("Subscription cancelled", "subscriptionID", subscriptionID, "creatorID", creatorID)
	s.metrics.Transition("subscription", string(domain.SubscriptionStatusCancelled))

	eff := sideEffect{event: domain.SubscriptionEventCancelled, sub: *cancelled}
	if wasActive {
		eff.notify = notify.KindRevoke
	}
	s.effects.run(ctx, []sideEffect{eff})
	return cancelled, nil
}

func (s *CheckoutService) cancelRemote(ctx context.Context, sub *domain.Subscription) error {
	adapter, err := s.gateways.Select(sub.Gateway)
	if err != nil {
		return err
	}
	creator, err := s.catalog.GetCreator(ctx, sub.CreatorID)
	if err != nil {
		return err
	}
	account, _ := creator.Account(sub.Gateway)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	started := time.Now()
	err = adapter.CancelSubscription(callCtx, account, sub.GatewaySubscriptionID)
	s.metrics.ObserveGatewayCall(string(sub.Gateway), "cancel_subscription", err, time.Since(started))
	if err != nil {
		s.log.Errorw("Failed to cancel remote subscription",
			"subscriptionID", sub.ID, "gatewaySubscriptionID", sub.GatewaySubscriptionID, "error", err)
		return err
	}
	return nil
}

// Status текущее состояние подписки и последнего платежа
func (s *CheckoutService) Status(ctx context.Context, subscriptionID uuid.UUID) (*SubscriptionStatus, error) {
	sub, err := s.store.Subscriptions().GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	out := &SubscriptionStatus{
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		ExpiresAt:      sub.ExpiresAt,
	}

	tx, err := s.store.Transactions().LatestBySubscription(ctx, subscriptionID)
	switch {
	case err == nil:
		out.PaymentStatus = tx.Status
		if tx.Status == domain.TransactionStatusPending {
			out.CheckoutURL = tx.CheckoutURL
		}
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, err
	}
	return out, nil
}
