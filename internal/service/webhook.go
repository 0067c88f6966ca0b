package service

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/google/uuid"
)

// IngestResult итог обработки вебхука
type IngestResult struct {
	Outcome       domain.WebhookOutcome
	TransactionID uuid.UUID
	Status        domain.TransactionStatus
}

// WebhookDeps зависимости WebhookService
type WebhookDeps struct {
	Store     repository.Store
	Catalog   catalog.Reader
	Gateways  *gateway.Registry
	Secrets   map[domain.Gateway]string
	Notifier  notify.Dispatcher // асинхронная очередь: ответ провайдеру не ждет доставки
	Publisher kafka.LifecyclePublisher
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Now       func() time.Time

	FeePercent float64 // для платежей продления, созданных из вебхука
}

// WebhookService применяет события провайдеров к транзакциям и подпискам
type WebhookService struct {
	store      repository.Store
	catalog    catalog.Reader
	gateways   *gateway.Registry
	secrets    map[domain.Gateway]string
	effects    *effects
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time
	feePercent float64
}

// NewWebhookService создает сервис приема вебхуков
func NewWebhookService(deps WebhookDeps) *WebhookService {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Publisher == nil {
		deps.Publisher = kafka.NopPublisher{}
	}
	log := deps.Log.Named("webhook")
	return &WebhookService{
		store:    deps.Store,
		catalog:  deps.Catalog,
		gateways: deps.Gateways,
		secrets:  deps.Secrets,
		effects: &effects{
			notifier:  deps.Notifier,
			publisher: deps.Publisher,
			log:       log,
			now:       now,
		},
		metrics:    deps.Metrics,
		log:        log,
		now:        now,
		feePercent: deps.FeePercent,
	}
}

// Ingest проверяет подлинность события и применяет его.
// nil означает, что результат зафиксирован и провайдеру можно ответить 200.
func (s *WebhookService) Ingest(ctx context.Context, gw domain.Gateway, req gateway.WebhookRequest) (*IngestResult, error) {
	adapter, err := s.gateways.Select(gw)
	if err != nil {
		return nil, err
	}

	if !adapter.VerifyWebhookSignature(req, s.secrets[gw]) {
		s.metrics.Webhook(string(gw), "rejected")
		s.log.Warnw("Webhook signature verification failed", "gateway", gw)
		return nil, &domain.SignatureError{Gateway: gw, Reason: "signature verification failed"}
	}

	ev, err := adapter.ParseWebhook(ctx, req)
	if err != nil {
		s.log.Warnw("Failed to parse webhook", "gateway", gw, "error", err)
		s.metrics.Webhook(string(gw), "unparsable")
		return nil, err
	}

	record := &domain.WebhookEvent{
		Gateway:    gw,
		ExternalID: ev.ID,
		Type:       ev.Type,
		ResourceID: ev.ResourceID(),
		RawStatus:  ev.RawStatus,
		Payload:    req.Payload,
	}

	if ev.Ignored {
		s.log.Debugw("Webhook ignored", "gateway", gw, "eventID", ev.ID, "type", ev.Type, "reason", ev.IgnoreReason)
		return s.recordOnly(ctx, record, domain.WebhookOutcomeIgnored, ev.IgnoreReason)
	}

	status := adapter.MapStatus(ev.RawStatus)
	if status == domain.TransactionStatusUnknown {
		s.log.Warnw("Unknown gateway status, event left for triage",
			"gateway", gw, "eventID", ev.ID, "rawStatus", ev.RawStatus, "resourceID", record.ResourceID)
		return s.recordOnly(ctx, record, domain.WebhookOutcomeTriage, "unknown status "+ev.RawStatus)
	}

	var (
		result  *IngestResult
		pending []sideEffect
	)
	err = s.store.WithinTx(ctx, func(rtx repository.Tx) error {
		pending = nil
		tx, err := s.resolve(ctx, rtx, gw, ev, status)
		if errors.Is(err, errRenewalNotBillable) {
			result = &IngestResult{Outcome: domain.WebhookOutcomeIgnored, Status: status}
			record.Outcome = domain.WebhookOutcomeIgnored
			record.ErrorMessage = "renewal charge " + string(status)
			s.log.Debugw("Renewal charge without payment ignored",
				"gateway", gw, "eventID", ev.ID, "chargeID", ev.ChargeID,
				"gatewaySubscriptionID", ev.SubscriptionID, "rawStatus", ev.RawStatus)
			return s.saveEvent(ctx, rtx.WebhookEvents(), record)
		}
		if err != nil {
			return err
		}
		if tx == nil {
			result = &IngestResult{Outcome: domain.WebhookOutcomeTriage, Status: status}
			record.Outcome = domain.WebhookOutcomeTriage
			record.ErrorMessage = "no matching transaction"
			s.log.Warnw("Webhook does not match any transaction",
				"gateway", gw, "eventID", ev.ID, "chargeID", ev.ChargeID,
				"checkoutID", ev.CheckoutID, "externalReference", ev.ExternalReference,
				"gatewaySubscriptionID", ev.SubscriptionID)
			return s.saveEvent(ctx, rtx.WebhookEvents(), record)
		}

		outcome, note, effs, err := s.apply(ctx, rtx, tx, ev, status)
		if err != nil {
			return err
		}
		pending = effs
		result = &IngestResult{Outcome: outcome, TransactionID: tx.ID, Status: tx.Status}
		record.Outcome = outcome
		record.ErrorMessage = note
		return s.saveEvent(ctx, rtx.WebhookEvents(), record)
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.log.Infow("Concurrent duplicate webhook, treated as no-op", "gateway", gw, "eventID", ev.ID, "error", err)
			return s.recordOnly(ctx, record, domain.WebhookOutcomeIgnored, err.Error())
		}
		s.metrics.Webhook(string(gw), string(domain.WebhookOutcomeFailed))
		s.log.Errorw("Failed to apply webhook", "gateway", gw, "eventID", ev.ID, "error", err)
		s.recordFailure(ctx, record, err)
		if errors.Is(err, domain.ErrInternal) {
			return nil, err
		}
		return nil, domain.NewInternalError("apply webhook", err)
	}

	s.metrics.Webhook(string(gw), string(result.Outcome))
	s.effects.run(ctx, pending)
	return result, nil
}

// errRenewalNotBillable очередное списание известной удаленной подписки еще не оплачено или не прошло.
// Транзакция для него заводится только при подтверждении.
var errRenewalNotBillable = errors.New("renewal charge is not billable yet")

// resolve находит транзакцию события под блокировкой строки. nil без ошибки означает, что сопоставить не удалось.
func (s *WebhookService) resolve(ctx context.Context, rtx repository.Tx, gw domain.Gateway, ev *gateway.Event, status domain.TransactionStatus) (*domain.Transaction, error) {
	txs := rtx.Transactions()

	if ev.ChargeID != "" {
		found, err := txs.FindByCharge(ctx, gw, ev.ChargeID)
		switch {
		case err == nil:
			return rtx.LockTransaction(ctx, found.ID)
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}

	if ev.CheckoutID != "" || ev.ExternalReference != "" {
		found, err := txs.FindUnboundInitial(ctx, gw, ev.CheckoutID, ev.ExternalReference)
		switch {
		case err == nil:
			locked, err := rtx.LockTransaction(ctx, found.ID)
			if err != nil {
				return nil, err
			}
			if locked.GatewayReference == "" && ev.ChargeID != "" && ev.ChargeID != locked.GatewayPaymentID {
				locked.GatewayReference = ev.ChargeID
				ok, err := txs.Update(ctx, locked, locked.Status)
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, domain.NewConflictError("transaction", locked.ID.String(), "changed while binding charge")
				}
			}
			return locked, nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}

	if ev.SubscriptionID != "" && ev.ChargeID != "" {
		sub, err := rtx.Subscriptions().GetByGatewaySubscriptionID(ctx, gw, ev.SubscriptionID)
		switch {
		case err == nil && status == domain.TransactionStatusConfirmed:
			return s.createRenewal(ctx, rtx, sub, ev)
		case err == nil && (status == domain.TransactionStatusPending || status == domain.TransactionStatusFailed):
			return nil, errRenewalNotBillable
		case err == nil:
			return nil, nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}

	return nil, nil
}

// createRenewal заводит транзакцию очередного списания удаленной подписки
func (s *WebhookService) createRenewal(ctx context.Context, rtx repository.Tx, sub *domain.Subscription, ev *gateway.Event) (*domain.Transaction, error) {
	owned, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	gross := ev.AmountCents
	if gross <= 0 {
		gross = owned.Plan.PriceCents
	}
	amounts, err := split.Calculate(gross, s.feePercent)
	if err != nil {
		return nil, err
	}

	method := ev.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodUndefined
	}
	now := s.now()
	tx := &domain.Transaction{
		ID:                uuid.New(),
		SubscriptionID:    sub.ID,
		Gateway:           sub.Gateway,
		GatewayPaymentID:  ev.ChargeID,
		AmountGross:       amounts.Gross,
		AmountNetCreator:  amounts.CreatorNet,
		AmountPlatformFee: amounts.PlatformFee,
		Currency:          owned.Plan.Currency,
		PaymentMethod:     method,
		Status:            domain.TransactionStatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := rtx.Transactions().Create(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, domain.NewConflictError("transaction", ev.ChargeID, "renewal already recorded")
		}
		return nil, err
	}

	s.log.Infow("Renewal transaction created from webhook",
		"transactionID", tx.ID, "subscriptionID", sub.ID, "chargeID", ev.ChargeID, "gross", amounts.Gross)
	return tx, nil
}

// apply выполняет переход статуса транзакции и связанный переход подписки
func (s *WebhookService) apply(ctx context.Context, rtx repository.Tx, tx *domain.Transaction, ev *gateway.Event, status domain.TransactionStatus) (domain.WebhookOutcome, string, []sideEffect, error) {
	from := tx.Status
	if from == status || !from.CanTransitionTo(status) {
		s.log.Infow("Stale or repeated transition ignored",
			"transactionID", tx.ID, "from", from, "to", status, "rawStatus", ev.RawStatus)
		return domain.WebhookOutcomeIgnored, fmt.Sprintf("transition %s -> %s not applied", from, status), nil, nil
	}

	now := s.now()
	tx.Status = status
	tx.GatewayStatus = ev.RawStatus
	tx.UpdatedAt = now
	if ev.PaymentMethod != "" {
		tx.PaymentMethod = ev.PaymentMethod
	}
	switch status {
	case domain.TransactionStatusConfirmed:
		tx.PaidAt = &now
	case domain.TransactionStatusRefunded:
		tx.RefundedAt = &now
	}

	ok, err := rtx.Transactions().Update(ctx, tx, from)
	if err != nil {
		return "", "", nil, err
	}
	if !ok {
		return "", "", nil, domain.NewConflictError("transaction", tx.ID.String(), "status changed concurrently")
	}
	s.metrics.Transition("transaction", string(status))
	if status == domain.TransactionStatusConfirmed {
		s.metrics.ObservePaymentAmount(string(tx.Gateway), tx.Currency, string(status), tx.AmountGross)
	}
	s.log.Infow("Transaction status changed", "transactionID", tx.ID, "from", from, "to", status, "rawStatus", ev.RawStatus)

	sub, err := rtx.LockSubscription(ctx, tx.SubscriptionID)
	if err != nil {
		return "", "", nil, err
	}

	switch status {
	case domain.TransactionStatusConfirmed:
		return s.activate(ctx, rtx, sub, tx, ev, now)
	case domain.TransactionStatusFailed, domain.TransactionStatusRefunded:
		if from != domain.TransactionStatusConfirmed || sub.Status.IsTerminal() {
			return domain.WebhookOutcomeProcessed, "", nil, nil
		}
		return s.revoke(ctx, rtx, sub, tx, now)
	}
	return domain.WebhookOutcomeProcessed, "", nil, nil
}

func (s *WebhookService) activate(ctx context.Context, rtx repository.Tx, sub *domain.Subscription, tx *domain.Transaction, ev *gateway.Event, now time.Time) (domain.WebhookOutcome, string, []sideEffect, error) {
	if sub.Status.IsTerminal() {
		s.log.Warnw("Payment confirmed for a finished subscription, refund may be required",
			"subscriptionID", sub.ID, "status", sub.Status, "transactionID", tx.ID)
		return domain.WebhookOutcomeTriage, fmt.Sprintf("payment confirmed for %s subscription", sub.Status), nil, nil
	}

	owned, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return "", "", nil, err
	}
	expiresAt := owned.Plan.ExpiresAt(now)
	wasActive := sub.Status == domain.SubscriptionStatusActive

	ok, err := rtx.Subscriptions().Activate(ctx, sub.ID, expiresAt, ev.SubscriptionID, now)
	if err != nil {
		return "", "", nil, err
	}
	if !ok {
		return "", "", nil, domain.NewConflictError("subscription", sub.ID.String(), "status changed concurrently")
	}
	activated, err := rtx.Subscriptions().GetByID(ctx, sub.ID)
	if err != nil {
		return "", "", nil, err
	}

	event := domain.SubscriptionEventActivated
	if wasActive {
		event = domain.SubscriptionEventRenewed
	}
	s.metrics.Transition("subscription", string(domain.SubscriptionStatusActive))
	s.log.Infow("Subscription activated", "subscriptionID", sub.ID, "renewal", wasActive, "expiresAt", expiresAt)

	return domain.WebhookOutcomeProcessed, "", []sideEffect{{
		notify: notify.KindGrant,
		event:  event,
		sub:    *activated,
		tx:     tx,
	}}, nil
}

func (s *WebhookService) revoke(ctx context.Context, rtx repository.Tx, sub *domain.Subscription, tx *domain.Transaction, now time.Time) (domain.WebhookOutcome, string, []sideEffect, error) {
	ok, err := rtx.Subscriptions().Cancel(ctx, sub.ID, now)
	if err != nil {
		return "", "", nil, err
	}
	if !ok {
		return "", "", nil, domain.NewConflictError("subscription", sub.ID.String(), "status changed concurrently")
	}
	cancelled, err := rtx.Subscriptions().GetByID(ctx, sub.ID)
	if err != nil {
		return "", "", nil, err
	}

	s.metrics.Transition("subscription", string(domain.SubscriptionStatusCancelled))
	s.log.Infow("Subscription cancelled after payment reversal", "subscriptionID", sub.ID, "transactionID", tx.ID, "status", tx.Status)

	eff := sideEffect{event: domain.SubscriptionEventCancelled, sub: *cancelled, tx: tx}
	if sub.Status == domain.SubscriptionStatusActive {
		eff.notify = notify.KindRevoke
	}
	return domain.WebhookOutcomeProcessed, "", []sideEffect{eff}, nil
}

func (s *WebhookService) saveEvent(ctx context.Context, repo repository.WebhookEventRepository, record *domain.WebhookEvent) error {
	record.CreatedAt = s.now()
	return repo.Save(ctx, record)
}

// recordOnly фиксирует событие без изменения состояния
func (s *WebhookService) recordOnly(ctx context.Context, record *domain.WebhookEvent, outcome domain.WebhookOutcome, note string) (*IngestResult, error) {
	record.Outcome = outcome
	record.ErrorMessage = note
	if err := s.saveEvent(ctx, s.store.WebhookEvents(), record); err != nil {
		s.log.Errorw("Failed to record webhook event", "gateway", record.Gateway, "eventID", record.ExternalID, "error", err)
		return nil, domain.NewInternalError("record webhook event", err)
	}
	s.metrics.Webhook(string(record.Gateway), string(outcome))
	return &IngestResult{Outcome: outcome}, nil
}

// recordFailure сохраняет неудачную попытку для разбора; ошибка записи только логируется
func (s *WebhookService) recordFailure(ctx context.Context, record *domain.WebhookEvent, cause error) {
	record.ID = uuid.Nil
	record.Outcome = domain.WebhookOutcomeFailed
	record.ErrorMessage = cause.Error()
	if err := s.saveEvent(context.WithoutCancel(ctx), s.store.WebhookEvents(), record); err != nil {
		s.log.Warnw("Failed to record failed webhook", "gateway", record.Gateway, "eventID", record.ExternalID, "error", err)
	}
}

// ListForTriage события, требующие ручного разбора
func (s *WebhookService) ListForTriage(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.WebhookEvents().ListByOutcome(ctx, domain.WebhookOutcomeTriage, limit)
}
