// Package service содержит оркестрацию оплаты, прием вебхуков и фоновые проходы по подпискам.
// Побочные эффекты (уведомления, события) выполняются только после фиксации транзакции.
package service

import (
	"context"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/kafka"
	"github.com/Dhoini/channel-subscriptions/internal/notify"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
)

// sideEffect действие, которое выполняется после коммита
type sideEffect struct {
	notify notify.Kind
	event  domain.SubscriptionEventType
	sub    domain.Subscription
	tx     *domain.Transaction // платеж, вызвавший событие
}

// effects общий исполнитель побочных эффектов
type effects struct {
	notifier  notify.Dispatcher
	publisher kafka.LifecyclePublisher
	log       *logger.Logger
	now       func() time.Time
}

func (e *effects) run(ctx context.Context, list []sideEffect) {
	for _, eff := range list {
		if eff.notify != "" {
			if err := notify.Send(ctx, e.notifier, eff.notify, eff.sub); err != nil {
				e.log.Errorw("Failed to dispatch notification",
					"kind", eff.notify, "subscriptionID", eff.sub.ID, "error", err)
			}
		}
		if eff.event != "" {
			e.publish(ctx, eff)
		}
	}
}

func (e *effects) publish(ctx context.Context, eff sideEffect) {
	ev := domain.NewSubscriptionEvent(eff.event, eff.sub, e.now())
	if eff.tx != nil {
		id := eff.tx.ID
		ev.TransactionID = &id
		ev.AmountGross = eff.tx.AmountGross
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warnw("Failed to publish lifecycle event", "type", eff.event, "subscriptionID", eff.sub.ID, "error", err)
	}
}
