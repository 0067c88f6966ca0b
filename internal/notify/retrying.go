package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/metrics"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy ограничения повторов доставки
type RetryPolicy struct {
	Timeout         time.Duration // на одну попытку
	Budget          time.Duration // на все попытки
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy значения по умолчанию
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         10 * time.Second,
		Budget:          2 * time.Minute,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
	}
}

// Retrying повторяет неудачные доставки с экспоненциальной задержкой.
// Каждая попытка ограничена таймаутом, ошибки валидации не повторяются.
type Retrying struct {
	next    Dispatcher
	policy  RetryPolicy
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewRetrying оборачивает next
func NewRetrying(next Dispatcher, policy RetryPolicy, m *metrics.Metrics, log *logger.Logger) *Retrying {
	return &Retrying{next: next, policy: policy, metrics: m, log: log}
}

func (r *Retrying) GrantAccess(ctx context.Context, sub domain.Subscription) error {
	return r.deliver(ctx, KindGrant, sub)
}

func (r *Retrying) RevokeAccess(ctx context.Context, sub domain.Subscription) error {
	return r.deliver(ctx, KindRevoke, sub)
}

func (r *Retrying) NotifyExpiringSoon(ctx context.Context, sub domain.Subscription) error {
	return r.deliver(ctx, KindReminder, sub)
}

func (r *Retrying) deliver(ctx context.Context, kind Kind, sub domain.Subscription) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = r.policy.Budget

	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()

		err := Send(callCtx, r.next, kind, sub)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrInvalidInput) {
			return backoff.Permanent(err)
		}
		r.log.Warnw("Notification attempt failed",
			"error", err,
			"kind", kind,
			"subscriptionID", sub.ID,
			"attempt", attempt,
		)
		return err
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	r.metrics.Notification(string(kind), err)
	if err != nil {
		r.log.Errorw("Notification delivery failed",
			"error", err,
			"kind", kind,
			"subscriptionID", sub.ID,
			"attempts", attempt,
		)
	}
	return err
}
