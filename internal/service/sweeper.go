package service

import (
	"context"
	"errors"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/kafka"
	"github.com/Dhoini/channel-subscriptions/internal/metrics"
	"github.com/Dhoini/channel-subscriptions/internal/notify"
	"github.com/Dhoini/channel-subscriptions/internal/repository"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
)

const (
	passExpire = "expire"
	passRemind = "remind"
)

// SweeperConfig параметры фоновых проходов
type SweeperConfig struct {
	BatchSize      int
	ReminderWindow time.Duration
	LeaseTTL       time.Duration
}

// PassResult итог одного прохода
type PassResult struct {
	Processed    int  `json:"processed"`     // переходы, выполненные этим проходом
	Stale        int  `json:"stale"`         // строки, измененные конкурентно
	Failed       int  `json:"failed"`        // ошибки хранилища по отдельным подпискам
	NotifyFailed int  `json:"notify_failed"` // уведомление не доставлено после повторов
	Revoked      int  `json:"revoked"`       // отзывы доступа, доставленные повторно
	Skipped      bool `json:"skipped"`       // аренду держит другой экземпляр
}

// SweeperDeps зависимости Sweeper
type SweeperDeps struct {
	Store     repository.Store
	Notifier  notify.Dispatcher // синхронный, с повторами
	Publisher kafka.LifecyclePublisher
	Locker    repository.Locker
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Now       func() time.Time
}

// Sweeper истекает просроченные подписки и рассылает напоминания
type Sweeper struct {
	store    repository.Store
	notifier notify.Dispatcher
	locker   repository.Locker
	effects  *effects
	metrics  *metrics.Metrics
	log      *logger.Logger
	cfg      SweeperConfig
	now      func() time.Time
}

// NewSweeper создает обработчик фоновых проходов
func NewSweeper(deps SweeperDeps, cfg SweeperConfig) *Sweeper {
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
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.ReminderWindow <= 0 {
		cfg.ReminderWindow = 72 * time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	log := deps.Log.Named("sweeper")
	return &Sweeper{
		store:    deps.Store,
		notifier: deps.Notifier,
		locker:   deps.Locker,
		effects: &effects{
			notifier:  notify.Nop{},
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

// ExpirePass переводит в expired активные подписки с истекшим сроком.
// Каждая подписка обрабатывается отдельным сравнением-и-заменой: конкурентное продление не затирается.
// Затем повторяется отзыв доступа для истекших подписок, которым он не был доставлен раньше.
func (s *Sweeper) ExpirePass(ctx context.Context) (PassResult, error) {
	return s.runPass(ctx, passExpire,
		stage{
			list: func(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
				return s.store.Subscriptions().ListExpired(ctx, now, s.cfg.BatchSize)
			},
			item: s.expireOne,
		},
		stage{
			list: func(ctx context.Context, _ time.Time) ([]domain.Subscription, error) {
				return s.store.Subscriptions().ListRevokePending(ctx, s.cfg.BatchSize)
			},
			item: s.retryRevoke,
		},
	)
}

// ReminderPass отправляет одно напоминание за цикл подпискам, истекающим в ближайшее окно
func (s *Sweeper) ReminderPass(ctx context.Context) (PassResult, error) {
	return s.runPass(ctx, passRemind, stage{
		list: func(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
			return s.store.Subscriptions().ListExpiringBetween(ctx, now, now.Add(s.cfg.ReminderWindow), s.cfg.BatchSize)
		},
		item: s.remindOne,
	})
}

type listFunc func(ctx context.Context, now time.Time) ([]domain.Subscription, error)

type itemFunc func(ctx context.Context, sub domain.Subscription, now time.Time, res *PassResult)

// stage выборка и обработчик одной части прохода
type stage struct {
	list listFunc
	item itemFunc
}

// runPass берет аренду и выполняет этапы по очереди. Каждый этап обрабатывает подписки пачками,
// пока выборка не перестанет давать новые строки. Подписка обрабатывается не больше одного раза за проход.
// Отмена ctx прерывает проход между подписками.
func (s *Sweeper) runPass(ctx context.Context, pass string, stages ...stage) (PassResult, error) {
	var res PassResult

	release, err := s.locker.Acquire(ctx, "sweep:"+pass, s.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, repository.ErrLockNotAcquired) {
			s.log.Infow("Sweep pass is running elsewhere, skipping", "pass", pass)
			res.Skipped = true
			return res, nil
		}
		return res, err
	}
	defer release()

	started := time.Now()
	defer func() { s.metrics.ObserveSweep(pass, time.Since(started)) }()

	now := s.now()
	seen := make(map[uuid.UUID]bool)
	for _, st := range stages {
		if err := s.runStage(ctx, pass, st, now, seen, &res); err != nil {
			return res, err
		}
	}

	s.log.Infow("Sweep pass finished",
		"pass", pass,
		"processed", res.Processed,
		"stale", res.Stale,
		"failed", res.Failed,
		"notifyFailed", res.NotifyFailed,
		"revoked", res.Revoked,
	)
	return res, nil
}

func (s *Sweeper) runStage(ctx context.Context, pass string, st stage, now time.Time, seen map[uuid.UUID]bool, res *PassResult) error {
	for {
		if err := ctx.Err(); err != nil {
			s.log.Warnw("Sweep pass interrupted", "pass", pass, "processed", res.Processed)
			return err
		}

		batch, err := st.list(ctx, now)
		if err != nil {
			s.log.Errorw("Failed to list subscriptions for sweep", "pass", pass, "error", err)
			return err
		}

		progressed := false
		for _, sub := range batch {
			if seen[sub.ID] {
				continue
			}
			seen[sub.ID] = true
			progressed = true

			if err := ctx.Err(); err != nil {
				s.log.Warnw("Sweep pass interrupted", "pass", pass, "processed", res.Processed)
				return err
			}
			st.item(ctx, sub, now, res)
		}

		if !progressed || len(batch) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Sweeper) expireOne(ctx context.Context, sub domain.Subscription, now time.Time, res *PassResult) {
	if sub.ExpiresAt == nil {
		return
	}

	ok, err := s.store.Subscriptions().Expire(ctx, sub.ID, *sub.ExpiresAt, now)
	if err != nil {
		res.Failed++
		s.metrics.SweepItem(passExpire, "error")
		s.log.Errorw("Failed to expire subscription", "subscriptionID", sub.ID, "error", err)
		return
	}
	if !ok {
		res.Stale++
		s.metrics.SweepItem(passExpire, "stale")
		s.log.Infow("Subscription changed concurrently, not expired", "subscriptionID", sub.ID)
		return
	}

	res.Processed++
	s.metrics.SweepItem(passExpire, "expired")
	s.metrics.Transition("subscription", string(domain.SubscriptionStatusExpired))
	sub.Status = domain.SubscriptionStatusExpired
	sub.UpdatedAt = now
	s.log.Infow("Subscription expired", "subscriptionID", sub.ID, "expiresAt", sub.ExpiresAt)

	// переход уже зафиксирован и не откатывается из-за ошибки доставки:
	// без отметки access_revoked_at отзыв повторит следующий проход
	if !s.revoke(ctx, sub, now) {
		res.NotifyFailed++
	}
	s.effects.run(ctx, []sideEffect{{event: domain.SubscriptionEventExpired, sub: sub}})
}

func (s *Sweeper) retryRevoke(ctx context.Context, sub domain.Subscription, now time.Time, res *PassResult) {
	if !s.revoke(ctx, sub, now) {
		res.NotifyFailed++
		s.metrics.SweepItem(passExpire, "revoke_error")
		return
	}
	res.Revoked++
	s.metrics.SweepItem(passExpire, "revoked")
	s.log.Infow("Access revoked on retry", "subscriptionID", sub.ID, "expiresAt", sub.ExpiresAt)
}

// revoke доставляет отзыв доступа и ставит отметку. Начатая доставка не прерывается остановкой прохода.
func (s *Sweeper) revoke(ctx context.Context, sub domain.Subscription, now time.Time) bool {
	ctx = context.WithoutCancel(ctx)
	if err := s.notifier.RevokeAccess(ctx, sub); err != nil {
		s.log.Errorw("Failed to revoke access for expired subscription", "subscriptionID", sub.ID, "error", err)
		return false
	}
	if err := s.store.Subscriptions().MarkAccessRevoked(ctx, sub.ID, now); err != nil {
		// отзыв повторится на следующем проходе, команда идемпотентна
		s.log.Errorw("Failed to mark access revoked", "subscriptionID", sub.ID, "error", err)
	}
	return true
}

func (s *Sweeper) remindOne(ctx context.Context, sub domain.Subscription, now time.Time, res *PassResult) {
	if sub.ExpiresAt == nil {
		return
	}

	ok, err := s.store.Subscriptions().MarkReminderSent(ctx, sub.ID, *sub.ExpiresAt, now)
	if err != nil {
		res.Failed++
		s.metrics.SweepItem(passRemind, "error")
		s.log.Errorw("Failed to mark reminder", "subscriptionID", sub.ID, "error", err)
		return
	}
	if !ok {
		res.Stale++
		s.metrics.SweepItem(passRemind, "stale")
		return
	}

	if err := s.notifier.NotifyExpiringSoon(ctx, sub); err != nil {
		res.NotifyFailed++
		s.metrics.SweepItem(passRemind, "notify_error")
		s.log.Errorw("Failed to send expiration reminder, marker cleared for next pass", "subscriptionID", sub.ID, "error", err)
		if err := s.store.Subscriptions().ClearReminder(context.WithoutCancel(ctx), sub.ID, now); err != nil {
			s.log.Errorw("Failed to clear reminder marker", "subscriptionID", sub.ID, "error", err)
		}
		return
	}

	res.Processed++
	s.metrics.SweepItem(passRemind, "sent")
	s.log.Infow("Expiration reminder sent", "subscriptionID", sub.ID, "expiresAt", sub.ExpiresAt)
}
